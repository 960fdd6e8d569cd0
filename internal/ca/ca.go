// Package ca issues, validates and revokes certificates that bind an owner
// identity to an Ed25519 public key.
package ca

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"esignd/internal/domain"
	"esignd/internal/lockmap"
	"esignd/internal/logging"
	"esignd/internal/signer"
	"esignd/internal/store"
)

// CertificateVersion is stamped on every certificate this authority issues.
const CertificateVersion = "1.0"

// DefaultValidity is used when neither the config nor the caller sets one.
const DefaultValidity = 365 * 24 * time.Hour

// DefaultRevocationReason is recorded when Revoke is called without a reason.
const DefaultRevocationReason = "unspecified"

// Config describes the issuing authority.
type Config struct {
	Name                string
	Organization        string
	Country             string
	Validity            time.Duration
	DefaultOrganization string
	DefaultDepartment   string
}

// Attributes are the optional subject fields and per-call overrides for Issue.
type Attributes struct {
	Organization string
	Department   string
	Email        string
	Validity     time.Duration
	RotateKey    bool
}

// Authority is the certificate authority.
type Authority struct {
	cfg      Config
	key      ed25519.PrivateKey
	keys     domain.KeyProvider
	store    store.Store
	now      domain.Clock
	recorder domain.Recorder
	log      *logging.Logger

	locks lockmap.Map

	serialMu sync.Mutex
	serials  map[string]struct{}
}

// Option configures an Authority.
type Option func(*Authority)

func WithClock(c domain.Clock) Option { return func(a *Authority) { a.now = c } }
func WithRecorder(r domain.Recorder) Option { return func(a *Authority) { a.recorder = r } }
func WithLogger(l *logging.Logger) Option { return func(a *Authority) { a.log = l } }

// New builds an authority signing with key. The set of serial numbers already
// issued is loaded from st so uniqueness holds across restarts.
func New(ctx context.Context, st store.Store, keys domain.KeyProvider, key ed25519.PrivateKey, cfg Config, opts ...Option) (*Authority, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("ca: invalid authority key")
	}
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	a := &Authority{
		cfg:      cfg,
		key:      key,
		keys:     keys,
		store:    st,
		now:      domain.SystemClock,
		recorder: domain.NopRecorder{},
		log:      logging.Nop(),
		serials:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("ca")

	certs, err := a.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load issued serials: %w", err)
	}
	for _, c := range certs {
		a.serials[c.SerialNumber] = struct{}{}
	}
	return a, nil
}

// PublicKey returns the authority's verification key.
func (a *Authority) PublicKey() ed25519.PublicKey {
	return signer.PublicKey(a.key)
}

// Issuer returns the issuer block stamped on certificates.
func (a *Authority) Issuer() domain.Issuer {
	return domain.Issuer{Name: a.cfg.Name, Organization: a.cfg.Organization, Country: a.cfg.Country}
}

// Issue creates a certificate for ownerID, generating a key pair if the owner
// has none (or if attrs.RotateKey is set).
func (a *Authority) Issue(ctx context.Context, ownerID, name string, attrs Attributes) (*domain.Certificate, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.Invalidf("owner id is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, domain.Invalidf("subject name is required")
	}
	if attrs.Validity < 0 {
		return nil, domain.Invalidf("validity must be positive")
	}

	kp, err := a.ownerKey(ctx, ownerID, attrs.RotateKey)
	if err != nil {
		a.recorder.Record(ctx, domain.NewEvent(domain.EventCertificateFailed, ownerID, ownerID, domain.SeverityError,
			"certificate issuance failed: "+err.Error(), nil))
		if errors.Is(err, domain.ErrKeyGeneration) {
			return nil, fmt.Errorf("%w: %w", domain.ErrIssuance, err)
		}
		return nil, err
	}

	validity := a.cfg.Validity
	if attrs.Validity > 0 {
		validity = attrs.Validity
	}
	serial, err := a.reserveSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIssuance, err)
	}

	issuedAt := a.now().UTC()
	cert := &domain.Certificate{
		ID: uuid.NewString(),
		Subject: domain.Subject{
			OwnerID:      ownerID,
			Name:         name,
			Organization: firstNonEmpty(attrs.Organization, a.cfg.DefaultOrganization),
			Department:   firstNonEmpty(attrs.Department, a.cfg.DefaultDepartment),
			Email:        attrs.Email,
		},
		Issuer:       a.Issuer(),
		PublicKey:    kp.PublicKey,
		Fingerprint:  signer.Fingerprint(kp.PublicKey),
		Algorithm:    domain.AlgorithmEd25519,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(validity),
		SerialNumber: serial,
		Version:      CertificateVersion,
		IsActive:     true,
	}
	cert.Signature = signer.Sign(a.key, CanonicalBody(cert))

	if err := a.put(ctx, cert); err != nil {
		a.releaseSerial(serial)
		return nil, err
	}

	a.recorder.Record(ctx, domain.NewEvent(domain.EventCertificateIssued, ownerID, cert.ID, domain.SeverityInfo,
		"certificate issued for "+name, map[string]string{
			"serialNumber": serial,
			"fingerprint":  cert.Fingerprint,
			"expiresAt":    cert.ExpiresAt.Format(time.RFC3339),
		}))
	a.log.InfoContext(ctx, "certificate issued", "owner", ownerID, "cert_id", cert.ID, "serial", serial)

	return cert, nil
}

// ownerKey returns the active key of ownerID, generating one if there is none
// or rotate is set. Lookup and generation run under the owner's lock so
// concurrent first issuances share one key.
func (a *Authority) ownerKey(ctx context.Context, ownerID string, rotate bool) (*domain.KeyPair, error) {
	unlock := a.locks.Lock("owner:" + ownerID)
	defer unlock()

	if !rotate {
		kp, err := a.keys.GetKeyPair(ctx, ownerID)
		if err == nil {
			return kp, nil
		}
		if !errors.Is(err, domain.ErrNoPrivateKey) {
			return nil, err
		}
	}
	return a.keys.GenerateKeyPair(ctx, ownerID)
}

// Revoke marks a certificate revoked. Revocation is terminal; a second call
// fails with domain.ErrAlreadyRevoked.
func (a *Authority) Revoke(ctx context.Context, certID, reason string) (*domain.Certificate, error) {
	unlock := a.locks.Lock(certID)
	defer unlock()

	cert, err := a.Get(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Revoked() {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRevoked, certID)
	}

	if strings.TrimSpace(reason) == "" {
		reason = DefaultRevocationReason
	}
	now := a.now().UTC()
	cert.IsActive = false
	cert.RevocationReason = reason
	cert.RevocationDate = &now

	if err := a.put(ctx, cert); err != nil {
		return nil, err
	}

	a.recorder.Record(ctx, domain.NewEvent(domain.EventCertificateRevoked, cert.Subject.OwnerID, cert.ID, domain.SeverityWarning,
		"certificate revoked: "+reason, map[string]string{"serialNumber": cert.SerialNumber}))
	a.log.InfoContext(ctx, "certificate revoked", "cert_id", cert.ID, "reason", reason)

	return cert, nil
}

// Validate checks a certificate in fixed order: existence, revocation, expiry,
// then the authority signature. Only storage failures are returned as errors.
func (a *Authority) Validate(ctx context.Context, certID string) (domain.CertificateValidation, error) {
	cert, err := a.Get(ctx, certID)
	if err != nil {
		if errors.Is(err, domain.ErrCertificateNotFound) {
			return a.validated(ctx, certID, "", domain.ReasonNotFound), nil
		}
		return domain.CertificateValidation{}, err
	}
	return a.validated(ctx, certID, cert.Subject.OwnerID, a.check(cert)), nil
}

// Check evaluates a certificate value without touching the store.
func (a *Authority) Check(cert *domain.Certificate) domain.CertificateValidation {
	if cert == nil {
		return domain.CertificateValidation{Reason: domain.ReasonNotFound}
	}
	reason := a.check(cert)
	return domain.CertificateValidation{IsValid: reason == domain.ReasonValid, Reason: reason}
}

func (a *Authority) check(cert *domain.Certificate) string {
	switch {
	case cert.Revoked():
		return domain.ReasonRevoked
	case cert.ExpiredAt(a.now()):
		return domain.ReasonExpired
	case !a.VerifySignature(cert):
		return domain.ReasonInvalidSignature
	default:
		return domain.ReasonValid
	}
}

func (a *Authority) validated(ctx context.Context, certID, ownerID, reason string) domain.CertificateValidation {
	v := domain.CertificateValidation{IsValid: reason == domain.ReasonValid, Reason: reason}
	typ, sev := domain.EventCertificateValidated, domain.SeverityInfo
	if !v.IsValid {
		typ, sev = domain.EventCertificateFailed, domain.SeverityWarning
	}
	a.recorder.Record(ctx, domain.NewEvent(typ, ownerID, certID, sev, "certificate validation: "+reason, nil))
	return v
}

// VerifySignature reports whether the certificate body was signed by this authority.
func (a *Authority) VerifySignature(cert *domain.Certificate) bool {
	return signer.Verify(a.PublicKey(), CanonicalBody(cert), cert.Signature)
}

// Get loads a certificate by id.
func (a *Authority) Get(ctx context.Context, certID string) (*domain.Certificate, error) {
	e, err := a.store.Get(ctx, store.CollectionCertificates, certID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCertificateNotFound, certID)
		}
		return nil, err
	}
	return decode(e.Data)
}

// List returns certificates in issuance order, optionally for one owner.
func (a *Authority) List(ctx context.Context, ownerID string) ([]*domain.Certificate, error) {
	entries, err := a.store.List(ctx, store.CollectionCertificates, store.Filter{Owner: ownerID})
	if err != nil {
		return nil, err
	}
	return decodeAll(entries)
}

// FindByPublicKey returns the most recent certificate for pub, or nil when none exists.
func (a *Authority) FindByPublicKey(ctx context.Context, pub ed25519.PublicKey) (*domain.Certificate, error) {
	entries, err := a.store.List(ctx, store.CollectionCertificates, store.Filter{Ref: signer.Fingerprint(pub)})
	if err != nil {
		return nil, err
	}
	certs, err := decodeAll(entries)
	if err != nil || len(certs) == 0 {
		return nil, err
	}
	return certs[len(certs)-1], nil
}

// FindByOwner returns the most recently issued certificate for ownerID.
func (a *Authority) FindByOwner(ctx context.Context, ownerID string) (*domain.Certificate, error) {
	certs, err := a.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate for owner %s", domain.ErrCertificateNotFound, ownerID)
	}
	return certs[len(certs)-1], nil
}

func (a *Authority) put(ctx context.Context, cert *domain.Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	return a.store.Put(ctx, store.CollectionCertificates, store.Entry{
		ID:    cert.ID,
		Owner: cert.Subject.OwnerID,
		Ref:   cert.Fingerprint,
		Data:  data,
	})
}

// reserveSerial draws random serials until one has never been issued.
func (a *Authority) reserveSerial() (string, error) {
	a.serialMu.Lock()
	defer a.serialMu.Unlock()

	for attempt := 0; attempt < 8; attempt++ {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("serial number: %w", err)
		}
		serial := strings.ToUpper(hex.EncodeToString(b[:]))
		if _, taken := a.serials[serial]; !taken {
			a.serials[serial] = struct{}{}
			return serial, nil
		}
	}
	return "", errors.New("could not allocate a unique serial number")
}

func (a *Authority) releaseSerial(serial string) {
	a.serialMu.Lock()
	delete(a.serials, serial)
	a.serialMu.Unlock()
}

func decode(data []byte) (*domain.Certificate, error) {
	var c domain.Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return &c, nil
}

func decodeAll(entries []store.Entry) ([]*domain.Certificate, error) {
	out := make([]*domain.Certificate, 0, len(entries))
	for _, e := range entries {
		c, err := decode(e.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
