// Package tsa is the trusted timestamp authority. It attests to the wall-clock
// time at which a signature was produced, independently of the signer.
package tsa

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"

	"esignd/internal/domain"
	"esignd/internal/logging"
	"esignd/internal/security"
	"esignd/internal/signer"
)

// Version is the timestamp record format version.
const Version = "1.0"

// Config names the authority and describes the precision it claims.
type Config struct {
	Name       string
	Timezone   string
	AccuracyMs int64
}

// Authority issues and verifies timestamp records.
type Authority struct {
	cfg Config
	key ed25519.PrivateKey
	loc *time.Location
	now domain.Clock
	log *logging.Logger
}

// Option configures an Authority.
type Option func(*Authority)

func WithClock(c domain.Clock) Option { return func(a *Authority) { a.now = c } }
func WithLogger(l *logging.Logger) Option { return func(a *Authority) { a.log = l } }

// New creates a timestamp authority signing with key.
func New(key ed25519.PrivateKey, cfg Config, opts ...Option) (*Authority, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("tsa: invalid authority key")
	}
	if cfg.Name == "" {
		return nil, errors.New("tsa: authority name is required")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tsa: load timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.AccuracyMs <= 0 {
		cfg.AccuracyMs = 1
	}

	a := &Authority{cfg: cfg, key: key, loc: loc, now: domain.SystemClock, log: logging.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("tsa")
	return a, nil
}

// Name returns the authority name stamped on records.
func (a *Authority) Name() string { return a.cfg.Name }

// PublicKey returns the key records are verified against.
func (a *Authority) PublicKey() ed25519.PublicKey { return signer.PublicKey(a.key) }

// Issue binds the current time to (signatureID, signatureHash) and signs the record.
func (a *Authority) Issue(_ context.Context, signatureID, signatureHash string) (*domain.TimestampRecord, error) {
	if signatureID == "" || signatureHash == "" {
		return nil, domain.Invalidf("timestamp requires a signature id and hash")
	}

	at := a.now().In(a.loc)
	rec := &domain.TimestampRecord{
		ID:            uuid.NewString(),
		SignatureID:   signatureID,
		Timestamp:     at,
		Timezone:      a.loc.String(),
		AuthorityName: a.cfg.Name,
		Hash:          BindingHash(signatureID, signatureHash, at),
		AccuracyMs:    a.cfg.AccuracyMs,
		Version:       Version,
	}
	rec.Signature = signer.Sign(a.key, recordBody(rec))

	a.log.Debug("timestamp issued", "signature_id", signatureID, "timestamp_id", rec.ID)
	return rec, nil
}

// Verify checks the authority signature over the record. Missing, malformed
// or foreign records report false.
func (a *Authority) Verify(rec *domain.TimestampRecord) bool {
	if rec == nil || rec.ID == "" || rec.SignatureID == "" || rec.Hash == "" || rec.Timestamp.IsZero() {
		return false
	}
	if rec.AuthorityName != a.cfg.Name {
		return false
	}
	return signer.Verify(a.PublicKey(), recordBody(rec), rec.Signature)
}

// VerifyBinding is Verify plus a check that the record belongs to the given signature.
func (a *Authority) VerifyBinding(rec *domain.TimestampRecord, signatureID, signatureHash string) bool {
	if !a.Verify(rec) || rec.SignatureID != signatureID {
		return false
	}
	expected := BindingHash(signatureID, signatureHash, rec.Timestamp)
	return security.SecureCompare([]byte(rec.Hash), []byte(expected))
}

// BindingHash is hex(SHA-256(signatureID || signatureHash || unixNano(at))).
func BindingHash(signatureID, signatureHash string, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(signatureID))
	h.Write([]byte(signatureHash))
	h.Write([]byte(strconv.FormatInt(at.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func recordBody(r *domain.TimestampRecord) []byte {
	sum := security.HashDomainSeparated("esignd-timestamp-v1",
		[]byte(r.Version),
		[]byte(r.ID),
		[]byte(r.SignatureID),
		[]byte(strconv.FormatInt(r.Timestamp.UnixNano(), 10)),
		[]byte(r.Timezone),
		[]byte(r.AuthorityName),
		[]byte(r.Hash),
		[]byte(strconv.FormatInt(r.AccuracyMs, 10)),
	)
	return sum[:]
}
