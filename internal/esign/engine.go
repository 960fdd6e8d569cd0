// Package esign creates and verifies signatures over arbitrary content.
//
// The signed digest is salted with the capture time, so two signatures over
// byte-identical content never share a dataHash. Every signature carries a
// timestamp record from the timestamp authority and is self-verified before
// it is returned, so callers never see a signature in an undetermined state.
package esign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"esignd/internal/domain"
	"esignd/internal/logging"
	"esignd/internal/security"
	"esignd/internal/signer"
	"esignd/internal/store"
)

// DefaultDocumentType is used when a request does not name one.
const DefaultDocumentType = "document"

// Verification failure reasons reported in audit metadata.
const (
	ReasonOK                 = "ok"
	ReasonMissing            = "missing_signature"
	ReasonContentMismatch    = "content_mismatch"
	ReasonTimestampInvalid   = "timestamp_invalid"
	ReasonCertificateExpired = "certificate_expired"
	ReasonCertificateLookup  = "certificate_lookup_failed"
	ReasonBadSignature       = "signature_invalid"
)

// Engine is the signature engine.
type Engine struct {
	keys     domain.KeyLookup
	certs    domain.CertificateLookup
	tsa      domain.Timestamper
	store    store.Store
	now      domain.Clock
	recorder domain.Recorder
	log      *logging.Logger

	captureMu   sync.Mutex
	lastCapture time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c domain.Clock) Option { return func(e *Engine) { e.now = c } }
func WithRecorder(r domain.Recorder) Option { return func(e *Engine) { e.recorder = r } }
func WithLogger(l *logging.Logger) Option { return func(e *Engine) { e.log = l } }

// New wires an engine to its collaborators.
func New(st store.Store, keys domain.KeyLookup, certs domain.CertificateLookup, tsa domain.Timestamper, opts ...Option) *Engine {
	e := &Engine{
		keys:     keys,
		certs:    certs,
		tsa:      tsa,
		store:    st,
		now:      domain.SystemClock,
		recorder: domain.NopRecorder{},
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithComponent("esign")
	return e
}

// ContentHash is hex(SHA-256(content || unixNano(at))) with the time written
// as a zero-padded 20-digit decimal. The fixed width keeps the split between
// content and time unambiguous.
func ContentHash(content []byte, at time.Time) string {
	h := sha256.New()
	h.Write(content)
	fmt.Fprintf(h, "%020d", at.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

// Sign signs content with the active key of ownerID.
func (e *Engine) Sign(ctx context.Context, content []byte, ownerID string, meta domain.SignatureMetadata) (*domain.Signature, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.Invalidf("owner id is required")
	}

	kp, err := e.keys.GetKeyPair(ctx, ownerID)
	if err != nil {
		e.failed(ctx, ownerID, meta.DocumentID, err)
		return nil, err
	}

	at := e.captureTime()
	hash := ContentHash(content, at)

	docType := meta.DocumentType
	if docType == "" {
		docType = DefaultDocumentType
	}
	sig := &domain.Signature{
		ID:             uuid.NewString(),
		DataHash:       hash,
		Algorithm:      domain.AlgorithmEd25519,
		SignatureValue: signer.Sign(kp.PrivateKey, []byte(hash)),
		PublicKey:      kp.PublicKey,
		Timestamp:      at,
		OwnerID:        ownerID,
		DocumentID:     meta.DocumentID,
		DocumentType:   docType,
		Metadata:       maps.Clone(meta.Extra),
	}

	rec, err := e.tsa.Issue(ctx, sig.ID, sig.DataHash)
	if err != nil {
		err = fmt.Errorf("timestamp signature: %w", err)
		e.failed(ctx, ownerID, meta.DocumentID, err)
		return nil, err
	}
	sig.TimestampRecord = rec

	ok, reason := e.check(ctx, sig, content)
	sig.IsValid = ok
	if !ok {
		e.log.ErrorContext(ctx, "fresh signature failed self-verification", "signature_id", sig.ID, "reason", reason)
	}

	if err := e.put(ctx, sig); err != nil {
		e.failed(ctx, ownerID, meta.DocumentID, err)
		return nil, err
	}

	e.recorder.Record(ctx, domain.NewEvent(domain.EventSignatureCreated, ownerID, sig.ID, domain.SeverityInfo,
		"signature created", map[string]string{
			"documentId":   sig.DocumentID,
			"documentType": sig.DocumentType,
			"dataHash":     sig.DataHash,
		}))
	e.log.InfoContext(ctx, "signature created", "owner", ownerID, "signature_id", sig.ID, "document", sig.DocumentID)

	return sig, nil
}

func (e *Engine) failed(ctx context.Context, ownerID, documentID string, err error) {
	e.recorder.Record(ctx, domain.NewEvent(domain.EventSignatureFailed, ownerID, documentID, domain.SeverityError,
		"signature failed: "+err.Error(), nil))
	e.log.WarnContext(ctx, "signature failed", "owner", ownerID, "error", err)
}

// captureTime returns a timestamp strictly after the previous one this engine handed out.
func (e *Engine) captureTime() time.Time {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()

	t := e.now().UTC()
	if !t.After(e.lastCapture) {
		t = e.lastCapture.Add(time.Nanosecond)
	}
	e.lastCapture = t
	return t
}

// Verify reports whether sig is a valid signature over content. It never
// returns an error: any failed check yields false.
func (e *Engine) Verify(ctx context.Context, sig *domain.Signature, content []byte) bool {
	ok, reason := e.check(ctx, sig, content)

	actor, subject := "", ""
	if sig != nil {
		actor, subject = sig.OwnerID, sig.ID
	}
	sev := domain.SeverityInfo
	if !ok {
		sev = domain.SeverityWarning
	}
	e.recorder.Record(ctx, domain.NewEvent(domain.EventSignatureVerified, actor, subject, sev,
		"signature verification: "+reason, map[string]string{
			"result": strconv.FormatBool(ok),
			"reason": reason,
		}))
	return ok
}

// check runs the four mandatory checks in order and stops at the first failure.
func (e *Engine) check(ctx context.Context, sig *domain.Signature, content []byte) (bool, string) {
	if sig == nil {
		return false, ReasonMissing
	}

	expected := ContentHash(content, sig.Timestamp)
	if !security.SecureCompare([]byte(expected), []byte(sig.DataHash)) {
		return false, ReasonContentMismatch
	}

	if !e.tsa.VerifyBinding(sig.TimestampRecord, sig.ID, sig.DataHash) {
		return false, ReasonTimestampInvalid
	}
	// The authority stamps after capture; a capture time past the stamp
	// (beyond its accuracy) was not the one signed.
	rec := sig.TimestampRecord
	if sig.Timestamp.After(rec.Timestamp.Add(time.Duration(rec.AccuracyMs) * time.Millisecond)) {
		return false, ReasonTimestampInvalid
	}

	cert, err := e.certs.FindByPublicKey(ctx, sig.PublicKey)
	if err != nil {
		e.log.WarnContext(ctx, "certificate lookup failed during verification", "signature_id", sig.ID, "error", err)
		return false, ReasonCertificateLookup
	}
	if cert != nil && cert.ExpiredAt(e.now()) {
		return false, ReasonCertificateExpired
	}

	if !signer.Verify(sig.PublicKey, []byte(sig.DataHash), sig.SignatureValue) {
		return false, ReasonBadSignature
	}
	return true, ReasonOK
}

// Reverify recomputes and persists the isValid flag of a stored signature.
// Nothing else about the signature changes.
func (e *Engine) Reverify(ctx context.Context, id string, content []byte) (*domain.Signature, error) {
	sig, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sig.IsValid = e.Verify(ctx, sig, content)
	if err := e.put(ctx, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// Get loads a signature by id.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Signature, error) {
	entry, err := e.store.Get(ctx, store.CollectionSignatures, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSignatureNotFound, id)
		}
		return nil, err
	}
	return decode(entry.Data)
}

// List returns signatures in creation order, narrowed by owner and/or document.
func (e *Engine) List(ctx context.Context, f domain.SignatureFilter) ([]*domain.Signature, error) {
	entries, err := e.store.List(ctx, store.CollectionSignatures, store.Filter{Owner: f.OwnerID, Ref: f.DocumentID})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Signature, 0, len(entries))
	for _, entry := range entries {
		sig, err := decode(entry.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func (e *Engine) put(ctx context.Context, sig *domain.Signature) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signature: %w", err)
	}
	return e.store.Put(ctx, store.CollectionSignatures, store.Entry{
		ID:    sig.ID,
		Owner: sig.OwnerID,
		Ref:   sig.DocumentID,
		Data:  data,
	})
}

func decode(data []byte) (*domain.Signature, error) {
	var sig domain.Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return &sig, nil
}
