package domain

import (
	"context"
	"crypto/ed25519"
	"time"
)

// Clock returns the current time. Components take one so tests can pin time.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Recorder accepts audit events. Implementations must not fail the caller;
// the audit trail logs its own write failures.
type Recorder interface {
	Record(ctx context.Context, e *AuditEvent)
}

// NopRecorder drops every event.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *AuditEvent) {}

// KeyLookup resolves the active key pair of an owner.
type KeyLookup interface {
	GetKeyPair(ctx context.Context, ownerID string) (*KeyPair, error)
}

// KeyProvider is KeyLookup plus generation, used by the certificate authority.
type KeyProvider interface {
	KeyLookup
	GenerateKeyPair(ctx context.Context, ownerID string) (*KeyPair, error)
}

// CertificateLookup finds the certificate issued for a public key.
// It returns nil, nil when none exists.
type CertificateLookup interface {
	FindByPublicKey(ctx context.Context, pub ed25519.PublicKey) (*Certificate, error)
}

// Timestamper issues and checks trusted timestamps.
type Timestamper interface {
	Issue(ctx context.Context, signatureID, signatureHash string) (*TimestampRecord, error)
	VerifyBinding(record *TimestampRecord, signatureID, signatureHash string) bool
}

// SignatureProducer creates signatures on behalf of an owner.
type SignatureProducer interface {
	Sign(ctx context.Context, content []byte, ownerID string, meta SignatureMetadata) (*Signature, error)
}

// NewEvent builds an audit event; the trail assigns id and timestamp.
func NewEvent(typ EventType, actorID, subjectID string, sev Severity, description string, meta map[string]string) *AuditEvent {
	return &AuditEvent{
		Type:        typ,
		ActorID:     actorID,
		SubjectID:   subjectID,
		Severity:    sev,
		Description: description,
		Metadata:    meta,
	}
}
