// Package domain defines the entities shared by the signature core components.
package domain

import (
	"crypto/ed25519"
	"time"
)

// AlgorithmEd25519 is the only asymmetric scheme the core issues keys for.
const AlgorithmEd25519 = "Ed25519"

// HashAlgorithm names the digest used for content and certificate fingerprints.
const HashAlgorithm = "SHA-256"

// KeyPair holds one owner's asymmetric key material.
// PrivateKey is never serialized in clear; the keystore seals it at rest.
type KeyPair struct {
	OwnerID    string             `json:"ownerId"`
	KeyID      string             `json:"keyId"`
	PublicKey  ed25519.PublicKey  `json:"publicKey"`
	PrivateKey ed25519.PrivateKey `json:"-"`
	Algorithm  string             `json:"algorithm"`
	CreatedAt  time.Time          `json:"createdAt"`
	Active     bool               `json:"active"`
}

// Subject identifies the holder of a certificate.
type Subject struct {
	OwnerID      string `json:"ownerId"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Department   string `json:"department"`
	Email        string `json:"email"`
}

// Issuer identifies the authority that signed a certificate.
type Issuer struct {
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Country      string `json:"country,omitempty"`
}

// Certificate binds a subject to a public key for a validity window.
type Certificate struct {
	ID               string            `json:"id"`
	Subject          Subject           `json:"subject"`
	Issuer           Issuer            `json:"issuer"`
	PublicKey        ed25519.PublicKey `json:"publicKey"`
	Fingerprint      string            `json:"fingerprint"`
	Algorithm        string            `json:"algorithm"`
	IssuedAt         time.Time         `json:"issuedAt"`
	ExpiresAt        time.Time         `json:"expiresAt"`
	SerialNumber     string            `json:"serialNumber"`
	Version          string            `json:"version"`
	Signature        []byte            `json:"signature"`
	IsActive         bool              `json:"isActive"`
	RevocationReason string            `json:"revocationReason,omitempty"`
	RevocationDate   *time.Time        `json:"revocationDate,omitempty"`
}

// Revoked reports whether the certificate has been revoked.
func (c *Certificate) Revoked() bool {
	return !c.IsActive
}

// ExpiredAt reports whether the certificate is past its validity window at t.
func (c *Certificate) ExpiredAt(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// CertificateValidation is the outcome of validating a certificate.
type CertificateValidation struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason"`
}

// Certificate validation reasons, in evaluation order.
const (
	ReasonNotFound         = "not_found"
	ReasonRevoked          = "revoked"
	ReasonExpired          = "expired"
	ReasonInvalidSignature = "invalid_signature"
	ReasonValid            = "valid"
)

// TimestampRecord is a trusted attestation of when a signature was made.
type TimestampRecord struct {
	ID            string    `json:"id"`
	SignatureID   string    `json:"signatureId"`
	Timestamp     time.Time `json:"timestamp"`
	Timezone      string    `json:"timezone"`
	AuthorityName string    `json:"authorityName"`
	Hash          string    `json:"hash"`
	Signature     []byte    `json:"signature"`
	AccuracyMs    int64     `json:"accuracyMs"`
	Version       string    `json:"version"`
}

// Signature is a signed, timestamped digest of some content.
type Signature struct {
	ID              string            `json:"id"`
	DataHash        string            `json:"dataHash"`
	Algorithm       string            `json:"algorithm"`
	SignatureValue  []byte            `json:"signatureValue"`
	PublicKey       ed25519.PublicKey `json:"publicKey"`
	Timestamp       time.Time         `json:"timestamp"`
	OwnerID         string            `json:"ownerId"`
	DocumentID      string            `json:"documentId,omitempty"`
	DocumentType    string            `json:"documentType"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IsValid         bool              `json:"isValid"`
	TimestampRecord *TimestampRecord  `json:"timestampRecord"`
}

// SignatureMetadata carries caller-supplied context for a signing request.
type SignatureMetadata struct {
	DocumentID   string
	DocumentType string
	Extra        map[string]string
}

// SignatureFilter narrows signature listings. Empty fields match everything.
type SignatureFilter struct {
	OwnerID    string
	DocumentID string
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow states.
const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowRejected   WorkflowStatus = "rejected"
)

// Terminal reports whether no further entries may be collected.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowRejected
}

// Signer is a participant in a workflow.
type Signer struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// EntryStatus is the outcome a signer recorded on a workflow.
type EntryStatus string

// Collected entry outcomes.
const (
	EntrySigned   EntryStatus = "signed"
	EntryRejected EntryStatus = "rejected"
)

// CollectedEntry is one signer's action on a workflow.
type CollectedEntry struct {
	SignerID    string      `json:"signerId"`
	Status      EntryStatus `json:"status"`
	SignatureID string      `json:"signatureId,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	At          time.Time   `json:"at"`
}

// Workflow collects signatures from several signers on one document.
type Workflow struct {
	ID                  string           `json:"id"`
	DocumentID          string           `json:"documentId"`
	DocumentType        string           `json:"documentType"`
	RequiredSigners     []Signer         `json:"requiredSigners"`
	OptionalSigners     []Signer         `json:"optionalSigners"`
	CollectedSignatures []CollectedEntry `json:"collectedSignatures"`
	Status              WorkflowStatus   `json:"status"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
	CompletedAt         *time.Time       `json:"completedAt,omitempty"`
	RejectionReason     string           `json:"rejectionReason,omitempty"`
}

// Entry returns the collected entry for signerID, if any.
func (w *Workflow) Entry(signerID string) (CollectedEntry, bool) {
	for _, e := range w.CollectedSignatures {
		if e.SignerID == signerID {
			return e, true
		}
	}
	return CollectedEntry{}, false
}

// IsRequired reports whether signerID is a required signer.
func (w *Workflow) IsRequired(signerID string) bool {
	for _, s := range w.RequiredSigners {
		if s.ID == signerID {
			return true
		}
	}
	return false
}

// IsOptional reports whether signerID is an optional signer.
func (w *Workflow) IsOptional(signerID string) bool {
	for _, s := range w.OptionalSigners {
		if s.ID == signerID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate coordinator state.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.RequiredSigners = append([]Signer(nil), w.RequiredSigners...)
	c.OptionalSigners = append([]Signer(nil), w.OptionalSigners...)
	c.CollectedSignatures = append([]CollectedEntry(nil), w.CollectedSignatures...)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Severity grades an audit event.
type Severity string

// Audit severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EventType classifies an audit event.
type EventType string

// Audit event types.
const (
	EventKeyGenerated         EventType = "key_generated"
	EventCertificateIssued    EventType = "certificate_created"
	EventCertificateRevoked   EventType = "certificate_revoked"
	EventCertificateValidated EventType = "certificate_validated"
	EventCertificateFailed    EventType = "certificate_failed"
	EventSignatureCreated     EventType = "signature_created"
	EventSignatureFailed      EventType = "signature_failed"
	EventSignatureVerified    EventType = "signature_verified"
	EventDocumentAccessed     EventType = "document_accessed"
	EventWorkflowStarted      EventType = "workflow_started"
	EventWorkflowSigned       EventType = "workflow_signed"
	EventWorkflowRejected     EventType = "workflow_rejected"
	EventWorkflowCompleted    EventType = "workflow_completed"
	EventExport               EventType = "export"
)

// AuditEvent is an immutable record of a security-relevant action.
type AuditEvent struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	ActorID     string            `json:"actorId"`
	SubjectID   string            `json:"subjectId"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
