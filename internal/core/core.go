// Package core assembles the signature components into one SignatureCore
// that presentation layers (HTTP, CLI) call into.
package core

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"esignd/internal/audit"
	"esignd/internal/ca"
	"esignd/internal/domain"
	"esignd/internal/esign"
	"esignd/internal/keystore"
	"esignd/internal/logging"
	"esignd/internal/metrics"
	"esignd/internal/security"
	"esignd/internal/signer"
	"esignd/internal/store"
	"esignd/internal/tracing"
	"esignd/internal/tsa"
	"esignd/internal/workflow"
)

// SealingLabel derives the key that seals owner private keys at rest.
const SealingLabel = "keystore"

// Config carries the key material and settings a SignatureCore is built from.
type Config struct {
	// MasterSecret seals the keystore. At least 32 bytes.
	MasterSecret []byte

	AuthorityKey ed25519.PrivateKey
	TimestampKey ed25519.PrivateKey

	Authority ca.Config
	Timestamp tsa.Config

	// AuditLocation is the zone anomaly detection judges working hours in.
	AuditLocation *time.Location

	Journal audit.Journal
	Metrics *metrics.Metrics
	Tracer  *tracing.Tracer
	Clock   domain.Clock
	Entropy io.Reader
	Logger  *logging.Logger
}

// SignatureCore is the aggregate every external operation goes through.
type SignatureCore struct {
	store    store.Store
	trail    *audit.Trail
	recorder domain.Recorder
	keys     *keystore.KeyStore
	ca       *ca.Authority
	tsa      *tsa.Authority
	engine   *esign.Engine
	flows    *workflow.Coordinator
	tracer   *tracing.Tracer
	now      domain.Clock
	log      *logging.Logger
	closers  []io.Closer
}

// New wires a SignatureCore over st.
func New(ctx context.Context, st store.Store, cfg Config) (*SignatureCore, error) {
	if st == nil {
		return nil, errors.New("core: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.AuditLocation == nil {
		cfg.AuditLocation = time.Local
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Nop()
	}

	trailOpts := []audit.Option{
		audit.WithClock(cfg.Clock),
		audit.WithLogger(cfg.Logger),
		audit.WithLocation(cfg.AuditLocation),
	}
	if cfg.Journal != nil {
		trailOpts = append(trailOpts, audit.WithJournal(cfg.Journal))
	}
	trail := audit.New(st, trailOpts...)

	var rec domain.Recorder = trail
	if cfg.Metrics != nil {
		rec = cfg.Metrics.Recorder(trail)
	}

	sealer, err := security.NewSealer(cfg.MasterSecret, SealingLabel)
	if err != nil {
		return nil, fmt.Errorf("core: keystore sealer: %w", err)
	}
	keyOpts := []keystore.Option{
		keystore.WithClock(cfg.Clock),
		keystore.WithRecorder(rec),
		keystore.WithLogger(cfg.Logger),
	}
	if cfg.Entropy != nil {
		keyOpts = append(keyOpts, keystore.WithEntropy(cfg.Entropy))
	}
	keys := keystore.New(st, sealer, keyOpts...)

	authority, err := ca.New(ctx, st, keys, cfg.AuthorityKey, cfg.Authority,
		ca.WithClock(cfg.Clock), ca.WithRecorder(rec), ca.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	stamper, err := tsa.New(cfg.TimestampKey, cfg.Timestamp,
		tsa.WithClock(cfg.Clock), tsa.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	engine := esign.New(st, keys, authority, stamper,
		esign.WithClock(cfg.Clock), esign.WithRecorder(rec), esign.WithLogger(cfg.Logger))

	flows := workflow.New(st,
		workflow.WithClock(cfg.Clock),
		workflow.WithRecorder(rec),
		workflow.WithLogger(cfg.Logger),
		workflow.WithSigner(engine))

	c := &SignatureCore{
		store:    st,
		trail:    trail,
		recorder: rec,
		keys:     keys,
		ca:       authority,
		tsa:      stamper,
		engine:   engine,
		flows:    flows,
		tracer:   cfg.Tracer,
		now:      cfg.Clock,
		log:      cfg.Logger.WithComponent("core"),
	}
	c.log.Info("signature core ready",
		"authority", authority.Issuer().Name,
		"authority_fingerprint", signer.Fingerprint(authority.PublicKey()),
		"timestamp_authority", stamper.Name())
	return c, nil
}

// Store returns the backing store, for health checks.
func (c *SignatureCore) Store() store.Store { return c.store }

// Tracer returns the tracer operations record spans with.
func (c *SignatureCore) Tracer() *tracing.Tracer { return c.tracer }

// AuthorityInfo describes the two trust anchors of this deployment.
type AuthorityInfo struct {
	Issuer                  domain.Issuer `json:"issuer"`
	PublicKey               []byte        `json:"publicKey"`
	Fingerprint             string        `json:"fingerprint"`
	AuthorizedKey           string        `json:"authorizedKey,omitempty"`
	TimestampAuthority      string        `json:"timestampAuthority"`
	TimestampPublicKey      []byte        `json:"timestampPublicKey"`
	TimestampKeyFingerprint string        `json:"timestampKeyFingerprint"`
	TimestampAuthorizedKey  string        `json:"timestampAuthorizedKey,omitempty"`
}

// Authorities returns the public identity of the CA and the TSA. The
// authorized-key lines let relying parties pin both keys with ssh tooling.
func (c *SignatureCore) Authorities() AuthorityInfo {
	caLine, err := signer.AuthorizedKey(c.ca.PublicKey())
	if err != nil {
		c.log.Warn("render authority key", "error", err)
	}
	tsaLine, err := signer.AuthorizedKey(c.tsa.PublicKey())
	if err != nil {
		c.log.Warn("render timestamp key", "error", err)
	}
	return AuthorityInfo{
		Issuer:                  c.ca.Issuer(),
		PublicKey:               c.ca.PublicKey(),
		Fingerprint:             signer.Fingerprint(c.ca.PublicKey()),
		AuthorizedKey:           caLine,
		TimestampAuthority:      c.tsa.Name(),
		TimestampPublicKey:      c.tsa.PublicKey(),
		TimestampKeyFingerprint: signer.Fingerprint(c.tsa.PublicKey()),
		TimestampAuthorizedKey:  tsaLine,
	}
}

// Certificates.

func (c *SignatureCore) IssueCertificate(ctx context.Context, ownerID, name string, attrs ca.Attributes) (*domain.Certificate, error) {
	return tracing.Run(ctx, c.tracer, "core.IssueCertificate", func(ctx context.Context) (*domain.Certificate, error) {
		return c.ca.Issue(ctx, ownerID, name, attrs)
	})
}

func (c *SignatureCore) RevokeCertificate(ctx context.Context, certID, reason string) (*domain.Certificate, error) {
	return tracing.Run(ctx, c.tracer, "core.RevokeCertificate", func(ctx context.Context) (*domain.Certificate, error) {
		return c.ca.Revoke(ctx, certID, reason)
	})
}

// ValidateCertificate reports validity as a result; only lookup and storage
// failures are errors.
func (c *SignatureCore) ValidateCertificate(ctx context.Context, certID string) (domain.CertificateValidation, error) {
	return c.ca.Validate(ctx, certID)
}

func (c *SignatureCore) GetCertificate(ctx context.Context, certID string) (*domain.Certificate, error) {
	return c.ca.Get(ctx, certID)
}

// ListCertificates lists every certificate, or those of ownerID when set.
func (c *SignatureCore) ListCertificates(ctx context.Context, ownerID string) ([]*domain.Certificate, error) {
	return c.ca.List(ctx, ownerID)
}

// KeyHistory returns the public halves of every key ownerID has held, oldest first.
func (c *SignatureCore) KeyHistory(ctx context.Context, ownerID string) ([]*domain.KeyPair, error) {
	return c.keys.History(ctx, ownerID)
}

// Signatures.

func (c *SignatureCore) Sign(ctx context.Context, content []byte, ownerID string, meta domain.SignatureMetadata) (*domain.Signature, error) {
	return tracing.Run(ctx, c.tracer, "core.Sign", func(ctx context.Context) (*domain.Signature, error) {
		return c.engine.Sign(ctx, content, ownerID, meta)
	})
}

// Verify reports whether sig is valid over content. It never errors.
func (c *SignatureCore) Verify(ctx context.Context, sig *domain.Signature, content []byte) bool {
	return c.engine.Verify(ctx, sig, content)
}

// VerifyStored verifies a persisted signature and records the outcome on it.
func (c *SignatureCore) VerifyStored(ctx context.Context, signatureID string, content []byte) (*domain.Signature, error) {
	return tracing.Run(ctx, c.tracer, "core.VerifyStored", func(ctx context.Context) (*domain.Signature, error) {
		return c.engine.Reverify(ctx, signatureID, content)
	})
}

func (c *SignatureCore) GetSignature(ctx context.Context, id string) (*domain.Signature, error) {
	return c.engine.Get(ctx, id)
}

func (c *SignatureCore) ListSignatures(ctx context.Context, f domain.SignatureFilter) ([]*domain.Signature, error) {
	return c.engine.List(ctx, f)
}

// Workflows.

func (c *SignatureCore) StartWorkflow(ctx context.Context, documentID, documentType string, required, optional []domain.Signer) (*domain.Workflow, error) {
	return tracing.Run(ctx, c.tracer, "core.StartWorkflow", func(ctx context.Context) (*domain.Workflow, error) {
		return c.flows.Start(ctx, documentID, documentType, required, optional)
	})
}

// RecordSignature attaches an existing signature of signerID to a workflow.
// The signature must be a valid one by the signer over the workflow's document.
func (c *SignatureCore) RecordSignature(ctx context.Context, workflowID, signerID, signatureID string) (*domain.Workflow, error) {
	return tracing.Run(ctx, c.tracer, "core.RecordSignature", func(ctx context.Context) (*domain.Workflow, error) {
		if strings.TrimSpace(signatureID) == "" {
			return nil, domain.Invalidf("signature id is required")
		}
		sig, err := c.engine.Get(ctx, signatureID)
		if err != nil {
			return nil, err
		}
		return c.flows.RecordSignature(ctx, workflowID, signerID, sig)
	})
}

func (c *SignatureCore) RecordRejection(ctx context.Context, workflowID, signerID, reason string) (*domain.Workflow, error) {
	return tracing.Run(ctx, c.tracer, "core.RecordRejection", func(ctx context.Context) (*domain.Workflow, error) {
		return c.flows.RecordRejection(ctx, workflowID, signerID, reason)
	})
}

// SignWorkflow signs content as signerID and records it on the workflow in one step.
func (c *SignatureCore) SignWorkflow(ctx context.Context, workflowID, signerID string, content []byte) (*domain.Workflow, *domain.Signature, error) {
	var sig *domain.Signature
	wf, err := tracing.Run(ctx, c.tracer, "core.SignWorkflow", func(ctx context.Context) (*domain.Workflow, error) {
		wf, s, err := c.flows.SignAndRecord(ctx, workflowID, signerID, content)
		sig = s
		return wf, err
	})
	return wf, sig, err
}

func (c *SignatureCore) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return c.flows.Get(ctx, id)
}

// ListWorkflows lists every workflow, or those on documentID when set.
func (c *SignatureCore) ListWorkflows(ctx context.Context, documentID string) ([]*domain.Workflow, error) {
	return c.flows.List(ctx, documentID)
}

// Audit.

// RecordDocumentAccess logs that actorID opened documentID.
func (c *SignatureCore) RecordDocumentAccess(ctx context.Context, actorID, documentID, action string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(documentID) == "" {
		return domain.Invalidf("actor and document are required")
	}
	if action == "" {
		action = "view"
	}
	c.recorder.Record(ctx, domain.NewEvent(domain.EventDocumentAccessed, actorID, documentID, domain.SeverityInfo,
		"document accessed", map[string]string{"documentId": documentID, "action": action}))
	return nil
}

func (c *SignatureCore) AuditEvents(ctx context.Context, f audit.Filter) ([]*domain.AuditEvent, error) {
	return c.trail.Events(ctx, f)
}

// DetectAnomalies runs the advisory heuristics over the events matching f.
func (c *SignatureCore) DetectAnomalies(ctx context.Context, f audit.Filter) ([]audit.Anomaly, error) {
	events, err := c.trail.Events(ctx, f)
	if err != nil {
		return nil, err
	}
	found := c.trail.DetectAnomalies(events)
	for _, a := range found {
		c.log.Warn("audit anomaly", "type", a.Type, "severity", a.Severity, "count", a.Count)
	}
	return found, nil
}

// AuditStats summarizes the events matching f.
func (c *SignatureCore) AuditStats(ctx context.Context, f audit.Filter) (audit.Stats, error) {
	events, err := c.trail.Events(ctx, f)
	if err != nil {
		return audit.Stats{}, err
	}
	return audit.Summarize(events), nil
}

// VerifyAuditChain checks the tamper-evidence chain of the audit log.
func (c *SignatureCore) VerifyAuditChain(ctx context.Context) (*store.ChainReport, error) {
	return c.trail.Verify(ctx)
}

// ExportAuditLog renders the events matching f as json or csv.
func (c *SignatureCore) ExportAuditLog(ctx context.Context, actorID string, f audit.Filter, format string) ([]byte, error) {
	return tracing.Run(ctx, c.tracer, "core.ExportAuditLog", func(ctx context.Context) ([]byte, error) {
		events, err := c.trail.Events(ctx, f)
		if err != nil {
			return nil, err
		}
		out, err := audit.Export(events, format)
		if err != nil {
			return nil, err
		}
		c.recorder.Record(ctx, domain.NewEvent(domain.EventExport, actorID, "audit-log", domain.SeverityInfo,
			"audit log exported", map[string]string{"format": format, "events": fmt.Sprint(len(events))}))
		return out, nil
	}, tracing.WithAttribute("format", format))
}
