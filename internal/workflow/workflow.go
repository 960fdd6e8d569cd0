// Package workflow coordinates multi-party signing of one document.
//
// A workflow moves pending -> in_progress -> completed | rejected. Signers act
// in any order (unordered-parallel policy); NextPendingSigner only suggests who
// to prompt next. Mutations on one workflow are linearized by a per-workflow
// lock and every successful mutation is persisted before it is returned.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"esignd/internal/domain"
	"esignd/internal/lockmap"
	"esignd/internal/logging"
	"esignd/internal/store"
)

// Coordinator owns workflow state.
type Coordinator struct {
	store    store.Store
	signer   domain.SignatureProducer
	locks    lockmap.Map
	now      domain.Clock
	recorder domain.Recorder
	log      *logging.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c domain.Clock) Option { return func(w *Coordinator) { w.now = c } }
func WithRecorder(r domain.Recorder) Option { return func(w *Coordinator) { w.recorder = r } }
func WithLogger(l *logging.Logger) Option { return func(w *Coordinator) { w.log = l } }

// WithSigner lets SignAndRecord produce signatures itself.
func WithSigner(s domain.SignatureProducer) Option { return func(w *Coordinator) { w.signer = s } }

// New creates a coordinator persisting to st.
func New(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		now:      domain.SystemClock,
		recorder: domain.NopRecorder{},
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("workflow")
	return c
}

// Start creates a pending workflow. At least one required signer is needed and
// signer ids must be unique across both groups.
func (c *Coordinator) Start(ctx context.Context, documentID, documentType string, required, optional []domain.Signer) (*domain.Workflow, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, domain.Invalidf("document id is required")
	}
	if len(required) == 0 {
		return nil, domain.Invalidf("at least one required signer is needed")
	}
	seen := make(map[string]bool, len(required)+len(optional))
	for _, s := range append(append([]domain.Signer(nil), required...), optional...) {
		if strings.TrimSpace(s.ID) == "" {
			return nil, domain.Invalidf("signer id is required")
		}
		if seen[s.ID] {
			return nil, domain.Invalidf("duplicate signer %q", s.ID)
		}
		seen[s.ID] = true
	}

	now := c.now().UTC()
	wf := &domain.Workflow{
		ID:                  uuid.NewString(),
		DocumentID:          documentID,
		DocumentType:        documentType,
		RequiredSigners:     append([]domain.Signer(nil), required...),
		OptionalSigners:     append([]domain.Signer(nil), optional...),
		CollectedSignatures: []domain.CollectedEntry{},
		Status:              domain.WorkflowPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := c.put(ctx, wf); err != nil {
		return nil, err
	}

	c.recorder.Record(ctx, domain.NewEvent(domain.EventWorkflowStarted, "", wf.ID, domain.SeverityInfo,
		fmt.Sprintf("workflow started for %s with %d required and %d optional signers", documentID, len(required), len(optional)),
		map[string]string{"documentId": documentID}))
	c.log.InfoContext(ctx, "workflow started", "workflow_id", wf.ID, "document", documentID)

	return wf.Clone(), nil
}

// Get loads a workflow by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	entry, err := c.store.Get(ctx, store.CollectionWorkflows, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	var wf domain.Workflow
	if err := json.Unmarshal(entry.Data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

// List returns workflows in creation order, optionally for one document.
func (c *Coordinator) List(ctx context.Context, documentID string) ([]*domain.Workflow, error) {
	entries, err := c.store.List(ctx, store.CollectionWorkflows, store.Filter{Ref: documentID})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Workflow, 0, len(entries))
	for _, e := range entries {
		var wf domain.Workflow
		if err := json.Unmarshal(e.Data, &wf); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", e.ID, err)
		}
		out = append(out, &wf)
	}
	return out, nil
}

// RecordSignature appends a signed entry for signerID.
func (c *Coordinator) RecordSignature(ctx context.Context, workflowID, signerID string, sig *domain.Signature) (*domain.Workflow, error) {
	unlock := c.locks.Lock(workflowID)
	defer unlock()

	wf, err := c.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := CanSign(wf, signerID); err != nil {
		return nil, err
	}
	return c.commitSigned(ctx, wf, signerID, sig)
}

// SignAndRecord signs content as signerID and records the result, holding the
// workflow lock across both steps so a rejected attempt never leaves a stray signature.
func (c *Coordinator) SignAndRecord(ctx context.Context, workflowID, signerID string, content []byte) (*domain.Workflow, *domain.Signature, error) {
	if c.signer == nil {
		return nil, nil, errors.New("workflow: no signature producer configured")
	}

	unlock := c.locks.Lock(workflowID)
	defer unlock()

	wf, err := c.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if err := CanSign(wf, signerID); err != nil {
		return nil, nil, err
	}

	sig, err := c.signer.Sign(ctx, content, signerID, domain.SignatureMetadata{
		DocumentID:   wf.DocumentID,
		DocumentType: wf.DocumentType,
		Extra:        map[string]string{"workflowId": wf.ID},
	})
	if err != nil {
		return nil, nil, err
	}

	updated, err := c.commitSigned(ctx, wf, signerID, sig)
	if err != nil {
		return nil, nil, err
	}
	return updated, sig, nil
}

func (c *Coordinator) commitSigned(ctx context.Context, wf *domain.Workflow, signerID string, sig *domain.Signature) (*domain.Workflow, error) {
	if err := checkSignature(wf, signerID, sig); err != nil {
		return nil, err
	}

	next := wf.Clone()
	now := c.now().UTC()

	entry := domain.CollectedEntry{SignerID: signerID, Status: domain.EntrySigned, At: now, SignatureID: sig.ID}
	next.CollectedSignatures = append(next.CollectedSignatures, entry)
	next.Status = domain.WorkflowInProgress
	next.UpdatedAt = now
	if allRequiredSigned(next) {
		next.Status = domain.WorkflowCompleted
		next.CompletedAt = &now
	}

	if err := c.put(ctx, next); err != nil {
		return nil, err
	}

	c.recorder.Record(ctx, domain.NewEvent(domain.EventWorkflowSigned, signerID, next.ID, domain.SeverityInfo,
		"workflow signed", map[string]string{"signatureId": entry.SignatureID, "documentId": next.DocumentID}))
	if next.Status == domain.WorkflowCompleted {
		c.recorder.Record(ctx, domain.NewEvent(domain.EventWorkflowCompleted, signerID, next.ID, domain.SeverityInfo,
			"workflow completed", map[string]string{"documentId": next.DocumentID}))
		c.log.InfoContext(ctx, "workflow completed", "workflow_id", next.ID)
	}
	return next, nil
}

// checkSignature accepts only a valid signature by signerID over the
// workflow's document.
func checkSignature(wf *domain.Workflow, signerID string, sig *domain.Signature) error {
	switch {
	case sig == nil:
		return domain.Invalidf("a signature is required")
	case sig.OwnerID != signerID:
		return domain.Invalidf("signature %s belongs to %q, not %q", sig.ID, sig.OwnerID, signerID)
	case sig.DocumentID != wf.DocumentID:
		return domain.Invalidf("signature %s covers document %q, not %q", sig.ID, sig.DocumentID, wf.DocumentID)
	case !sig.IsValid:
		return domain.Invalidf("signature %s is not valid", sig.ID)
	}
	return nil
}

// RecordRejection appends a rejected entry. A required signer's rejection ends
// the workflow; an optional signer's rejection is recorded and the workflow continues.
func (c *Coordinator) RecordRejection(ctx context.Context, workflowID, signerID, reason string) (*domain.Workflow, error) {
	unlock := c.locks.Lock(workflowID)
	defer unlock()

	wf, err := c.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := CanSign(wf, signerID); err != nil {
		return nil, err
	}

	next := wf.Clone()
	now := c.now().UTC()
	next.CollectedSignatures = append(next.CollectedSignatures, domain.CollectedEntry{
		SignerID: signerID,
		Status:   domain.EntryRejected,
		Reason:   reason,
		At:       now,
	})
	next.UpdatedAt = now
	if next.IsRequired(signerID) {
		next.Status = domain.WorkflowRejected
		next.RejectionReason = reason
	} else {
		next.Status = domain.WorkflowInProgress
	}

	if err := c.put(ctx, next); err != nil {
		return nil, err
	}

	sev := domain.SeverityInfo
	if next.Status == domain.WorkflowRejected {
		sev = domain.SeverityWarning
	}
	c.recorder.Record(ctx, domain.NewEvent(domain.EventWorkflowRejected, signerID, next.ID, sev,
		"workflow rejected: "+reason, map[string]string{"documentId": next.DocumentID, "required": fmt.Sprint(next.IsRequired(signerID))}))
	c.log.InfoContext(ctx, "workflow rejection recorded", "workflow_id", next.ID, "signer", signerID, "status", next.Status)

	return next, nil
}

// CanSign reports why signerID may not act on wf, or nil when it may.
// Checks run in order: closed workflow, unknown signer, signer already acted.
func CanSign(wf *domain.Workflow, signerID string) error {
	if wf.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrWorkflowClosed, wf.ID, wf.Status)
	}
	if !wf.IsRequired(signerID) && !wf.IsOptional(signerID) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSigner, signerID)
	}
	if _, acted := wf.Entry(signerID); acted {
		return fmt.Errorf("%w: %s", domain.ErrAlreadySigned, signerID)
	}
	return nil
}

// NextPendingSigner suggests who to prompt next: the first required signer
// without an entry, then the first such optional signer.
func NextPendingSigner(wf *domain.Workflow) (domain.Signer, bool) {
	if wf.Status.Terminal() {
		return domain.Signer{}, false
	}
	for _, group := range [][]domain.Signer{wf.RequiredSigners, wf.OptionalSigners} {
		for _, s := range group {
			if _, acted := wf.Entry(s.ID); !acted {
				return s, true
			}
		}
	}
	return domain.Signer{}, false
}

// Progress is the share of listed signers with an entry, as a percentage.
func Progress(wf *domain.Workflow) float64 {
	total := len(wf.RequiredSigners) + len(wf.OptionalSigners)
	if total == 0 {
		return 0
	}
	return float64(len(wf.CollectedSignatures)) / float64(total) * 100
}

func allRequiredSigned(wf *domain.Workflow) bool {
	for _, s := range wf.RequiredSigners {
		e, ok := wf.Entry(s.ID)
		if !ok || e.Status != domain.EntrySigned {
			return false
		}
	}
	return true
}

func (c *Coordinator) put(ctx context.Context, wf *domain.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return c.store.Put(ctx, store.CollectionWorkflows, store.Entry{
		ID:   wf.ID,
		Ref:  wf.DocumentID,
		Data: data,
	})
}
