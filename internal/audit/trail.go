// Package audit is the append-only event log every core component reports to.
//
// The trail never fails a business operation: storage errors are written to
// the process logger (and the optional journal) and then dropped.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"esignd/internal/domain"
	"esignd/internal/logging"
	"esignd/internal/store"
)

// Journal mirrors events to a secondary sink.
type Journal interface {
	Append(ctx context.Context, event any) error
}

// Trail records and queries audit events.
type Trail struct {
	store   store.Store
	journal Journal
	now     domain.Clock
	loc     *time.Location
	log     *logging.Logger

	mu   sync.Mutex
	last time.Time
}

// Option configures a Trail.
type Option func(*Trail)

func WithClock(c domain.Clock) Option { return func(t *Trail) { t.now = c } }
func WithLogger(l *logging.Logger) Option { return func(t *Trail) { t.log = l } }

// WithJournal mirrors every event to j.
func WithJournal(j Journal) Option { return func(t *Trail) { t.journal = j } }

// WithLocation sets the zone used for off-hours detection. Default is time.Local.
func WithLocation(loc *time.Location) Option { return func(t *Trail) { t.loc = loc } }

// New creates a trail writing to st.
func New(st store.Store, opts ...Option) *Trail {
	t := &Trail{
		store: st,
		now:   domain.SystemClock,
		loc:   time.Local,
		log:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithComponent("audit")
	return t
}

// Record assigns an id and timestamp to e and appends it. Timestamps are
// strictly increasing so timestamp order is also append order.
func (t *Trail) Record(ctx context.Context, e *domain.AuditEvent) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.stamp()
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}

	if err := t.store.AppendEvent(ctx, e); err != nil {
		t.log.ErrorContext(ctx, "audit write failed",
			"event_id", e.ID,
			"type", string(e.Type),
			"actor", e.ActorID,
			"subject", e.SubjectID,
			"error", err)
	}
	if t.journal != nil {
		if err := t.journal.Append(ctx, e); err != nil {
			t.log.WarnContext(ctx, "audit journal write failed", "event_id", e.ID, "error", err)
		}
	}
}

func (t *Trail) stamp() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	if !now.After(t.last) {
		now = t.last.Add(time.Nanosecond)
	}
	t.last = now
	return now
}

// Date-range presets accepted by Filter.Range.
const (
	RangeAll   = ""
	RangeHour  = "hour"
	RangeDay   = "day"
	RangeWeek  = "week"
	RangeMonth = "month"
)

// Filter selects events. Zero values match everything. Range, when set,
// narrows Since to the preset window ending now.
type Filter struct {
	Types     []domain.EventType `form:"type" json:"types,omitempty"`
	ActorID   string             `form:"actor" json:"actorId,omitempty"`
	SubjectID string             `form:"subject" json:"subjectId,omitempty"`
	Severity  domain.Severity    `form:"severity" json:"severity,omitempty"`
	Range     string             `form:"range" json:"range,omitempty"`
	Since     time.Time          `form:"since" time_format:"2006-01-02T15:04:05Z07:00" json:"since,omitempty"`
	Until     time.Time          `form:"until" time_format:"2006-01-02T15:04:05Z07:00" json:"until,omitempty"`
	Limit     int                `form:"limit" json:"limit,omitempty"`
}

// Query resolves the filter against now.
func (f Filter) Query(now time.Time) (store.EventQuery, error) {
	q := store.EventQuery{
		Types:     f.Types,
		ActorID:   f.ActorID,
		SubjectID: f.SubjectID,
		Severity:  f.Severity,
		Since:     f.Since,
		Until:     f.Until,
		Limit:     f.Limit,
	}
	if f.Limit < 0 {
		return q, domain.Invalidf("limit must not be negative")
	}

	var cutoff time.Time
	switch strings.ToLower(f.Range) {
	case RangeAll, "all":
		return q, nil
	case RangeHour:
		cutoff = now.Add(-time.Hour)
	case RangeDay:
		cutoff = now.AddDate(0, 0, -1)
	case RangeWeek:
		cutoff = now.AddDate(0, 0, -7)
	case RangeMonth:
		cutoff = now.AddDate(0, -1, 0)
	default:
		return q, domain.Invalidf("unknown range %q", f.Range)
	}
	if cutoff.After(q.Since) {
		q.Since = cutoff
	}
	return q, nil
}

// Events returns matching events in timestamp order.
func (t *Trail) Events(ctx context.Context, f Filter) ([]*domain.AuditEvent, error) {
	q, err := f.Query(t.now().UTC())
	if err != nil {
		return nil, err
	}
	events, err := t.store.Events(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

// ForSubject returns every event about subjectID.
func (t *Trail) ForSubject(ctx context.Context, subjectID string) ([]*domain.AuditEvent, error) {
	return t.Events(ctx, Filter{SubjectID: subjectID})
}

// Verify checks the tamper-evidence chain when the backing store keeps one.
// Stores without a chain report valid.
func (t *Trail) Verify(ctx context.Context) (*store.ChainReport, error) {
	cv, ok := t.store.(store.ChainVerifier)
	if !ok {
		return &store.ChainReport{Valid: true}, nil
	}
	return cv.VerifyAuditChain(ctx)
}
