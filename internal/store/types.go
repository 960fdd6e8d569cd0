// Package store provides the durable key-value layer behind the signature core:
// named collections of JSON entities plus an append-only audit event log.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"esignd/internal/domain"
)

// Collection names a logical mapping from id to a JSON-encoded entity.
type Collection string

// Persisted collections.
const (
	CollectionKeyPairs     Collection = "keypairs"
	CollectionCertificates Collection = "certificates"
	CollectionSignatures   Collection = "signatures"
	CollectionWorkflows    Collection = "workflows"
)

// ErrNotFound is returned by Get when no entry exists for the id.
var ErrNotFound = errors.New("store: entry not found")

// Entry is one stored entity. Owner and Ref are secondary keys used for listing;
// their meaning depends on the collection (owner id, document id, fingerprint).
type Entry struct {
	ID        string
	Owner     string
	Ref       string
	Data      []byte
	UpdatedAt time.Time
}

// Filter selects entries by secondary key. Empty fields match everything.
type Filter struct {
	Owner string
	Ref   string
}

// EventQuery selects audit events. Zero values match everything.
type EventQuery struct {
	Types     []domain.EventType
	ActorID   string
	SubjectID string
	Severity  domain.Severity
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Match reports whether e satisfies the query (Limit is ignored).
func (q EventQuery) Match(e *domain.AuditEvent) bool {
	if len(q.Types) > 0 {
		ok := false
		for _, t := range q.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.SubjectID != "" && e.SubjectID != q.SubjectID {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Store is the persistence contract the core components depend on.
// Entries are flushed on every Put; events are append-only.
type Store interface {
	Put(ctx context.Context, c Collection, e Entry) error
	Get(ctx context.Context, c Collection, id string) (*Entry, error)
	List(ctx context.Context, c Collection, f Filter) ([]Entry, error)

	AppendEvent(ctx context.Context, e *domain.AuditEvent) error
	Events(ctx context.Context, q EventQuery) ([]*domain.AuditEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// ChainVerifier is implemented by stores that keep a tamper-evident audit chain.
type ChainVerifier interface {
	VerifyAuditChain(ctx context.Context) (*ChainReport, error)
}

// ChainReport summarizes an audit chain verification pass.
type ChainReport struct {
	Events   int64  `json:"events"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// unavailable tags an I/O failure so callers can test for domain.ErrStorageUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}
