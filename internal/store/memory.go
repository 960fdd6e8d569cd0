package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"esignd/internal/domain"
)

// Memory is a process-local Store used by tests and by esignctl's dry-run mode.
type Memory struct {
	mu      sync.RWMutex
	entries map[Collection]map[string]*Entry
	order   map[Collection][]string
	events  []*domain.AuditEvent
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[Collection]map[string]*Entry),
		order:   make(map[Collection][]string),
	}
}

var errClosed = errors.New("store closed")

func (m *Memory) Put(_ context.Context, c Collection, e Entry) error {
	if e.ID == "" {
		return errors.New("store: entry id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("put "+string(c), errClosed)
	}

	coll, ok := m.entries[c]
	if !ok {
		coll = make(map[string]*Entry)
		m.entries[c] = coll
	}
	if _, exists := coll[e.ID]; !exists {
		m.order[c] = append(m.order[c], e.ID)
	}
	e.Data = append([]byte(nil), e.Data...)
	e.UpdatedAt = time.Now()
	coll[e.ID] = &e
	return nil
}

func (m *Memory) Get(_ context.Context, c Collection, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable("get "+string(c), errClosed)
	}

	e, ok := m.entries[c][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Data = append([]byte(nil), e.Data...)
	return &cp, nil
}

func (m *Memory) List(_ context.Context, c Collection, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable("list "+string(c), errClosed)
	}

	var out []Entry
	for _, id := range m.order[c] {
		e := m.entries[c][id]
		if f.Owner != "" && e.Owner != f.Owner {
			continue
		}
		if f.Ref != "" && e.Ref != f.Ref {
			continue
		}
		cp := *e
		cp.Data = append([]byte(nil), e.Data...)
		out = append(out, cp)
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, e *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("append audit event", errClosed)
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *Memory) Events(_ context.Context, q EventQuery) ([]*domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable("query audit events", errClosed)
	}

	var out []*domain.AuditEvent
	for _, e := range m.events {
		if q.Match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return unavailable("ping", errClosed)
	}
	return nil
}

// Close marks the store unavailable; later calls fail with domain.ErrStorageUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
