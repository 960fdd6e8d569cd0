package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// JournalConfig configures an audit journal.
type JournalConfig struct {
	// FilePath is the JSON-lines file events are appended to.
	FilePath string

	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	// Component tags every line.
	Component string
}

// DefaultJournalConfig returns the journal defaults. FilePath must still be set.
func DefaultJournalConfig() *JournalConfig {
	return &JournalConfig{
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "esignd",
	}
}

type journalLine struct {
	RecordedAt time.Time `json:"recorded_at"`
	Component  string    `json:"component"`
	RequestID  string    `json:"request_id,omitempty"`
	Event      any       `json:"event"`
}

// Journal is a secondary, rotated copy of the audit trail. It is written in
// addition to the primary store so events survive a store outage and can be
// shipped by ordinary log collectors.
type Journal struct {
	component string
	rotator   *FileRotator
	mu        sync.Mutex
}

// NewJournal opens (or creates) the journal file.
func NewJournal(cfg *JournalConfig) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultJournalConfig()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	return &Journal{component: cfg.Component, rotator: rotator}, nil
}

// Append writes event as one JSON line, tagged with the request id on ctx.
func (j *Journal) Append(ctx context.Context, event any) error {
	data, err := json.Marshal(journalLine{
		RecordedAt: time.Now().UTC(),
		Component:  j.component,
		RequestID:  RequestIDFromContext(ctx),
		Event:      event,
	})
	if err != nil {
		return fmt.Errorf("marshal journal line: %w", err)
	}
	data = append(data, '\n')

	// One Write per line keeps lines whole across rotation.
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.rotator.Write(data); err != nil {
		return fmt.Errorf("write journal line: %w", err)
	}
	return nil
}

// Sync flushes the journal file.
func (j *Journal) Sync() error { return j.rotator.Sync() }

// Close closes the journal file.
func (j *Journal) Close() error { return j.rotator.Close() }
