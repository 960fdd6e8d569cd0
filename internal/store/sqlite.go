package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"esignd/internal/domain"
	"esignd/internal/security"
)

// SQLite is the durable Store backed by a single SQLite database file.
//
// Audit events form a hash chain: each row stores the hash of its predecessor
// and an HMAC over its own hash, so edits made outside the process are detected
// by VerifyAuditChain.
type SQLite struct {
	db     *sql.DB
	macKey []byte

	mu       sync.Mutex // serializes audit appends so the chain stays linear
	lastHash [32]byte
}

// Open opens or creates the SQLite database at the given path and runs migrations.
// macKey authenticates the audit chain and must be at least 32 bytes.
func Open(path string, macKey []byte) (*SQLite, error) {
	if len(macKey) < 32 {
		return nil, errors.New("store: audit MAC key must be at least 32 bytes")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	s := &SQLite{db: db, macKey: append([]byte(nil), macKey...)}

	var last []byte
	err = db.QueryRow("SELECT event_hash FROM audit_events ORDER BY seq DESC LIMIT 1").Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("load audit chain head: %w", err)
	default:
		copy(s.lastHash[:], last)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable and still carries the schema
// this build migrated it to.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	v, err := appliedVersion(ctx, s.db)
	if err != nil {
		return unavailable("ping", err)
	}
	if v != schemaVersion {
		return unavailable("ping", fmt.Errorf("schema version %d, want %d", v, schemaVersion))
	}
	return nil
}

// Put inserts or replaces an entry. Insertion order is preserved on replace.
func (s *SQLite) Put(ctx context.Context, c Collection, e Entry) error {
	if e.ID == "" {
		return errors.New("store: entry id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (collection, id, owner_id, ref, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			ref = excluded.ref,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		string(c), e.ID, e.Owner, e.Ref, string(e.Data), time.Now().UnixNano(),
	)
	if err != nil {
		return unavailable("put "+string(c), err)
	}
	return nil
}

// Get retrieves an entry by id.
func (s *SQLite) Get(ctx context.Context, c Collection, id string) (*Entry, error) {
	var e Entry
	var data string
	var updated int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, ref, data, updated_at
		FROM entries WHERE collection = ? AND id = ?`, string(c), id,
	).Scan(&e.ID, &e.Owner, &e.Ref, &data, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get "+string(c), err)
	}

	e.Data = []byte(data)
	e.UpdatedAt = time.Unix(0, updated)
	return &e, nil
}

// List returns the entries of a collection in insertion order.
func (s *SQLite) List(ctx context.Context, c Collection, f Filter) ([]Entry, error) {
	query := "SELECT id, owner_id, ref, data, updated_at FROM entries WHERE collection = ?"
	args := []any{string(c)}
	if f.Owner != "" {
		query += " AND owner_id = ?"
		args = append(args, f.Owner)
	}
	if f.Ref != "" {
		query += " AND ref = ?"
		args = append(args, f.Ref)
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list "+string(c), err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var data string
		var updated int64
		if err := rows.Scan(&e.ID, &e.Owner, &e.Ref, &data, &updated); err != nil {
			return nil, unavailable("scan "+string(c), err)
		}
		e.Data = []byte(data)
		e.UpdatedAt = time.Unix(0, updated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list "+string(c), err)
	}
	return entries, nil
}

// AppendEvent appends an audit event to the chain.
func (s *SQLite) AppendEvent(ctx context.Context, e *domain.AuditEvent) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastHash
	hash := computeEventHash(e, meta, prev[:])
	mac := s.computeEventHMAC(hash)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, timestamp_ns, actor_id, subject_id, severity, description, metadata, previous_hash, event_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Timestamp.UnixNano(), e.ActorID, e.SubjectID, string(e.Severity),
		e.Description, meta, prev[:], hash[:], mac,
	)
	if err != nil {
		return unavailable("append audit event", err)
	}

	s.lastHash = hash
	return nil
}

// Events returns audit events matching q in timestamp order.
func (s *SQLite) Events(ctx context.Context, q EventQuery) ([]*domain.AuditEvent, error) {
	var where []string
	var args []any

	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ",")+")")
	}
	if q.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if q.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, q.SubjectID)
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(q.Severity))
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp_ns <= ?")
		args = append(args, q.Until.UnixNano())
	}

	query := "SELECT id, type, timestamp_ns, actor_id, subject_id, severity, description, metadata FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_ns, seq"
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query audit events", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var typ, severity string
		var ts int64
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &typ, &ts, &e.ActorID, &e.SubjectID, &severity, &e.Description, &meta); err != nil {
			return nil, unavailable("scan audit event", err)
		}
		e.Type = domain.EventType(typ)
		e.Severity = domain.Severity(severity)
		e.Timestamp = time.Unix(0, ts)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata for %s: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query audit events", err)
	}
	return events, nil
}

// VerifyAuditChain walks the audit log in append order and checks every link.
func (s *SQLite) VerifyAuditChain(ctx context.Context) (*ChainReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, timestamp_ns, actor_id, subject_id, severity, description, metadata, previous_hash, event_hash, hmac
		FROM audit_events ORDER BY seq`)
	if err != nil {
		return nil, unavailable("read audit chain", err)
	}
	defer rows.Close()

	report := &ChainReport{Valid: true}
	var prev [32]byte

	for rows.Next() {
		var e domain.AuditEvent
		var typ, severity string
		var ts int64
		var meta sql.NullString
		var prevHash, eventHash, mac []byte
		if err := rows.Scan(&e.ID, &typ, &ts, &e.ActorID, &e.SubjectID, &severity, &e.Description, &meta, &prevHash, &eventHash, &mac); err != nil {
			return nil, unavailable("scan audit chain", err)
		}
		e.Type = domain.EventType(typ)
		e.Severity = domain.Severity(severity)
		e.Timestamp = time.Unix(0, ts)
		report.Events++

		fail := func(reason string) (*ChainReport, error) {
			report.Valid = false
			report.BrokenAt = e.ID
			report.Reason = reason
			return report, nil
		}

		if !security.SecureCompare(prevHash, prev[:]) {
			return fail("previous hash does not match chain head")
		}
		expected := computeEventHash(&e, meta.String, prev[:])
		if !security.SecureCompare(eventHash, expected[:]) {
			return fail("event hash mismatch")
		}
		if !hmac.Equal(mac, s.computeEventHMAC(expected)) {
			return fail("hmac mismatch")
		}
		prev = expected
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read audit chain", err)
	}
	return report, nil
}

func (s *SQLite) computeEventHMAC(eventHash [32]byte) []byte {
	h := hmac.New(sha256.New, s.macKey)
	h.Write(eventHash[:])
	return h.Sum(nil)
}

func computeEventHash(e *domain.AuditEvent, meta string, prev []byte) [32]byte {
	return security.HashDomainSeparated("esignd-audit-v1",
		[]byte(e.ID),
		[]byte(e.Type),
		[]byte(strconv.FormatInt(e.Timestamp.UnixNano(), 10)),
		[]byte(e.ActorID),
		[]byte(e.SubjectID),
		[]byte(e.Severity),
		[]byte(e.Description),
		[]byte(meta),
		prev,
	)
}

// encodeMetadata renders metadata as JSON. encoding/json sorts map keys, so the
// encoding is stable and safe to hash.
func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode audit metadata: %w", err)
	}
	return string(b), nil
}

// ChainHead returns the hex hash of the latest audit event.
func (s *SQLite) ChainHead() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hex.EncodeToString(s.lastHash[:])
}
