package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esignd/internal/domain"
)

var testMACKey = bytes.Repeat([]byte{0x5a}, 32)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "esignd.db"), testMACKey)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openTestDB(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(dbPath, testMACKey)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "test.db"), []byte("short"))
	assert.Error(t, err)
}

func TestCloseNilDB(t *testing.T) {
	s := &SQLite{db: nil}
	assert.NoError(t, s.Close())
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esignd.db")
	key := bytes.Repeat([]byte{1}, 32)

	s, err := Open(path, key)
	require.NoError(t, err)
	require.NoError(t, migrate(context.Background(), s.db))
	v, err := appliedVersion(context.Background(), s.db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
	require.NoError(t, s.Close())

	s, err = Open(path, key)
	require.NoError(t, err)
	defer s.Close()
	var rows int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestPingReportsSchemaDrift(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	_, err := s.db.Exec("DELETE FROM schema_migrations WHERE version = ?", schemaVersion)
	require.NoError(t, err)
	err = s.Ping(ctx)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "schema version")
}

func TestPutGetList(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, CollectionCertificates, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, CollectionCertificates, Entry{ID: "c1", Owner: "alice", Ref: "FP1", Data: []byte(`{"id":"c1"}`)}))
		require.NoError(t, s.Put(ctx, CollectionCertificates, Entry{ID: "c2", Owner: "bob", Ref: "FP2", Data: []byte(`{"id":"c2"}`)}))
		require.NoError(t, s.Put(ctx, CollectionCertificates, Entry{ID: "c3", Owner: "alice", Ref: "FP3", Data: []byte(`{"id":"c3"}`)}))
		require.NoError(t, s.Put(ctx, CollectionSignatures, Entry{ID: "c1", Owner: "alice", Data: []byte(`{}`)}))

		got, err := s.Get(ctx, CollectionCertificates, "c1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Owner)
		assert.JSONEq(t, `{"id":"c1"}`, string(got.Data))

		// Replace keeps the original position.
		require.NoError(t, s.Put(ctx, CollectionCertificates, Entry{ID: "c1", Owner: "alice", Ref: "FP1", Data: []byte(`{"id":"c1","v":2}`)}))

		all, err := s.List(ctx, CollectionCertificates, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"c1", "c2", "c3"}, []string{all[0].ID, all[1].ID, all[2].ID})
		assert.JSONEq(t, `{"id":"c1","v":2}`, string(all[0].Data))

		alice, err := s.List(ctx, CollectionCertificates, Filter{Owner: "alice"})
		require.NoError(t, err)
		assert.Len(t, alice, 2)

		byRef, err := s.List(ctx, CollectionCertificates, Filter{Ref: "FP2"})
		require.NoError(t, err)
		require.Len(t, byRef, 1)
		assert.Equal(t, "c2", byRef[0].ID)

		assert.Error(t, s.Put(ctx, CollectionCertificates, Entry{}))
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestEventsQuery(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		events := []*domain.AuditEvent{
			{ID: "e1", Type: domain.EventCertificateIssued, Timestamp: base, ActorID: "alice", SubjectID: "cert-1", Severity: domain.SeverityInfo, Description: "issued"},
			{ID: "e3", Type: domain.EventSignatureFailed, Timestamp: base.Add(2 * time.Minute), ActorID: "bob", SubjectID: "doc-1", Severity: domain.SeverityError, Description: "no key"},
			{ID: "e2", Type: domain.EventSignatureCreated, Timestamp: base.Add(time.Minute), ActorID: "alice", SubjectID: "sig-1", Severity: domain.SeverityInfo, Description: "signed", Metadata: map[string]string{"documentId": "doc-42"}},
		}
		for _, e := range events {
			require.NoError(t, s.AppendEvent(ctx, e))
		}

		all, err := s.Events(ctx, EventQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "e1", all[0].ID)
		assert.Equal(t, "e2", all[1].ID)
		assert.Equal(t, "e3", all[2].ID)
		assert.Equal(t, "doc-42", all[1].Metadata["documentId"])
		assert.True(t, all[1].Timestamp.Equal(base.Add(time.Minute)))

		byActor, err := s.Events(ctx, EventQuery{ActorID: "alice"})
		require.NoError(t, err)
		assert.Len(t, byActor, 2)

		byType, err := s.Events(ctx, EventQuery{Types: []domain.EventType{domain.EventSignatureCreated, domain.EventSignatureFailed}})
		require.NoError(t, err)
		assert.Len(t, byType, 2)

		bySeverity, err := s.Events(ctx, EventQuery{Severity: domain.SeverityError})
		require.NoError(t, err)
		require.Len(t, bySeverity, 1)
		assert.Equal(t, "bob", bySeverity[0].ActorID)

		window, err := s.Events(ctx, EventQuery{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, "e2", window[0].ID)

		limited, err := s.Events(ctx, EventQuery{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestMemoryClosedIsUnavailable(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	err := s.AppendEvent(context.Background(), &domain.AuditEvent{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	err = s.Put(context.Background(), CollectionSignatures, Entry{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestSQLiteClosedIsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testMACKey)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put(context.Background(), CollectionSignatures, Entry{ID: "x", Data: []byte("{}")})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestAuditChainVerifies(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendEvent(ctx, &domain.AuditEvent{
			ID: id, Type: domain.EventDocumentAccessed, Timestamp: time.Unix(int64(1000+i), 0),
			ActorID: "alice", Severity: domain.SeverityInfo,
		}))
	}

	report, err := s.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.EqualValues(t, 3, report.Events)
	assert.Len(t, s.ChainHead(), 64)
}

func TestAuditChainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path, testMACKey)
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, &domain.AuditEvent{ID: "a", Type: domain.EventExport, Timestamp: time.Unix(1, 0), Severity: domain.SeverityInfo}))
	head := s.ChainHead()
	require.NoError(t, s.Close())

	s, err = Open(path, testMACKey)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, head, s.ChainHead())

	require.NoError(t, s.AppendEvent(ctx, &domain.AuditEvent{ID: "b", Type: domain.EventExport, Timestamp: time.Unix(2, 0), Severity: domain.SeverityInfo}))
	report, err := s.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestAuditEventsAreAppendOnly(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &domain.AuditEvent{ID: "a", Type: domain.EventExport, Timestamp: time.Unix(1, 0), Severity: domain.SeverityInfo}))

	_, err := s.db.Exec("UPDATE audit_events SET description = 'changed' WHERE id = 'a'")
	assert.Error(t, err)
	_, err = s.db.Exec("DELETE FROM audit_events WHERE id = 'a'")
	assert.Error(t, err)
}

func TestAuditChainDetectsTampering(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b"} {
		require.NoError(t, s.AppendEvent(ctx, &domain.AuditEvent{
			ID: id, Type: domain.EventSignatureCreated, Timestamp: time.Unix(int64(i+1), 0),
			ActorID: "alice", Severity: domain.SeverityInfo, Description: "signed",
		}))
	}

	_, err := s.db.Exec("DROP TRIGGER audit_events_no_update")
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE audit_events SET actor_id = 'mallory' WHERE id = 'b'")
	require.NoError(t, err)

	report, err := s.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, "b", report.BrokenAt)
	assert.Equal(t, "event hash mismatch", report.Reason)
}
