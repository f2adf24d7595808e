package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqlitestore "github.com/BrandonDHaskell/keycabinet/internal/cabinet/store/sqlite"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	"github.com/BrandonDHaskell/keycabinet/internal/db"
)

func ptr[T any](v T) *T { return &v }

// ── AppendEventLog ────────────────────────────────────────────────────────

func TestEventStore_AppendDefaultsSeverity(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	es := sqlitestore.NewEventStore(conn, newTestWriter(t, conn))

	require.NoError(t, es.AppendEventLog(ctx, types.EventLogEntry{
		EventID:   types.EventKeyOverdue,
		KeyID:     ptr(int64(4)),
		Detail:    "VAN-04",
		Timestamp: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}))

	var sev, detail string
	var session any
	require.NoError(t, conn.QueryRow(
		`SELECT severity, detail, session_id FROM event_log WHERE event_id = 'KEY_OVERDUE'`,
	).Scan(&sev, &detail, &session))
	assert.Equal(t, "ALARM", sev)
	assert.Equal(t, "VAN-04", detail)
	assert.Nil(t, session)
}

func TestEventStore_CountKeyEvents(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	es := sqlitestore.NewEventStore(conn, newTestWriter(t, conn))

	for i := 0; i < 2; i++ {
		require.NoError(t, es.AppendEventLog(ctx, types.EventLogEntry{EventID: types.EventKeyOverdue, KeyID: ptr(int64(4))}))
	}
	require.NoError(t, es.AppendEventLog(ctx, types.EventLogEntry{EventID: types.EventKeyOverdueReturned, KeyID: ptr(int64(4))}))
	require.NoError(t, es.AppendEventLog(ctx, types.EventLogEntry{EventID: types.EventKeyOverdue, KeyID: ptr(int64(5))}))

	n, err := es.CountKeyEvents(ctx, 4, types.EventKeyOverdue)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = es.CountKeyEvents(ctx, 4, types.EventKeyOverdueReturned)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventStore_AppendRollsBackOnInsertError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	w := db.NewWorker(conn)
	defer w.Close()
	es := sqlitestore.NewEventStore(conn, w)

	err = es.AppendEventLog(context.Background(), types.EventLogEntry{EventID: types.EventDoorClosed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AppendEventLog insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ── PromptedKeyStore ──────────────────────────────────────────────────────

func TestPromptedKeyStore_SetSemantics(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	ps := sqlitestore.NewPromptedKeyStore(conn, newTestWriter(t, conn))

	require.NoError(t, ps.AddPrompted(ctx, "VAN-02"))
	require.NoError(t, ps.AddPrompted(ctx, "VAN-01"))
	require.NoError(t, ps.AddPrompted(ctx, "VAN-01"))

	names, err := ps.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"VAN-01", "VAN-02"}, names)

	require.NoError(t, ps.RemovePrompted(ctx, "VAN-01"))
	names, err = ps.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"VAN-02"}, names)

	require.NoError(t, ps.ClearPrompted(ctx))
	names, err = ps.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
