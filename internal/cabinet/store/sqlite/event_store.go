package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	dbpkg "github.com/BrandonDHaskell/keycabinet/internal/db"
)

type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

func (s *EventStore) AppendEventLog(ctx context.Context, e types.EventLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = e.EventID.DefaultSeverity()
	}
	var sessionID any
	if e.AccessSessionID != "" {
		sessionID = e.AccessSessionID
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO event_log(event_id, severity, user_id, key_id, session_id, detail, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			string(e.EventID), string(e.Severity), int64OrNil(e.UserID), int64OrNil(e.KeyID),
			sessionID, e.Detail, e.Timestamp.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("AppendEventLog insert: %w", err)
		}
		return nil
	})
}

func (s *EventStore) CountKeyEvents(ctx context.Context, keyID int64, id types.EventID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_log WHERE key_id = ? AND event_id = ?;`,
		keyID, string(id)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountKeyEvents: %w", err)
	}
	return n, nil
}
