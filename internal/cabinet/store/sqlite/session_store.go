package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	dbpkg "github.com/BrandonDHaskell/keycabinet/internal/db"
)

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

func (s *SessionStore) CreateAccessSession(ctx context.Context, sess types.AccessSession) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_sessions(
  session_id, sign_in_at_ms, auth_mode, user_id, success, activity_code,
  door_open_at_ms, door_close_at_ms, keys_allowed, keys_taken, keys_returned
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			sess.ID, sess.SignInTime.UTC().UnixMilli(), string(sess.AuthMode), int64OrNil(sess.UserID),
			boolInt(sess.Success), sess.ActivityCode, msOrNil(sess.DoorOpenTime), msOrNil(sess.DoorCloseTime),
			types.JoinIDs(sess.KeysAllowed), types.JoinIDs(sess.KeysTaken), types.JoinIDs(sess.KeysReturned),
		); err != nil {
			return fmt.Errorf("CreateAccessSession: %w", err)
		}
		return nil
	})
}

func (s *SessionStore) UpdateAccessSession(ctx context.Context, sess types.AccessSession) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE access_sessions
SET user_id          = ?,
    success          = ?,
    activity_code    = ?,
    door_open_at_ms  = ?,
    door_close_at_ms = ?,
    keys_allowed     = ?,
    keys_taken       = ?,
    keys_returned    = ?
WHERE session_id = ?;
`,
			int64OrNil(sess.UserID), boolInt(sess.Success), sess.ActivityCode,
			msOrNil(sess.DoorOpenTime), msOrNil(sess.DoorCloseTime),
			types.JoinIDs(sess.KeysAllowed), types.JoinIDs(sess.KeysTaken), types.JoinIDs(sess.KeysReturned),
			sess.ID,
		)
		if err != nil {
			return fmt.Errorf("UpdateAccessSession: %w", err)
		}
		return requireOneRow(res, "UpdateAccessSession")
	})
}

func (s *SessionStore) CountActivityUsage(ctx context.Context, code string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM access_sessions
WHERE activity_code = ?
  AND success = 1
  AND keys_taken != ''
  AND sign_in_at_ms >= ?
  AND sign_in_at_ms < ?;
`, code, from.UTC().UnixMilli(), to.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountActivityUsage: %w", err)
	}
	return n, nil
}

func (s *SessionStore) LatestSessionTakingKey(ctx context.Context, keyID int64, since time.Time) (types.AccessSession, error) {
	var (
		sess                     types.AccessSession
		signIn                   int64
		mode                     string
		userID                   sql.NullInt64
		success                  int
		openAt, closeAt          sql.NullInt64
		allowed, taken, returned string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, sign_in_at_ms, auth_mode, user_id, success, activity_code,
       door_open_at_ms, door_close_at_ms, keys_allowed, keys_taken, keys_returned
FROM access_sessions
WHERE sign_in_at_ms >= ?
  AND (',' || keys_taken || ',') LIKE ?
ORDER BY sign_in_at_ms DESC
LIMIT 1;
`, since.UTC().UnixMilli(), "%,"+strconv.FormatInt(keyID, 10)+",%").Scan(
		&sess.ID, &signIn, &mode, &userID, &success, &sess.ActivityCode,
		&openAt, &closeAt, &allowed, &taken, &returned)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AccessSession{}, store.ErrNotFound
	}
	if err != nil {
		return types.AccessSession{}, fmt.Errorf("LatestSessionTakingKey: %w", err)
	}
	sess.SignInTime = time.UnixMilli(signIn).UTC()
	sess.AuthMode = types.AuthMode(mode)
	sess.UserID = int64FromNull(userID)
	sess.Success = success == 1
	sess.DoorOpenTime = timeFromMs(openAt)
	sess.DoorCloseTime = timeFromMs(closeAt)
	sess.KeysAllowed = types.SplitIDs(allowed)
	sess.KeysTaken = types.SplitIDs(taken)
	sess.KeysReturned = types.SplitIDs(returned)
	return sess, nil
}
