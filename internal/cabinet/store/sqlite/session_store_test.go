package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	sqlitestore "github.com/BrandonDHaskell/keycabinet/internal/cabinet/store/sqlite"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

func newSession(id string, user int64, code string, at time.Time, taken ...int64) types.AccessSession {
	return types.AccessSession{
		ID:           id,
		SignInTime:   at,
		AuthMode:     types.AuthPIN,
		UserID:       &user,
		Success:      true,
		ActivityCode: code,
		KeysAllowed:  []int64{1, 2, 3},
		KeysTaken:    taken,
	}
}

// ── CountActivityUsage ────────────────────────────────────────────────────

func TestSessionStore_CountActivityUsage(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	ss := sqlitestore.NewSessionStore(conn, newTestWriter(t, conn))

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("a", 1, "101", day.Add(8*time.Hour), 1)))
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("b", 1, "101", day.Add(9*time.Hour))))     // nothing taken
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("c", 1, "202", day.Add(10*time.Hour), 2))) // other code
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("d", 1, "101", day.Add(-time.Hour), 3)))   // yesterday
	failed := newSession("e", 1, "101", day.Add(11*time.Hour), 1)
	failed.Success = false
	require.NoError(t, ss.CreateAccessSession(ctx, failed))

	n, err := ss.CountActivityUsage(ctx, "101", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Another user's session under the same code counts too.
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("f", 2, "101", day.Add(12*time.Hour), 2)))
	n, err = ss.CountActivityUsage(ctx, "101", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// ── LatestSessionTakingKey ────────────────────────────────────────────────

func TestSessionStore_LatestSessionTakingKey(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	ss := sqlitestore.NewSessionStore(conn, newTestWriter(t, conn))

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("old", 1, "101", base, 1, 12)))
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("new", 2, "202", base.Add(time.Hour), 12)))
	require.NoError(t, ss.CreateAccessSession(ctx, newSession("other", 2, "202", base.Add(2*time.Hour), 2)))

	got, err := ss.LatestSessionTakingKey(ctx, 12, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
	assert.Equal(t, "202", got.ActivityCode)
	assert.Equal(t, []int64{12}, got.KeysTaken)

	// key 1 must not match key 12
	got, err = ss.LatestSessionTakingKey(ctx, 1, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "old", got.ID)

	_, err = ss.LatestSessionTakingKey(ctx, 12, base.Add(3*time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ── UpdateAccessSession ───────────────────────────────────────────────────

func TestSessionStore_UpdatePersistsDoorAndLists(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	ss := sqlitestore.NewSessionStore(conn, newTestWriter(t, conn))

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s := newSession("s1", 1, "101", at)
	require.NoError(t, ss.CreateAccessSession(ctx, s))

	open, closed := at.Add(time.Minute), at.Add(2*time.Minute)
	s.DoorOpenTime, s.DoorCloseTime = &open, &closed
	s.KeysTaken = []int64{2}
	s.KeysReturned = []int64{3}
	require.NoError(t, ss.UpdateAccessSession(ctx, s))

	var taken, returned string
	var closeMs int64
	require.NoError(t, conn.QueryRow(
		`SELECT keys_taken, keys_returned, door_close_at_ms FROM access_sessions WHERE session_id = 's1'`,
	).Scan(&taken, &returned, &closeMs))
	assert.Equal(t, "2", taken)
	assert.Equal(t, "3", returned)
	assert.Equal(t, closed.UnixMilli(), closeMs)

	err := ss.UpdateAccessSession(ctx, types.AccessSession{ID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
