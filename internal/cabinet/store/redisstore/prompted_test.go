package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store/redisstore"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redisstore.PromptedKeys) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redisstore.NewPromptedKeys(client, "")
}

// ── Prompted set ─────────────────────────────────────────────────────────────

func TestPromptedKeys_AddLoadSorted(t *testing.T) {
	mr, p := setupTestRedis(t)
	ctx := context.Background()

	names, err := p.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, p.AddPrompted(ctx, "VAN-2"))
	require.NoError(t, p.AddPrompted(ctx, "TRUCK-1"))
	require.NoError(t, p.AddPrompted(ctx, "VAN-10"))

	names, err = p.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"TRUCK-1", "VAN-10", "VAN-2"}, names)

	ok, err := mr.SIsMember(redisstore.DefaultKey, "VAN-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPromptedKeys_AddTwiceKeepsOne(t *testing.T) {
	_, p := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, p.AddPrompted(ctx, "VAN-2"))
	require.NoError(t, p.AddPrompted(ctx, "VAN-2"))

	names, err := p.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"VAN-2"}, names)
}

func TestPromptedKeys_Remove(t *testing.T) {
	_, p := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, p.AddPrompted(ctx, "VAN-1"))
	require.NoError(t, p.AddPrompted(ctx, "VAN-2"))
	require.NoError(t, p.RemovePrompted(ctx, "VAN-1"))
	// Removing a name that is not there is not an error.
	require.NoError(t, p.RemovePrompted(ctx, "VAN-9"))

	names, err := p.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"VAN-2"}, names)
}

func TestPromptedKeys_Clear(t *testing.T) {
	mr, p := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, p.AddPrompted(ctx, "VAN-1"))
	require.NoError(t, p.AddPrompted(ctx, "VAN-2"))
	require.NoError(t, p.ClearPrompted(ctx))

	names, err := p.LoadPrompted(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.False(t, mr.Exists(redisstore.DefaultKey))
}

func TestPromptedKeys_CustomKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := redisstore.NewPromptedKeys(client, "site-a:prompted")

	require.NoError(t, p.AddPrompted(context.Background(), "VAN-1"))

	members, err := mr.Members("site-a:prompted")
	require.NoError(t, err)
	assert.Equal(t, []string{"VAN-1"}, members)
	assert.False(t, mr.Exists(redisstore.DefaultKey))
}

// ── Connection ───────────────────────────────────────────────────────────────

func TestPromptedKeys_ServerDown(t *testing.T) {
	mr, p := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	mr.Close()
	assert.Error(t, p.Ping(ctx))
	_, err := p.LoadPrompted(ctx)
	assert.ErrorContains(t, err, "LoadPrompted")
	assert.ErrorContains(t, p.AddPrompted(ctx, "VAN-1"), "AddPrompted")
}
