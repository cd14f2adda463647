package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCluster(t *testing.T, n int) ([]*miniredis.Miniredis, []*redis.Client) {
	t.Helper()
	var (
		servers []*miniredis.Miniredis
		clients []*redis.Client
	)
	for i := 0; i < n; i++ {
		s := miniredis.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { c.Close() })
		servers = append(servers, s)
		clients = append(clients, c)
	}
	return servers, clients
}

func TestRedLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	_, clients := newCluster(t, 3)
	a := NewRedLockWithClients(clients, nil, 1, zap.NewNop())
	b := NewRedLockWithClients(clients, nil, 1, zap.NewNop())

	ok, err := a.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.AcquireLock(ctx, "reconcile:supply", time.Second)
	assert.Error(t, err)

	require.NoError(t, a.ReleaseLock(ctx, "reconcile:supply"))
	ok, err = b.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, a.ReleaseLock(ctx, "reconcile:supply"))
}

func TestRedLockRefresh(t *testing.T) {
	ctx := context.Background()
	servers, clients := newCluster(t, 3)
	l := NewRedLockWithClients(clients, nil, 1, zap.NewNop())

	ok, err := l.AcquireLock(ctx, "job", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.RefreshLock(ctx, "job", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, servers[0].TTL(redlockKeyPrefix+"job"))

	// 多数节点上的锁过期后刷新失败
	servers[0].FastForward(11 * time.Second)
	servers[1].FastForward(11 * time.Second)
	ok, err = l.RefreshLock(ctx, "job", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.RefreshLock(ctx, "job", time.Second)
	assert.Error(t, err)
}

func TestRedLockQuorum(t *testing.T) {
	ctx := context.Background()
	servers, clients := newCluster(t, 3)
	servers[0].Close()
	servers[1].Close()

	l := NewRedLockWithClients(clients, nil, 1, zap.NewNop())
	ok, err := l.AcquireLock(ctx, "job", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, servers[2].Exists(redlockKeyPrefix+"job"))
}

func TestRedLockReleaseAll(t *testing.T) {
	ctx := context.Background()
	servers, clients := newCluster(t, 1)
	l := NewRedLockWithClients(clients, nil, 1, zap.NewNop())

	for _, name := range []string{"a", "b"} {
		ok, err := l.AcquireLock(ctx, name, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	l.ReleaseAllLocks(ctx)
	assert.False(t, servers[0].Exists(redlockKeyPrefix+"a"))
	assert.False(t, servers[0].Exists(redlockKeyPrefix+"b"))
}
