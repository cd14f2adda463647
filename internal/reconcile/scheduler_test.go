package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/lock"
)

func newRedLock(t *testing.T, s *miniredis.Miniredis) *lock.RedLock {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewRedLockWithClients([]*redis.Client{client}, []string{s.Addr()}, 1, zap.NewNop())
}

func TestRunOnceHoldsLock(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	f := newFixture(t)
	created, tt := f.eventAndType(1, "10", 5)
	f.ingest(t, created, tt, f.purchase(1, 2, "10"))
	require.NoError(t, f.repo.SetTicketTypeSupply(ctx, 1, 0))

	sched := NewScheduler(f.jobs, newRedLock(t, s), time.Second, zap.NewNop())
	reports, err := sched.RunOnce(ctx, JobSupply)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	got, err := f.repo.GetTicketType(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.CurrentSupply)
	assert.Empty(t, s.Keys(), "锁应在任务结束后释放")
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	other := newRedLock(t, s)
	ok, err := other.AcquireLock(ctx, lockPrefix+JobProjection, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	f := newFixture(t)
	sched := NewScheduler(f.jobs, newRedLock(t, s), time.Second, zap.NewNop())
	_, err = sched.RunOnce(ctx, JobProjection)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, other.ReleaseLock(ctx, lockPrefix+JobProjection))
	_, err = sched.RunOnce(ctx, JobProjection)
	assert.NoError(t, err)
}

func TestRunOnceReleasesLockOnError(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	f := newFixture(t)
	sched := NewScheduler(f.jobs, newRedLock(t, s), time.Second, zap.NewNop())

	_, err := sched.RunOnce(ctx, "unknown")
	assert.Error(t, err)
	assert.Empty(t, s.Keys())
}

func TestSchedulerAdd(t *testing.T) {
	s := miniredis.RunT(t)
	f := newFixture(t)
	sched := NewScheduler(f.jobs, newRedLock(t, s), time.Second, zap.NewNop())

	assert.Error(t, sched.Add("not a schedule", JobSupply))
	require.NoError(t, sched.Add("@every 1h", JobSupply))

	sched.Start(context.Background())
	sched.Stop()
}
