package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// memEtcd 进程内的键值与租约，只实现锁用到的 Txn、Grant、Revoke、KeepAliveOnce。
// 事务条件只支持 CreateRevision(key) = 0，Put 绑定最近一次 Grant 的租约
type memEtcd struct {
	clientv3.KV
	clientv3.Lease

	mu        sync.Mutex
	nextLease clientv3.LeaseID
	leases    map[clientv3.LeaseID]bool
	keys      map[string]memValue
	closed    bool
}

type memValue struct {
	value string
	lease clientv3.LeaseID
}

func newMemEtcd() *memEtcd {
	return &memEtcd{
		leases: make(map[clientv3.LeaseID]bool),
		keys:   make(map[string]memValue),
	}
}

func (m *memEtcd) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLease++
	m.leases[m.nextLease] = true
	return &clientv3.LeaseGrantResponse{ID: m.nextLease, TTL: ttl}, nil
}

func (m *memEtcd) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leases[id] {
		return nil, rpctypes.ErrLeaseNotFound
	}
	m.dropLease(id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (m *memEtcd) KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leases[id] {
		return nil, rpctypes.ErrLeaseNotFound
	}
	return &clientv3.LeaseKeepAliveResponse{ID: id}, nil
}

func (m *memEtcd) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memEtcd) Txn(ctx context.Context) clientv3.Txn {
	return &memTxn{m: m}
}

// expire 模拟租约到期
func (m *memEtcd) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.keys[etcdKeyPrefix+key]; ok {
		m.dropLease(v.lease)
	}
}

func (m *memEtcd) dropLease(id clientv3.LeaseID) {
	delete(m.leases, id)
	for k, v := range m.keys {
		if v.lease == id {
			delete(m.keys, k)
		}
	}
}

func (m *memEtcd) owner(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[etcdKeyPrefix+key]
	return v.value, ok
}

func (m *memEtcd) leaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

type memTxn struct {
	m     *memEtcd
	cmps  []clientv3.Cmp
	thens []clientv3.Op
	elses []clientv3.Op
}

func (t *memTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *memTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thens = append(t.thens, ops...)
	return t
}

func (t *memTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elses = append(t.elses, ops...)
	return t
}

func (t *memTxn) Commit() (*clientv3.TxnResponse, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	ok := true
	for _, c := range t.cmps {
		if _, exists := t.m.keys[string(c.Key)]; exists {
			ok = false
		}
	}
	ops := t.thens
	if !ok {
		ops = t.elses
	}
	for _, op := range ops {
		if op.IsPut() {
			t.m.keys[string(op.KeyBytes())] = memValue{value: string(op.ValueBytes()), lease: t.m.nextLease}
		}
	}
	return &clientv3.TxnResponse{Succeeded: ok}, nil
}

func newMemEtcdLock(m *memEtcd, owner string) *EtcdLock {
	return newEtcdLock(m, m, m, owner, 0, time.Second, zap.NewNop())
}

func TestEtcdLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := newMemEtcd()
	a := newMemEtcdLock(m, "instance-a")
	b := newMemEtcdLock(m, "instance-b")

	ok, err := a.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	owner, held := m.owner("reconcile:supply")
	require.True(t, held)
	assert.Equal(t, "instance-a", owner)

	ok, err = b.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.leaseCount(), "竞争失败的租约应被撤销")

	require.NoError(t, a.ReleaseLock(ctx, "reconcile:supply"))
	_, held = m.owner("reconcile:supply")
	assert.False(t, held)

	ok, err = b.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	owner, _ = m.owner("reconcile:supply")
	assert.Equal(t, "instance-b", owner)
	require.NoError(t, b.ReleaseLock(ctx, "reconcile:supply"))
}

func TestEtcdLockAcquireTwiceFails(t *testing.T) {
	ctx := context.Background()
	a := newMemEtcdLock(newMemEtcd(), "instance-a")

	ok, err := a.AcquireLock(ctx, "reconcile:projection", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = a.AcquireLock(ctx, "reconcile:projection", time.Second)
	assert.Error(t, err)
	require.NoError(t, a.ReleaseLock(ctx, "reconcile:projection"))
}

func TestEtcdLockRefreshAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m := newMemEtcd()
	a := newMemEtcdLock(m, "instance-a")
	b := newMemEtcdLock(m, "instance-b")

	ok, err := a.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.RefreshLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	m.expire("reconcile:supply")
	ok, err = a.RefreshLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.RefreshLock(ctx, "reconcile:supply", time.Second)
	assert.Error(t, err, "租约丢失后不再持有锁")

	ok, err = b.AcquireLock(ctx, "reconcile:supply", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.ReleaseLock(ctx, "reconcile:supply"))
}

func TestEtcdLockCloseReleasesAll(t *testing.T) {
	ctx := context.Background()
	m := newMemEtcd()
	a := newMemEtcdLock(m, "instance-a")

	for _, name := range []string{"reconcile:supply", "reconcile:projection"} {
		ok, err := a.AcquireLock(ctx, name, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, a.Close())
	assert.Zero(t, m.leaseCount())
	_, held := m.owner("reconcile:supply")
	assert.False(t, held)
	assert.True(t, m.closed)
}
