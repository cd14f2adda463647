package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
)

const etcdKeyPrefix = "/ticketsync/locks/"

// EtcdLock 基于租约的锁，持有期间后台自动续约
type EtcdLock struct {
	kv        clientv3.KV
	lease     clientv3.Lease
	closer    io.Closer
	owner     string
	minTTL    time.Duration
	opTimeout time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
	locks     map[string]*leaseEntry
}

type leaseEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

func NewEtcdLock(cfg config.ETCDConfig, owner string, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return NewEtcdLockWithClient(cli, owner, cfg.SessionTTL, cfg.RequestTimeout, logger), nil
}

func NewEtcdLockWithClient(cli *clientv3.Client, owner string, minTTL, opTimeout time.Duration, logger *zap.Logger) *EtcdLock {
	return newEtcdLock(cli.KV, cli.Lease, cli, owner, minTTL, opTimeout, logger)
}

func newEtcdLock(kv clientv3.KV, lease clientv3.Lease, closer io.Closer, owner string, minTTL, opTimeout time.Duration, logger *zap.Logger) *EtcdLock {
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &EtcdLock{
		kv:        kv,
		lease:     lease,
		closer:    closer,
		owner:     owner,
		minTTL:    minTTL,
		opTimeout: opTimeout,
		logger:    logger.Named("lock"),
		locks:     make(map[string]*leaseEntry),
	}
}

// leaseSeconds etcd 租约以秒为单位，不足1秒按1秒计
func (el *EtcdLock) leaseSeconds(ttl time.Duration) int64 {
	if ttl < el.minTTL {
		ttl = el.minTTL
	}
	if s := int64(ttl / time.Second); s > 0 {
		return s
	}
	return 1
}

func (el *EtcdLock) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[name]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", name)
	}

	key := etcdKeyPrefix + name
	ctx, cancel := context.WithTimeout(ctx, el.opTimeout)
	defer cancel()

	seconds := el.leaseSeconds(ttl)
	grant, err := el.lease.Grant(ctx, seconds)
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	resp, err := el.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, el.owner, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil || !resp.Succeeded {
		if _, rerr := el.lease.Revoke(context.Background(), grant.ID); rerr != nil {
			el.logger.Warn("撤销租约失败", zap.String("lock", name), zap.Error(rerr))
		}
		if err != nil {
			return false, fmt.Errorf("事务执行失败: %w", err)
		}
		return false, nil
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepCtx, name, grant.ID, time.Duration(seconds)*time.Second/2)

	el.locks[name] = &leaseEntry{leaseID: grant.ID, key: key, cancel: keepCancel}
	el.logger.Debug("获取锁成功", zap.String("lock", name), zap.String("owner", el.owner))
	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[name]
	if !ok {
		return false, fmt.Errorf("未持有锁 %s", name)
	}

	ctx, cancel := context.WithTimeout(ctx, el.opTimeout)
	defer cancel()

	if _, err := el.lease.KeepAliveOnce(ctx, entry.leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			entry.cancel()
			delete(el.locks, name)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, name string) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.release(ctx, name)
}

func (el *EtcdLock) ReleaseAllLocks(ctx context.Context) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for name := range el.locks {
		if err := el.release(ctx, name); err != nil {
			el.logger.Warn("释放锁失败", zap.String("lock", name), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks(context.Background())
	return el.closer.Close()
}

func (el *EtcdLock) keepAlive(ctx context.Context, name string, leaseID clientv3.LeaseID, every time.Duration) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.lease.KeepAliveOnce(ctx, leaseID); err != nil {
				if ctx.Err() == nil {
					el.logger.Warn("自动续约失败", zap.String("lock", name), zap.Error(err))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// release 撤销租约，键随租约一起删除
func (el *EtcdLock) release(ctx context.Context, name string) error {
	entry, ok := el.locks[name]
	if !ok {
		return nil
	}
	entry.cancel()
	delete(el.locks, name)

	ctx, cancel := context.WithTimeout(ctx, el.opTimeout)
	defer cancel()
	if _, err := el.lease.Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}
