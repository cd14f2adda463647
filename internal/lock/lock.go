package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
)

// Lock 分布式锁接口，保证同一时刻只有一个实例执行对账
type Lock interface {
	// AcquireLock 尝试获取锁，未抢到时返回 false 且 error 为空
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// RefreshLock 延长已持有锁的有效期，锁已丢失时返回 false
	RefreshLock(ctx context.Context, name string, ttl time.Duration) (bool, error)

	ReleaseLock(ctx context.Context, name string) error

	// ReleaseAllLocks 释放当前实例持有的所有锁
	ReleaseAllLocks(ctx context.Context)

	Close() error
}

// New 按 reconcile.lock_backend 创建锁实现
func New(ctx context.Context, cfg *config.Config, owner string, logger *zap.Logger) (Lock, error) {
	switch cfg.Reconcile.LockBackend {
	case config.LockBackendEtcd:
		return NewEtcdLock(cfg.ETCD, owner, logger)
	case config.LockBackendRedis:
		return NewRedLock(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("未知的锁后端: %s", cfg.Reconcile.LockBackend)
	}
}
