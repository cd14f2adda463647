package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
)

const redlockKeyPrefix = "ticketsync:lock:"

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RedLock 在多个独立 Redis 节点上实现的 Redlock，多数节点成功才算持有
type RedLock struct {
	clients  []*redis.Client
	addrs    []string
	retries  int
	retryGap time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	tokens   map[string]string
}

// NewRedLock 连接 redis.lock_addresses 中的全部节点
func NewRedLock(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedLock, error) {
	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("未配置Redis锁节点")
	}
	return NewRedLockWithClients(clients, cfg.LockAddresses, cfg.LockRetryCount, logger), nil
}

func NewRedLockWithClients(clients []*redis.Client, addrs []string, retries int, logger *zap.Logger) *RedLock {
	if retries < 1 {
		retries = 1
	}
	return &RedLock{
		clients:  clients,
		addrs:    addrs,
		retries:  retries,
		retryGap: 100 * time.Millisecond,
		logger:   logger.Named("lock"),
		tokens:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

func (r *RedLock) addr(i int) string {
	if i < len(r.addrs) {
		return r.addrs[i]
	}
	return fmt.Sprintf("#%d", i)
}

func (r *RedLock) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[name]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", name)
	}

	key := redlockKeyPrefix + name
	token := uuid.NewString()
	for attempt := 0; attempt < r.retries; attempt++ {
		start := time.Now()
		success := 0
		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				r.logger.Warn("在节点获取锁失败",
					zap.String("node", r.addr(i)), zap.String("lock", name), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		if success >= r.quorum() && ttl-time.Since(start) > 0 {
			r.tokens[name] = token
			r.logger.Debug("获取锁成功", zap.String("lock", name), zap.Int("nodes", success))
			return true, nil
		}
		r.unlockAll(ctx, key, token)

		if attempt+1 < r.retries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(r.retryGap):
			}
		}
	}
	return false, nil
}

func (r *RedLock) RefreshLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[name]
	if !ok {
		return false, fmt.Errorf("锁 %s 不存在或未持有", name)
	}

	key := redlockKeyPrefix + name
	success := 0
	for i, client := range r.clients {
		n, err := refreshScript.Run(ctx, client, []string{key}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.logger.Warn("在节点刷新锁失败",
				zap.String("node", r.addr(i)), zap.String("lock", name), zap.Error(err))
			continue
		}
		if n == 1 {
			success++
		}
	}
	if success >= r.quorum() {
		return true, nil
	}

	delete(r.tokens, name)
	return false, nil
}

func (r *RedLock) ReleaseLock(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[name]
	if !ok {
		return fmt.Errorf("锁 %s 不存在或未持有", name)
	}
	r.unlockAll(ctx, redlockKeyPrefix+name, token)
	delete(r.tokens, name)
	return nil
}

// unlockAll 只删除令牌匹配的键，避免误删其他实例的锁
func (r *RedLock) unlockAll(ctx context.Context, key, token string) {
	for i, client := range r.clients {
		if err := unlockScript.Run(ctx, client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			r.logger.Warn("在节点释放锁失败",
				zap.String("node", r.addr(i)), zap.String("key", key), zap.Error(err))
		}
	}
}

func (r *RedLock) ReleaseAllLocks(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, token := range r.tokens {
		r.unlockAll(ctx, redlockKeyPrefix+name, token)
	}
	r.tokens = make(map[string]string)
}

func (r *RedLock) Close() error {
	r.ReleaseAllLocks(context.Background())
	for i, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("关闭Redis客户端失败", zap.String("node", r.addr(i)), zap.Error(err))
		}
	}
	return nil
}
