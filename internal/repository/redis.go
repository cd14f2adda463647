package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
)

const (
	// Redis键前缀
	SupplyKey = "ticketsync:supply:"

	setSupplyScriptName  = "setSupplyIfNewer"
	invalidateScriptName = "invalidateSupply"

	// Lua脚本，只接受观测时间不早于已缓存值的写入
	SetSupplyIfNewerScript = `
		local observed = tonumber(redis.call('HGET', KEYS[1], 'observedAt'))
		local incoming = tonumber(ARGV[2])
		if observed and observed > incoming then
			return {1, redis.call('HGET', KEYS[1], 'supply') or ''}
		end

		redis.call('HSET', KEYS[1], 'supply', ARGV[1], 'observedAt', ARGV[2])
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
		return {0, ARGV[1]}
	`

	// Lua脚本，删除供应量但保留 observedAt 作为墓碑，
	// 失效之前开始的读数不能再写回缓存
	InvalidateSupplyScript = `
		local observed = tonumber(redis.call('HGET', KEYS[1], 'observedAt'))
		local incoming = tonumber(ARGV[1])
		if not observed or observed < incoming then
			redis.call('HSET', KEYS[1], 'observedAt', ARGV[1])
		end
		redis.call('HDEL', KEYS[1], 'supply')
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 0
	`
)

var supplyScripts = map[string]string{
	setSupplyScriptName:  SetSupplyIfNewerScript,
	invalidateScriptName: InvalidateSupplyScript,
}

// SupplyCache 票种当前供应量的懒加载缓存，值总是来自账本
type SupplyCache struct {
	client       *redis.Client
	ttl          time.Duration
	logger       *zap.Logger
	now          func() time.Time
	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewSupplyCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*SupplyCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	cache, err := NewSupplyCacheWithClient(ctx, client, cfg.SupplyTTL, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return cache, nil
}

// NewSupplyCacheWithClient 使用已有客户端构造并预加载脚本
func NewSupplyCacheWithClient(ctx context.Context, client *redis.Client, ttl time.Duration, logger *zap.Logger) (*SupplyCache, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &SupplyCache{
		client:       client,
		ttl:          ttl,
		logger:       logger.Named("supply-cache"),
		now:          time.Now,
		scriptHashes: make(map[string]string),
	}

	if err := c.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}
	return c, nil
}

// preloadScripts 预加载所有Lua脚本
func (c *SupplyCache) preloadScripts(ctx context.Context) error {
	for name, script := range supplyScripts {
		sha1, err := c.client.ScriptLoad(ctx, script).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		c.mu.Lock()
		c.scriptHashes[name] = sha1
		c.mu.Unlock()
	}
	return nil
}

// evalScript 按SHA1执行脚本，Redis丢失脚本时重新加载后重试一次
func (c *SupplyCache) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	sha1, ok := c.scriptHashes[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := c.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return result, err
	}
	if err := c.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("重新加载脚本失败: %w", err)
	}
	c.mu.RLock()
	sha1 = c.scriptHashes[name]
	c.mu.RUnlock()
	return c.client.EvalSha(ctx, sha1, keys, args...).Result()
}

func supplyKey(tokenID uint64) string {
	return SupplyKey + strconv.FormatUint(tokenID, 10)
}

// GetSupply 读取缓存，第二个返回值表示是否命中
func (c *SupplyCache) GetSupply(ctx context.Context, tokenID uint64) (uint64, bool, error) {
	v, err := c.client.HGet(ctx, supplyKey(tokenID), "supply").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil // 缓存未命中
		}
		return 0, false, fmt.Errorf("获取供应量缓存失败: %w", err)
	}
	supply, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("解析供应量缓存失败: %w", err)
	}
	return supply, true, nil
}

// SetSupply 写入从账本读到的供应量，observedAt 早于已缓存值或最近一次失效时放弃写入并返回 false
func (c *SupplyCache) SetSupply(ctx context.Context, tokenID, supply uint64, observedAt time.Time) (bool, error) {
	args := []interface{}{supply, observedAt.UnixMilli(), c.ttl.Milliseconds()}
	result, err := c.evalScript(ctx, setSupplyScriptName, []string{supplyKey(tokenID)}, args...)
	if err != nil {
		return false, fmt.Errorf("执行供应量脚本失败: %w", err)
	}

	// 解析结果
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, fmt.Errorf("供应量脚本返回格式错误: %v", result)
	}
	status, ok := resultSlice[0].(int64)
	if !ok {
		return false, fmt.Errorf("供应量脚本状态格式错误: %v", resultSlice[0])
	}
	if status != 0 {
		c.logger.Debug("缓存中已有更新的供应量", zap.Uint64("tokenId", tokenID), zap.Any("cached", resultSlice[1]))
		return false, nil
	}
	return true, nil
}

// Invalidate 让供应量缓存失效。键上留下当前时间作为墓碑，
// 在此之前开始的刷新不会把旧值写回
func (c *SupplyCache) Invalidate(ctx context.Context, tokenID uint64) error {
	args := []interface{}{c.now().UnixMilli(), c.ttl.Milliseconds()}
	if _, err := c.evalScript(ctx, invalidateScriptName, []string{supplyKey(tokenID)}, args...); err != nil {
		return fmt.Errorf("失效供应量缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (c *SupplyCache) Close() error {
	return c.client.Close()
}
