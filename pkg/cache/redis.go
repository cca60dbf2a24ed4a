package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"anycache/pkg/logger"
)

// RedisClient 缓存引擎对 Redis 客户端能力的最小依赖集合。
// *redis.Client 直接满足该接口；连接管理与线上协议完全由注入的客户端负责。
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	ConfigSet(ctx context.Context, parameter, value string) *redis.StatusCmd
	Info(ctx context.Context, section ...string) *redis.StringCmd
}

// redisAccessRecord Redis 后端的访问元数据，以 JSON 存放在单独的 hash 字段中。
// 淘汰本身委托给服务端的 maxmemory-policy，元数据仅服务于指标与 TTL 观测。
type redisAccessRecord struct {
	LastAccess time.Time `json:"last_access"`
	Frequency  int64     `json:"frequency"`
}

// RedisCache Redis 缓存。条目以 JSON 在命名空间前缀下存储；构造时向服务端
// 下发一次与引擎策略等价的 maxmemory-policy 配置，此后容量淘汰完全由
// Redis 原生执行，引擎侧的淘汰逻辑是空操作。
//
// maxmemory-policy 是服务端全局配置：针对同一实例以不同策略构造多个引擎
// 时存在竞态，最后构造者生效。
//
// 单键操作的原子性继承自 Redis；命中/未命中计数取自服务端 INFO 统计
// （keyspace_hits / keyspace_misses），而非本地计数器。
type RedisCache struct {
	client    RedisClient
	config    Config
	namespace string
	log       *logrus.Entry
}

// NewRedisCache 创建 Redis 缓存引擎并下发一次原生淘汰策略配置。
func NewRedisCache(config Config) (*RedisCache, error) {
	config = config.withDefaults()
	if config.Client == nil {
		return nil, NewCacheError(ErrInvalidConfiguration, "redis backend requires an injected client")
	}

	rc := &RedisCache{
		client:    config.Client,
		config:    config,
		namespace: config.Namespace,
		log:       logger.WithComponent("cache.redis"),
	}

	// 一次性的构造期配置调用：让服务端以等价策略原生淘汰
	policy := config.Policy.maxmemoryPolicy()
	if err := rc.client.ConfigSet(context.Background(), "maxmemory-policy", policy).Err(); err != nil {
		return nil, fmt.Errorf("下发 maxmemory-policy 失败: %w", err)
	}
	rc.log.WithField("maxmemory_policy", policy).Debug("configured native eviction policy")

	return rc, nil
}

// Get 从 Redis 获取数据
func (rc *RedisCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	data, err := rc.client.Get(ctx, rc.dataKey(key)).Result()
	if err == redis.Nil {
		// 条目已被原生过期或淘汰移除，顺带清理残留的元数据字段
		rc.client.HDel(ctx, rc.metaKey(), key)
		return nil, NewCacheError(ErrCacheMiss, "cache miss")
	}
	if err != nil {
		return nil, fmt.Errorf("redis get 失败: %w", err)
	}

	var value interface{}
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return nil, fmt.Errorf("反序列化缓存值失败: %w", err)
	}

	if err := rc.touchMeta(ctx, key); err != nil {
		return nil, err
	}
	return value, nil
}

// Set 向 Redis 写入数据并重置访问元数据。
// TTL 为 0 的写入等价于条目立即过期：删除既有条目而不是写入一个永不过期的键。
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl ...time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}

	d, err := resolveTTL(rc.config.DefaultTTL, ttl)
	if err != nil {
		return err
	}
	if d == 0 {
		// Redis 的零过期时间表示永不过期，与契约相反
		if err := rc.client.Del(ctx, rc.dataKey(key)).Err(); err != nil {
			return fmt.Errorf("redis del 失败: %w", err)
		}
		return rc.client.HDel(ctx, rc.metaKey(), key).Err()
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败: %w", err)
	}

	if err := rc.client.Set(ctx, rc.dataKey(key), string(data), d).Err(); err != nil {
		return fmt.Errorf("redis set 失败: %w", err)
	}
	return rc.writeMeta(ctx, key, redisAccessRecord{LastAccess: time.Now(), Frequency: 1})
}

// Delete 从 Redis 删除数据，返回是否确实删除了条目
func (rc *RedisCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	removed, err := rc.client.Del(ctx, rc.dataKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del 失败: %w", err)
	}
	if err := rc.client.HDel(ctx, rc.metaKey(), key).Err(); err != nil {
		return false, fmt.Errorf("redis hdel 失败: %w", err)
	}
	return removed > 0, nil
}

// Clear 删除命名空间下的全部条目与元数据
func (rc *RedisCache) Clear(ctx context.Context) error {
	keys, err := rc.client.Keys(ctx, rc.dataKeyPattern()).Result()
	if err != nil {
		return fmt.Errorf("redis keys 失败: %w", err)
	}
	keys = append(keys, rc.metaKey())
	return rc.client.Del(ctx, keys...).Err()
}

// GetMultiple 批量获取，返回命中键到值的映射
func (rc *RedisCache) GetMultiple(ctx context.Context, keys []string) (map[string]interface{}, error) {
	if keys == nil {
		return nil, NewCacheError(ErrInvalidArgument, "keys must be a non-nil slice")
	}

	result := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		value, err := rc.Get(ctx, key)
		if err != nil {
			if IsCode(err, ErrCacheMiss) {
				continue
			}
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

// SetMultiple 批量设置，仅当全部写入成功时返回 true。
// 跨键不具备原子性：部分键成功、后续键失败是可能的。
func (rc *RedisCache) SetMultiple(ctx context.Context, items map[string]interface{}, ttl ...time.Duration) (bool, error) {
	if items == nil {
		return false, NewCacheError(ErrInvalidArgument, "items must be a non-nil map")
	}

	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ok := true
	var firstErr error
	for _, key := range keys {
		if err := rc.Set(ctx, key, items[key], ttl...); err != nil {
			ok = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return ok, firstErr
}

// DeleteMultiple 批量删除，仅当每个键都确实被删除时返回 true
func (rc *RedisCache) DeleteMultiple(ctx context.Context, keys []string) (bool, error) {
	if keys == nil {
		return false, NewCacheError(ErrInvalidArgument, "keys must be a non-nil slice")
	}

	all := true
	for _, key := range keys {
		removed, err := rc.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		all = all && removed
	}
	return all, nil
}

// Has 判断存活条目是否存在。过期由 Redis 原生处理，不影响指标与元数据。
func (rc *RedisCache) Has(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	n, err := rc.client.Exists(ctx, rc.dataKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists 失败: %w", err)
	}
	if n == 0 {
		// 清理原生移除后残留的元数据字段
		rc.client.HDel(ctx, rc.metaKey(), key)
		return false, nil
	}
	return true, nil
}

// GetTTL 返回距过期的剩余时间
func (rc *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	d, err := rc.client.PTTL(ctx, rc.dataKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl 失败: %w", err)
	}
	if d < 0 {
		// -2 键不存在；-1 无过期时间（不应出现在本引擎写入的键上）
		return 0, NewCacheError(ErrCacheMiss, "cache miss")
	}
	return d, nil
}

// UpdateTTL 覆盖条目的过期时刻，不触碰值与访问元数据
func (rc *RedisCache) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if ttl < 0 {
		return false, NewCacheError(ErrInvalidTTL, "ttl must be non-negative")
	}

	if ttl == 0 {
		removed, err := rc.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		return removed, nil
	}

	ok, err := rc.client.Expire(ctx, rc.dataKey(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire 失败: %w", err)
	}
	return ok, nil
}

// Increment 以 INCRBY 原子加 delta。键不存在时 Redis 自动创建零值计数器，
// 引擎随后为其补上默认 TTL。
func (rc *RedisCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	value, err := rc.client.IncrBy(ctx, rc.dataKey(key), delta).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, WrapCacheError(ErrNonNumericValue, "stored value is not numeric", err)
		}
		return 0, fmt.Errorf("redis incrby 失败: %w", err)
	}

	// INCRBY 自动创建的键没有过期时间，补上默认 TTL
	d, err := rc.client.PTTL(ctx, rc.dataKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl 失败: %w", err)
	}
	if d == -1 {
		if err := rc.client.Expire(ctx, rc.dataKey(key), rc.config.DefaultTTL).Err(); err != nil {
			return 0, fmt.Errorf("redis expire 失败: %w", err)
		}
	}

	if err := rc.touchMeta(ctx, key); err != nil {
		return 0, err
	}
	return value, nil
}

// Decrement 以 INCRBY 负步长原子减 delta
func (rc *RedisCache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return rc.Increment(ctx, key, -delta)
}

// Metrics 返回指标快照。命中/未命中取自服务端 INFO stats，
// 存活条目数按 data 子前缀下的键数统计。
func (rc *RedisCache) Metrics(ctx context.Context) (Metrics, error) {
	info, err := rc.client.Info(ctx, "stats").Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("redis info 失败: %w", err)
	}

	m := Metrics{
		HitCount:  parseInfoCounter(info, "keyspace_hits"),
		MissCount: parseInfoCounter(info, "keyspace_misses"),
	}
	if total := m.HitCount + m.MissCount; total > 0 {
		m.HitRatio = float64(m.HitCount) / float64(total)
	}

	keys, err := rc.client.Keys(ctx, rc.dataKeyPattern()).Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("redis keys 失败: %w", err)
	}
	m.ItemCount = int64(len(keys))
	return m, nil
}

// Close 关闭缓存。注入的客户端由调用方持有并负责关闭。
func (rc *RedisCache) Close() error {
	return nil
}

// dataKey 条目在命名空间下的存储键。条目键位于独立的 data 子前缀下，
// 与元数据 hash 的键空间互不重叠，用户键可以取任意名字（包括 "metadata"）。
func (rc *RedisCache) dataKey(key string) string {
	return rc.namespace + ":data:" + key
}

// dataKeyPattern 匹配命名空间下全部条目键的通配模式
func (rc *RedisCache) dataKeyPattern() string {
	return rc.namespace + ":data:*"
}

// metaKey 命名空间下承载访问元数据的 hash 键
func (rc *RedisCache) metaKey() string {
	return rc.namespace + ":metadata"
}

// touchMeta 刷新访问元数据：频率加一、更新最后访问时间；字段不存在时创建
func (rc *RedisCache) touchMeta(ctx context.Context, key string) error {
	rec := redisAccessRecord{LastAccess: time.Now(), Frequency: 1}
	raw, err := rc.client.HGet(ctx, rc.metaKey(), key).Result()
	if err == nil {
		var prev redisAccessRecord
		if jsonErr := json.Unmarshal([]byte(raw), &prev); jsonErr == nil {
			rec.Frequency = prev.Frequency + 1
		}
	} else if err != redis.Nil {
		return fmt.Errorf("redis hget 失败: %w", err)
	}
	return rc.writeMeta(ctx, key, rec)
}

// writeMeta 写入单个键的访问元数据字段
func (rc *RedisCache) writeMeta(ctx context.Context, key string, rec redisAccessRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化元数据失败: %w", err)
	}
	if err := rc.client.HSet(ctx, rc.metaKey(), key, string(data)).Err(); err != nil {
		return fmt.Errorf("redis hset 失败: %w", err)
	}
	return nil
}

// parseInfoCounter 从 INFO 输出中提取一个整数计数器
func parseInfoCounter(info, field string) int64 {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, field+":") {
			n, err := strconv.ParseInt(strings.TrimPrefix(line, field+":"), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

var _ Cache = (*RedisCache)(nil)
