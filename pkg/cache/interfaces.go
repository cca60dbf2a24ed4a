// Package cache 提供存储无关的键值缓存抽象：统一的读写/批量/指标契约，
// 由内存、文件和 Redis 三种可互换的后端实现，支持 TTL 过期与 LRU/LFU 容量淘汰。
package cache

import (
	"context"
	"time"
)

// Cache 定义了所有缓存后端都必须遵循的统一接口。
//
// TTL 参数为可变参数：省略时使用引擎的默认 TTL；显式传 0 表示条目在
// 下一次读取时即视为过期（退化但合法）；负值返回 INVALID_TTL 错误。
//
// Increment/Decrement 对不存在的键统一自动创建一个零值计数器并打上默认
// TTL（三种后端行为一致，Redis 的 INCRBY 原生如此）。
type Cache interface {
	// Get 根据键检索一个存活条目；未命中或已过期时返回 CACHE_MISS 错误，
	// 过期条目作为副作用被惰性删除。命中会刷新访问元数据。
	Get(ctx context.Context, key string) (interface{}, error)
	// Set 写入一个键值对并重置其访问元数据（频率归 1）。
	// 当存活条目数已达容量上限时，先按淘汰策略移除恰好一个条目。
	Set(ctx context.Context, key string, value interface{}, ttl ...time.Duration) error
	// Delete 删除条目及其元数据，返回是否确实删除了一个条目。
	Delete(ctx context.Context, key string) (bool, error)
	// Clear 无条件清空所有条目与元数据。命中/未命中计数保持不变。
	Clear(ctx context.Context) error
	// GetMultiple 按输入顺序逐键执行 Get，返回命中键到值的映射；
	// 未命中的键不出现在结果中（但照常计入未命中）。
	GetMultiple(ctx context.Context, keys []string) (map[string]interface{}, error)
	// SetMultiple 按键的字典序逐个执行 Set；仅当全部写入成功时返回 true。
	SetMultiple(ctx context.Context, items map[string]interface{}, ttl ...time.Duration) (bool, error)
	// DeleteMultiple 按输入顺序逐键执行 Delete；仅当每个键都确实被删除时返回 true。
	DeleteMultiple(ctx context.Context, keys []string) (bool, error)
	// Has 判断是否存在存活条目，带与 Get 相同的惰性过期删除副作用；
	// 不影响指标与访问元数据。
	Has(ctx context.Context, key string) (bool, error)
	// GetTTL 返回距过期的剩余时间；条目不存在或已过期时返回 CACHE_MISS 错误。
	GetTTL(ctx context.Context, key string) (time.Duration, error)
	// UpdateTTL 重新计算并覆盖条目的过期时刻，不触碰值与访问元数据；
	// 键不存在时返回 false。
	UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Increment 原子地对数值条目加 delta 并返回新值；
	// 存量值不是整数时返回 NON_NUMERIC_VALUE 错误。
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// Decrement 原子地对数值条目减 delta 并返回新值。
	Decrement(ctx context.Context, key string, delta int64) (int64, error)
	// Metrics 返回只读的指标快照，无副作用。
	Metrics(ctx context.Context) (Metrics, error)
	// Close 释放后端持有的资源。
	Close() error
}

// Metrics 缓存运行指标快照。
type Metrics struct {
	HitCount  int64   `json:"hit_count"`  // 命中次数
	MissCount int64   `json:"miss_count"` // 未命中次数
	HitRatio  float64 `json:"hit_ratio"`  // 命中率，无请求时为 0
	ItemCount int64   `json:"item_count"` // 当前存活条目数
}

// Config 缓存引擎构造配置，构造后不可变。
type Config struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"` // 默认生存时间，零值时取 1 小时
	MaxSize    int64         `mapstructure:"max_size"`    // 最大存活条目数，零值时取 100
	Policy     PolicyType    `mapstructure:"policy"`      // 淘汰策略，零值时取 LRU

	// file 后端专用
	Dir        string `mapstructure:"dir"`         // 缓存根目录（必填）
	FilePrefix string `mapstructure:"file_prefix"` // 条目文件前缀

	// redis 后端专用
	Client    RedisClient `mapstructure:"-"`         // 注入的 Redis 客户端（必填）
	Namespace string      `mapstructure:"namespace"` // 键前缀命名空间
}

const (
	// DefaultTTL 未配置时的默认生存时间
	DefaultTTL = time.Hour
	// DefaultMaxSize 未配置时的默认容量
	DefaultMaxSize = 100
	// DefaultFilePrefix file 后端的默认条目文件前缀
	DefaultFilePrefix = "anycache_"
	// DefaultNamespace redis 后端的默认键命名空间
	DefaultNamespace = "anycache"
)

// withDefaults 填充零值字段的默认值。
func (c Config) withDefaults() Config {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Policy == "" {
		c.Policy = PolicyLRU
	}
	if c.FilePrefix == "" {
		c.FilePrefix = DefaultFilePrefix
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	return c
}

// GetOrDefault 是 Get 的带默认值形式：未命中时返回 def 而不是错误，
// 其他错误原样返回。
func GetOrDefault(ctx context.Context, c Cache, key string, def interface{}) (interface{}, error) {
	value, err := c.Get(ctx, key)
	if err != nil {
		if IsCode(err, ErrCacheMiss) {
			return def, nil
		}
		return nil, err
	}
	return value, nil
}

// checkKey 校验缓存键：空键非法。
func checkKey(key string) error {
	if key == "" {
		return NewCacheError(ErrInvalidKey, "cache key must be a non-empty string")
	}
	return nil
}

// toCounter 将存量值解释为整数计数器。
// file 后端经 JSON 往返后数值以 float64 出现，仅接受无小数部分的浮点值。
func toCounter(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		if v == float32(int64(v)) {
			return int64(v), true
		}
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}
