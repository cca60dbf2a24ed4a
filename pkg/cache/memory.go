package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anycache/pkg/logger"
)

// MemoryCache 进程内内存缓存。条目与访问元数据都保存在进程内的表中，
// 进程重启后不保留任何状态。
//
// 互斥锁仅保护引擎自身的表结构；引擎按单进程、单写者场景设计，
// 跨实例的一致性不在保证范围内。
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]interface{}
	meta      *metadataTable
	config    Config
	hitCount  int64
	missCount int64
	log       *logrus.Entry
}

// NewMemoryCache 创建内存缓存引擎。
func NewMemoryCache(config Config) *MemoryCache {
	config = config.withDefaults()
	return &MemoryCache{
		entries: make(map[string]interface{}),
		meta:    newMetadataTable(),
		config:  config,
		log:     logger.WithComponent("cache.memory"),
	}
}

// Get 获取缓存值
func (mc *MemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	rec, exists := mc.meta.get(key)
	if !exists {
		mc.missCount++
		return nil, NewCacheError(ErrCacheMiss, "cache miss")
	}

	// 惰性过期删除
	if rec.expired(now) {
		mc.removeLocked(key)
		mc.missCount++
		return nil, NewCacheError(ErrCacheMiss, "cache expired")
	}

	mc.meta.touch(key, now)
	mc.hitCount++
	return mc.entries[key], nil
}

// Set 设置缓存值
func (mc *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl ...time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}

	now := time.Now()
	expireAt, err := computeExpiration(now, mc.config.DefaultTTL, ttl)
	if err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// 容量检查基于表中的条目数，与键是否已存在无关
	if mc.meta.size() >= mc.config.MaxSize {
		mc.evictLocked()
	}

	mc.entries[key] = value
	mc.meta.track(key, now, expireAt)
	return nil
}

// Delete 删除缓存值，返回是否确实删除了条目
func (mc *MemoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	_, exists := mc.entries[key]
	mc.removeLocked(key)
	return exists, nil
}

// Clear 清空缓存。命中/未命中计数在引擎生命周期内单调不减，不随清空重置。
func (mc *MemoryCache) Clear(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries = make(map[string]interface{})
	mc.meta.reset()
	return nil
}

// GetMultiple 批量获取，返回命中键到值的映射
func (mc *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string]interface{}, error) {
	if keys == nil {
		return nil, NewCacheError(ErrInvalidArgument, "keys must be a non-nil slice")
	}

	result := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		value, err := mc.Get(ctx, key)
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

// SetMultiple 批量设置，仅当全部写入成功时返回 true
func (mc *MemoryCache) SetMultiple(ctx context.Context, items map[string]interface{}, ttl ...time.Duration) (bool, error) {
	if items == nil {
		return false, NewCacheError(ErrInvalidArgument, "items must be a non-nil map")
	}

	// map 迭代顺序随机，按字典序应用以保证确定性
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ok := true
	var firstErr error
	for _, key := range keys {
		if err := mc.Set(ctx, key, items[key], ttl...); err != nil {
			ok = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return ok, firstErr
}

// DeleteMultiple 批量删除，仅当每个键都确实被删除时返回 true
func (mc *MemoryCache) DeleteMultiple(ctx context.Context, keys []string) (bool, error) {
	if keys == nil {
		return false, NewCacheError(ErrInvalidArgument, "keys must be a non-nil slice")
	}

	all := true
	for _, key := range keys {
		removed, err := mc.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		all = all && removed
	}
	return all, nil
}

// Has 判断存活条目是否存在，不影响指标与访问元数据
func (mc *MemoryCache) Has(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	rec, exists := mc.meta.get(key)
	if !exists {
		return false, nil
	}
	if rec.expired(time.Now()) {
		mc.removeLocked(key)
		return false, nil
	}
	return true, nil
}

// GetTTL 返回距过期的剩余时间
func (mc *MemoryCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	now := time.Now()
	rec, exists := mc.meta.get(key)
	if !exists || rec.expired(now) {
		return 0, NewCacheError(ErrCacheMiss, "cache miss")
	}
	return rec.ExpireAt.Sub(now), nil
}

// UpdateTTL 覆盖条目的过期时刻，不触碰值与访问元数据
func (mc *MemoryCache) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if ttl < 0 {
		return false, NewCacheError(ErrInvalidTTL, "ttl must be non-negative")
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	rec, exists := mc.meta.get(key)
	if !exists || rec.expired(now) {
		return false, nil
	}
	mc.meta.setExpire(key, now.Add(ttl))
	return true, nil
}

// Increment 对数值条目加 delta。键不存在时自动创建零值计数器并打上默认 TTL。
func (mc *MemoryCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	rec, exists := mc.meta.get(key)
	if !exists || rec.expired(now) {
		if exists {
			mc.removeLocked(key)
		}
		mc.entries[key] = delta
		mc.meta.track(key, now, now.Add(mc.config.DefaultTTL))
		return delta, nil
	}

	current, ok := toCounter(mc.entries[key])
	if !ok {
		return 0, NewCacheError(ErrNonNumericValue, "stored value is not numeric")
	}
	current += delta
	mc.entries[key] = current
	mc.meta.touch(key, now)
	return current, nil
}

// Decrement 对数值条目减 delta
func (mc *MemoryCache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return mc.Increment(ctx, key, -delta)
}

// Metrics 返回指标快照
func (mc *MemoryCache) Metrics(ctx context.Context) (Metrics, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	m := Metrics{
		HitCount:  mc.hitCount,
		MissCount: mc.missCount,
		ItemCount: mc.meta.liveCount(time.Now()),
	}
	if total := m.HitCount + m.MissCount; total > 0 {
		m.HitRatio = float64(m.HitCount) / float64(total)
	}
	return m, nil
}

// Close 关闭缓存。内存后端没有需要释放的资源。
func (mc *MemoryCache) Close() error {
	return nil
}

// evictLocked 按策略淘汰恰好一个条目。表为空时为空操作。
func (mc *MemoryCache) evictLocked() {
	victim, found := selectVictim(mc.config.Policy, mc.meta)
	if !found {
		return
	}
	mc.log.WithField("key", victim).Debug("evicting cache entry")
	mc.removeLocked(victim)
}

// removeLocked 条目与元数据在同一操作中移除，显式删除、淘汰与惰性过期共用此路径。
func (mc *MemoryCache) removeLocked(key string) {
	delete(mc.entries, key)
	mc.meta.remove(key)
}

var _ Cache = (*MemoryCache)(nil)
