package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryCache(maxSize int64, policy PolicyType) *MemoryCache {
	return NewMemoryCache(Config{
		DefaultTTL: 5 * time.Minute,
		MaxSize:    maxSize,
		Policy:     policy,
	})
}

// 测试基本的Set/Get/Delete操作
func TestMemoryCache_BasicOperations(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	err := cache.Set(ctx, "key1", "value1")
	assert.NoError(t, err)

	value, err := cache.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	// 不存在的键
	_, err = cache.Get(ctx, "nonexistent")
	assert.Error(t, err)
	assert.True(t, IsCode(err, ErrCacheMiss))

	// 同键覆盖写入
	err = cache.Set(ctx, "key1", "value2")
	assert.NoError(t, err)
	value, err = cache.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value2", value)
}

// 测试空键校验
func TestMemoryCache_InvalidKey(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	_, err := cache.Get(ctx, "")
	assert.True(t, IsCode(err, ErrInvalidKey))

	err = cache.Set(ctx, "", "value")
	assert.True(t, IsCode(err, ErrInvalidKey))

	_, err = cache.Delete(ctx, "")
	assert.True(t, IsCode(err, ErrInvalidKey))

	_, err = cache.Increment(ctx, "", 1)
	assert.True(t, IsCode(err, ErrInvalidKey))
}

// 测试删除的幂等性：第一次返回true，第二次返回false
func TestMemoryCache_DeleteIdempotence(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))

	removed, err := cache.Delete(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, removed)

	removed, err = cache.Delete(ctx, "key1")
	assert.NoError(t, err)
	assert.False(t, removed)
}

// TestMemoryCache_TTL 过期条目在Get时被惰性删除
func TestMemoryCache_TTL(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	err := cache.Set(ctx, "key1", "value1", 30*time.Millisecond)
	require.NoError(t, err)

	value, err := cache.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	time.Sleep(40 * time.Millisecond)

	_, err = cache.Get(ctx, "key1")
	assert.Error(t, err)
	assert.True(t, IsCode(err, ErrCacheMiss))

	// 验证条目与元数据已在Get中被同步删除
	cache.mu.RLock()
	_, entryExists := cache.entries["key1"]
	_, metaExists := cache.meta.get("key1")
	cache.mu.RUnlock()
	assert.False(t, entryExists)
	assert.False(t, metaExists)
}

// TTL为0的条目在下一次检查时即不存在
func TestMemoryCache_ZeroTTL(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	err := cache.Set(ctx, "key1", "value1", 0)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	exists, err := cache.Has(ctx, "key1")
	assert.NoError(t, err)
	assert.False(t, exists)
}

// 负TTL返回InvalidTTL错误
func TestMemoryCache_InvalidTTL(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	err := cache.Set(context.Background(), "key1", "value1", -time.Second)
	assert.True(t, IsCode(err, ErrInvalidTTL))
}

// Has不影响命中/未命中计数与访问元数据
func TestMemoryCache_Has(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))

	exists, err := cache.Has(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = cache.Has(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, exists)

	m, err := cache.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.HitCount)
	assert.Equal(t, int64(0), m.MissCount)

	rec, ok := cache.meta.get("key1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Frequency, "Has must not touch metadata")
}

// 测试GetTTL与UpdateTTL
func TestMemoryCache_TTLIntrospection(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1", time.Hour))

	remaining, err := cache.GetTTL(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, remaining > 59*time.Minute && remaining <= time.Hour)

	// 覆盖过期时刻，不触碰元数据
	before, _ := cache.meta.get("key1")
	freqBefore := before.Frequency
	ok, err := cache.UpdateTTL(ctx, "key1", time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)

	remaining, err = cache.GetTTL(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, remaining <= time.Minute)

	after, _ := cache.meta.get("key1")
	assert.Equal(t, freqBefore, after.Frequency)

	// 不存在的键返回false
	ok, err = cache.UpdateTTL(ctx, "missing", time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = cache.GetTTL(ctx, "missing")
	assert.True(t, IsCode(err, ErrCacheMiss))

	// 负TTL非法
	_, err = cache.UpdateTTL(ctx, "key1", -time.Second)
	assert.True(t, IsCode(err, ErrInvalidTTL))
}

// 测试指标一致性：hit+miss 等于 Get 的调用次数
func TestMemoryCache_Metrics(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	m, err := cache.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.HitCount)
	assert.Equal(t, int64(0), m.MissCount)
	assert.Equal(t, float64(0), m.HitRatio)
	assert.Equal(t, int64(0), m.ItemCount)

	require.NoError(t, cache.Set(ctx, "key1", "value1"))
	require.NoError(t, cache.Set(ctx, "key2", "value2"))

	cache.Get(ctx, "key1") // hit
	cache.Get(ctx, "key1") // hit
	cache.Get(ctx, "key3") // miss

	m, err = cache.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.HitCount)
	assert.Equal(t, int64(1), m.MissCount)
	assert.InDelta(t, 2.0/3.0, m.HitRatio, 1e-9)
	assert.Equal(t, int64(2), m.ItemCount)
}

// Clear清空条目但保留命中/未命中计数
func TestMemoryCache_Clear(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))
	cache.Get(ctx, "key1")
	cache.Get(ctx, "missing")

	err := cache.Clear(ctx)
	assert.NoError(t, err)

	m, err := cache.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.ItemCount)
	assert.Equal(t, int64(1), m.HitCount, "counters are monotonic across Clear")
	assert.Equal(t, int64(1), m.MissCount)

	_, err = cache.Get(ctx, "key1")
	assert.True(t, IsCode(err, ErrCacheMiss))
}

// 容量不变量：任意Set序列后存活条目数不超过MaxSize
func TestMemoryCache_CapacityInvariant(t *testing.T) {
	cache := newTestMemoryCache(5, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("key%d", i), i))
	}

	m, err := cache.Metrics(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, m.ItemCount, int64(5))
}

// LRU场景：maxSize=2，set(a) set(b) get(a) set(c) 后 b 被淘汰
func TestMemoryCache_LRUEviction(t *testing.T) {
	cache := newTestMemoryCache(2, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", 1))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cache.Set(ctx, "b", 2))
	time.Sleep(5 * time.Millisecond)

	_, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cache.Set(ctx, "c", 3))

	hasB, _ := cache.Has(ctx, "b")
	hasA, _ := cache.Has(ctx, "a")
	hasC, _ := cache.Has(ctx, "c")
	assert.False(t, hasB, "least recently accessed entry must be evicted")
	assert.True(t, hasA)
	assert.True(t, hasC)
}

// LFU场景：高频条目永不被淘汰，平局时淘汰最早被跟踪的键
func TestMemoryCache_LFUEviction(t *testing.T) {
	cache := newTestMemoryCache(3, PolicyLFU)
	defer cache.Close()

	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", 1))
	require.NoError(t, cache.Set(ctx, "b", 2))
	require.NoError(t, cache.Set(ctx, "c", 3))

	// a 的频率升至 5，b 与 c 保持 1（平局，b 先被跟踪）
	for i := 0; i < 4; i++ {
		_, err := cache.Get(ctx, "a")
		require.NoError(t, err)
	}

	require.NoError(t, cache.Set(ctx, "d", 4))

	hasA, _ := cache.Has(ctx, "a")
	hasB, _ := cache.Has(ctx, "b")
	hasC, _ := cache.Has(ctx, "c")
	assert.True(t, hasA, "frequently accessed entry must survive")
	assert.False(t, hasB, "tie-break evicts the first tracked key")
	assert.True(t, hasC)
}

// 容量检查与键是否已存在无关：覆盖写入同样触发淘汰
func TestMemoryCache_EvictionOnOverwrite(t *testing.T) {
	cache := newTestMemoryCache(2, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", 1))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cache.Set(ctx, "b", 2))
	time.Sleep(5 * time.Millisecond)

	// 表已满，覆盖 b 仍然先淘汰一个（a 最久未访问）
	require.NoError(t, cache.Set(ctx, "b", 20))

	hasA, _ := cache.Has(ctx, "a")
	assert.False(t, hasA)

	value, err := cache.Get(ctx, "b")
	assert.NoError(t, err)
	assert.Equal(t, 20, value)
}

// 批量操作往返：SetMultiple后GetMultiple返回全部键值
func TestMemoryCache_BulkRoundTrip(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	ok, err := cache.SetMultiple(ctx, map[string]interface{}{"a": 1, "b": 2})
	assert.NoError(t, err)
	assert.True(t, ok)

	result, err := cache.GetMultiple(ctx, []string{"a", "b", "missing"})
	assert.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, result)

	all, err := cache.DeleteMultiple(ctx, []string{"a", "b"})
	assert.NoError(t, err)
	assert.True(t, all)

	// 已删除的键使聚合结果为false
	all, err = cache.DeleteMultiple(ctx, []string{"a"})
	assert.NoError(t, err)
	assert.False(t, all)
}

// nil输入返回InvalidArgument
func TestMemoryCache_BulkInvalidArgument(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	_, err := cache.GetMultiple(ctx, nil)
	assert.True(t, IsCode(err, ErrInvalidArgument))

	_, err = cache.SetMultiple(ctx, nil)
	assert.True(t, IsCode(err, ErrInvalidArgument))

	_, err = cache.DeleteMultiple(ctx, nil)
	assert.True(t, IsCode(err, ErrInvalidArgument))
}

// 测试计数器操作：自动创建、递增递减、非数值错误
func TestMemoryCache_IncrementDecrement(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	// 不存在的键自动创建零值计数器
	n, err := cache.Increment(ctx, "counter", 5)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = cache.Increment(ctx, "counter", 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(8), n)

	n, err = cache.Decrement(ctx, "counter", 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), n)

	// 自动创建的计数器带默认TTL
	remaining, err := cache.GetTTL(ctx, "counter")
	assert.NoError(t, err)
	assert.True(t, remaining > 0)

	// 非数值条目
	require.NoError(t, cache.Set(ctx, "text", "hello"))
	_, err = cache.Increment(ctx, "text", 1)
	assert.True(t, IsCode(err, ErrNonNumericValue))
}

// 计数操作刷新访问元数据
func TestMemoryCache_IncrementTouchesMetadata(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "counter", 0))

	_, err := cache.Increment(ctx, "counter", 1)
	require.NoError(t, err)

	rec, ok := cache.meta.get("counter")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Frequency)
}

// 测试GetOrDefault辅助函数
func TestGetOrDefault(t *testing.T) {
	cache := newTestMemoryCache(100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))

	value, err := GetOrDefault(ctx, cache, "key1", "fallback")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	value, err = GetOrDefault(ctx, cache, "missing", "fallback")
	assert.NoError(t, err)
	assert.Equal(t, "fallback", value)

	// 非未命中错误原样返回
	_, err = GetOrDefault(ctx, cache, "", "fallback")
	assert.True(t, IsCode(err, ErrInvalidKey))
}

// 测试toCounter的数值判定
func TestToCounter(t *testing.T) {
	n, ok := toCounter(42)
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	n, ok = toCounter(float64(7))
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	_, ok = toCounter(float64(7.5))
	assert.False(t, ok)

	_, ok = toCounter("42")
	assert.False(t, ok)
}

// MemoryCache基准测试
func BenchmarkMemoryCache_Set(b *testing.B) {
	cache := newTestMemoryCache(100000, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Set(ctx, fmt.Sprintf("key%d", i), i)
	}
}

func BenchmarkMemoryCache_Get(b *testing.B) {
	cache := newTestMemoryCache(100000, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		cache.Set(ctx, fmt.Sprintf("key%d", i), i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get(ctx, fmt.Sprintf("key%d", i%1000))
	}
}
