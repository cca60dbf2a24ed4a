package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileCache(t *testing.T, dir string, maxSize int64, policy PolicyType) *FileCache {
	t.Helper()
	cache, err := NewFileCache(Config{
		DefaultTTL: 5 * time.Minute,
		MaxSize:    maxSize,
		Policy:     policy,
		Dir:        dir,
	})
	require.NoError(t, err)
	return cache
}

// 测试基本的Set/Get/Delete操作
func TestFileCache_BasicOperations(t *testing.T) {
	cache := newTestFileCache(t, t.TempDir(), 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	err := cache.Set(ctx, "key1", "value1")
	assert.NoError(t, err)

	value, err := cache.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	_, err = cache.Get(ctx, "nonexistent")
	assert.True(t, IsCode(err, ErrCacheMiss))

	removed, err := cache.Delete(ctx, "key1")
	assert.NoError(t, err)
	assert.True(t, removed)

	removed, err = cache.Delete(ctx, "key1")
	assert.NoError(t, err)
	assert.False(t, removed)
}

// 每个条目对应目录下一个独立文件，元数据在边车文件中
func TestFileCache_Layout(t *testing.T) {
	dir := t.TempDir()
	cache := newTestFileCache(t, dir, 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))
	require.NoError(t, cache.Set(ctx, "key2", "value2"))

	entries, err := filepath.Glob(filepath.Join(dir, DefaultFilePrefix+"*.json"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = os.Stat(filepath.Join(dir, metadataFileName))
	assert.NoError(t, err, "metadata sidecar must exist after a mutation")
}

// 条目在进程重启（重新构造）后仍然可见
func TestFileCache_Persistence(t *testing.T) {
	dir := t.TempDir()

	cache := newTestFileCache(t, dir, 100, PolicyLRU)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1", time.Hour))
	require.NoError(t, cache.Set(ctx, "gone", "value2", 10*time.Millisecond))
	require.NoError(t, cache.Close())

	time.Sleep(20 * time.Millisecond)

	// 重新构造：存活条目载入，过期条目连同文件被清理
	reopened := newTestFileCache(t, dir, 100, PolicyLRU)
	defer reopened.Close()

	value, err := reopened.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	_, err = reopened.Get(ctx, "gone")
	assert.True(t, IsCode(err, ErrCacheMiss))

	_, statErr := os.Stat(reopened.entryPath("gone"))
	assert.True(t, os.IsNotExist(statErr), "expired entry file must be removed on load")
}

// 访问元数据随元数据文件持久化：重启后频率延续
func TestFileCache_MetadataPersistence(t *testing.T) {
	dir := t.TempDir()

	cache := newTestFileCache(t, dir, 100, PolicyLRU)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1", time.Hour))
	_, err := cache.Get(ctx, "key1")
	require.NoError(t, err)
	require.NoError(t, cache.Close())

	reopened := newTestFileCache(t, dir, 100, PolicyLRU)
	defer reopened.Close()

	rec, ok := reopened.meta.get("key1")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Frequency)
}

// 过期条目在Get时被惰性删除，条目文件一并移除
func TestFileCache_TTL(t *testing.T) {
	cache := newTestFileCache(t, t.TempDir(), 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1", 30*time.Millisecond))

	time.Sleep(40 * time.Millisecond)

	_, err := cache.Get(ctx, "key1")
	assert.True(t, IsCode(err, ErrCacheMiss))

	_, statErr := os.Stat(cache.entryPath("key1"))
	assert.True(t, os.IsNotExist(statErr))
}

// Clear删除全部条目文件并重写空元数据
func TestFileCache_Clear(t *testing.T) {
	dir := t.TempDir()
	cache := newTestFileCache(t, dir, 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))
	require.NoError(t, cache.Set(ctx, "key2", "value2"))

	require.NoError(t, cache.Clear(ctx))

	entries, err := filepath.Glob(filepath.Join(dir, DefaultFilePrefix+"*.json"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	m, err := cache.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.ItemCount)
}

// LRU淘汰在文件后端同样生效
func TestFileCache_LRUEviction(t *testing.T) {
	cache := newTestFileCache(t, t.TempDir(), 2, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", "1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cache.Set(ctx, "b", "2"))
	time.Sleep(5 * time.Millisecond)

	_, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cache.Set(ctx, "c", "3"))

	hasB, _ := cache.Has(ctx, "b")
	hasA, _ := cache.Has(ctx, "a")
	hasC, _ := cache.Has(ctx, "c")
	assert.False(t, hasB)
	assert.True(t, hasA)
	assert.True(t, hasC)

	// 被淘汰条目的文件也被移除
	_, statErr := os.Stat(cache.entryPath("b"))
	assert.True(t, os.IsNotExist(statErr))
}

// 计数器经JSON往返后仍可递增；非数值条目报错
func TestFileCache_IncrementDecrement(t *testing.T) {
	cache := newTestFileCache(t, t.TempDir(), 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	n, err := cache.Increment(ctx, "counter", 5)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// 通过Set写入的整数经JSON读回为float64，仍被接受
	require.NoError(t, cache.Set(ctx, "counter2", 10))
	n, err = cache.Increment(ctx, "counter2", 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(11), n)

	n, err = cache.Decrement(ctx, "counter", 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, cache.Set(ctx, "text", "hello"))
	_, err = cache.Increment(ctx, "text", 1)
	assert.True(t, IsCode(err, ErrNonNumericValue))
}

// 批量操作往返
func TestFileCache_BulkRoundTrip(t *testing.T) {
	cache := newTestFileCache(t, t.TempDir(), 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()

	ok, err := cache.SetMultiple(ctx, map[string]interface{}{"a": "1", "b": "2"})
	assert.NoError(t, err)
	assert.True(t, ok)

	result, err := cache.GetMultiple(ctx, []string{"a", "b", "missing"})
	assert.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": "1", "b": "2"}, result)
}

// 缺少目录配置时构造失败
func TestFileCache_MissingDir(t *testing.T) {
	_, err := NewFileCache(Config{})
	assert.Error(t, err)
	assert.True(t, IsCode(err, ErrInvalidConfiguration))
}

// 指标在文件后端为进程生命周期计数
func TestFileCache_Metrics(t *testing.T) {
	cache := newTestFileCache(t, t.TempDir(), 100, PolicyLRU)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key1", "value1"))

	cache.Get(ctx, "key1")   // hit
	cache.Get(ctx, "absent") // miss

	m, err := cache.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.HitCount)
	assert.Equal(t, int64(1), m.MissCount)
	assert.Equal(t, 0.5, m.HitRatio)
	assert.Equal(t, int64(1), m.ItemCount)
}
