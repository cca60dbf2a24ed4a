package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anycache/pkg/logger"
)

// metadataFileName 访问元数据边车文件名，每次变更操作后整体重写。
const metadataFileName = "metadata.json"

// FileCache 文件缓存。每个条目序列化为目录下一个独立文件，文件名由键的
// SHA-256 哈希确定；访问元数据持久化在单独的 metadata.json 中，构造时载入、
// 每次变更操作后整体重写（因此 Set/Delete 都是两次磁盘 I/O，两者都成功
// 操作才算成功）。条目在进程重启后仍然可见。
//
// 引擎按单进程使用设计：多个进程共享同一目录时，对条目文件和元数据文件的
// 读-改-写没有跨进程保护，这是文档化的使用限制而非保证。
type FileCache struct {
	mu        sync.RWMutex
	config    Config
	dir       string
	meta      *metadataTable
	hitCount  int64
	missCount int64
	log       *logrus.Entry
}

// NewFileCache 创建文件缓存引擎。目录不存在时自动创建；
// 已存在的元数据被载入，其中已过期的条目连同条目文件一并清理。
func NewFileCache(config Config) (*FileCache, error) {
	config = config.withDefaults()
	if config.Dir == "" {
		return nil, NewCacheError(ErrInvalidConfiguration, "file backend requires a cache directory")
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	fc := &FileCache{
		config: config,
		dir:    config.Dir,
		meta:   newMetadataTable(),
		log:    logger.WithComponent("cache.file"),
	}

	if err := fc.loadMetadata(); err != nil {
		return nil, fmt.Errorf("加载缓存元数据失败: %w", err)
	}

	return fc, nil
}

// Get 从文件缓存获取数据
func (fc *FileCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	now := time.Now()
	rec, exists := fc.meta.get(key)
	if !exists {
		fc.missCount++
		return nil, NewCacheError(ErrCacheMiss, "cache miss")
	}

	// 惰性过期删除：条目文件与元数据记录同步移除
	if rec.expired(now) {
		fc.removeLocked(key)
		fc.missCount++
		if err := fc.saveMetadataLocked(); err != nil {
			return nil, err
		}
		return nil, NewCacheError(ErrCacheMiss, "cache expired")
	}

	value, err := fc.readEntry(key)
	if err != nil {
		return nil, err
	}

	fc.meta.touch(key, now)
	fc.hitCount++
	if err := fc.saveMetadataLocked(); err != nil {
		return nil, err
	}
	return value, nil
}

// Set 向文件缓存写入数据：先写条目文件，再整体重写元数据文件
func (fc *FileCache) Set(ctx context.Context, key string, value interface{}, ttl ...time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}

	now := time.Now()
	expireAt, err := computeExpiration(now, fc.config.DefaultTTL, ttl)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败: %w", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	// 容量检查基于表中的条目数，与键是否已存在无关
	if fc.meta.size() >= fc.config.MaxSize {
		fc.evictLocked()
	}

	if err := writeFileAtomic(fc.entryPath(key), data); err != nil {
		return fmt.Errorf("写入条目文件失败: %w", err)
	}

	fc.meta.track(key, now, expireAt)
	return fc.saveMetadataLocked()
}

// Delete 从文件缓存删除数据，返回是否确实删除了条目
func (fc *FileCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	_, exists := fc.meta.get(key)
	if !exists {
		return false, nil
	}
	fc.removeLocked(key)
	if err := fc.saveMetadataLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Clear 删除目录下所有符合命名约定的条目文件并重写空的元数据文件。
// 命中/未命中计数保持不变。
func (fc *FileCache) Clear(ctx context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	pattern := filepath.Join(fc.dir, fc.config.FilePrefix+"*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("枚举条目文件失败: %w", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("删除条目文件失败: %w", err)
		}
	}

	fc.meta.reset()
	return fc.saveMetadataLocked()
}

// GetMultiple 批量获取，返回命中键到值的映射
func (fc *FileCache) GetMultiple(ctx context.Context, keys []string) (map[string]interface{}, error) {
	if keys == nil {
		return nil, NewCacheError(ErrInvalidArgument, "keys must be a non-nil slice")
	}

	result := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		value, err := fc.Get(ctx, key)
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
func (fc *FileCache) SetMultiple(ctx context.Context, items map[string]interface{}, ttl ...time.Duration) (bool, error) {
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
		if err := fc.Set(ctx, key, items[key], ttl...); err != nil {
			ok = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return ok, firstErr
}

// DeleteMultiple 批量删除，仅当每个键都确实被删除时返回 true
func (fc *FileCache) DeleteMultiple(ctx context.Context, keys []string) (bool, error) {
	if keys == nil {
		return false, NewCacheError(ErrInvalidArgument, "keys must be a non-nil slice")
	}

	all := true
	for _, key := range keys {
		removed, err := fc.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		all = all && removed
	}
	return all, nil
}

// Has 判断存活条目是否存在，带惰性过期删除副作用
func (fc *FileCache) Has(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	rec, exists := fc.meta.get(key)
	if !exists {
		return false, nil
	}
	if rec.expired(time.Now()) {
		fc.removeLocked(key)
		if err := fc.saveMetadataLocked(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// GetTTL 返回距过期的剩余时间
func (fc *FileCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	fc.mu.RLock()
	defer fc.mu.RUnlock()

	now := time.Now()
	rec, exists := fc.meta.get(key)
	if !exists || rec.expired(now) {
		return 0, NewCacheError(ErrCacheMiss, "cache miss")
	}
	return rec.ExpireAt.Sub(now), nil
}

// UpdateTTL 覆盖条目的过期时刻，不触碰值与访问元数据
func (fc *FileCache) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if ttl < 0 {
		return false, NewCacheError(ErrInvalidTTL, "ttl must be non-negative")
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	now := time.Now()
	rec, exists := fc.meta.get(key)
	if !exists || rec.expired(now) {
		return false, nil
	}
	fc.meta.setExpire(key, now.Add(ttl))
	if err := fc.saveMetadataLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Increment 对数值条目加 delta。键不存在时自动创建零值计数器并打上默认 TTL。
func (fc *FileCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	now := time.Now()
	rec, exists := fc.meta.get(key)
	if !exists || rec.expired(now) {
		if exists {
			fc.removeLocked(key)
		}
		data, err := json.Marshal(delta)
		if err != nil {
			return 0, fmt.Errorf("序列化计数器失败: %w", err)
		}
		if err := writeFileAtomic(fc.entryPath(key), data); err != nil {
			return 0, fmt.Errorf("写入条目文件失败: %w", err)
		}
		fc.meta.track(key, now, now.Add(fc.config.DefaultTTL))
		if err := fc.saveMetadataLocked(); err != nil {
			return 0, err
		}
		return delta, nil
	}

	value, err := fc.readEntry(key)
	if err != nil {
		return 0, err
	}
	current, ok := toCounter(value)
	if !ok {
		return 0, NewCacheError(ErrNonNumericValue, "stored value is not numeric")
	}
	current += delta

	data, err := json.Marshal(current)
	if err != nil {
		return 0, fmt.Errorf("序列化计数器失败: %w", err)
	}
	if err := writeFileAtomic(fc.entryPath(key), data); err != nil {
		return 0, fmt.Errorf("写入条目文件失败: %w", err)
	}

	fc.meta.touch(key, now)
	if err := fc.saveMetadataLocked(); err != nil {
		return 0, err
	}
	return current, nil
}

// Decrement 对数值条目减 delta
func (fc *FileCache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return fc.Increment(ctx, key, -delta)
}

// Metrics 返回指标快照。命中/未命中计数是进程生命周期的，不随重启保留。
func (fc *FileCache) Metrics(ctx context.Context) (Metrics, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	m := Metrics{
		HitCount:  fc.hitCount,
		MissCount: fc.missCount,
		ItemCount: fc.meta.liveCount(time.Now()),
	}
	if total := m.HitCount + m.MissCount; total > 0 {
		m.HitRatio = float64(m.HitCount) / float64(total)
	}
	return m, nil
}

// Close 关闭缓存，落盘一次元数据
func (fc *FileCache) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.saveMetadataLocked()
}

// entryPath 由键的 SHA-256 哈希确定条目文件路径
func (fc *FileCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(fc.dir, fc.config.FilePrefix+hex.EncodeToString(sum[:])+".json")
}

// readEntry 读取并反序列化条目文件
func (fc *FileCache) readEntry(key string) (interface{}, error) {
	data, err := os.ReadFile(fc.entryPath(key))
	if err != nil {
		return nil, fmt.Errorf("读取条目文件失败: %w", err)
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("反序列化缓存值失败: %w", err)
	}
	return value, nil
}

// evictLocked 按策略淘汰恰好一个条目
func (fc *FileCache) evictLocked() {
	victim, found := selectVictim(fc.config.Policy, fc.meta)
	if !found {
		return
	}
	fc.log.WithField("key", victim).Debug("evicting cache entry")
	fc.removeLocked(victim)
}

// removeLocked 移除条目文件与元数据记录，显式删除、淘汰与惰性过期共用此路径。
// 元数据文件的重写由调用方负责。
func (fc *FileCache) removeLocked(key string) {
	if err := os.Remove(fc.entryPath(key)); err != nil && !os.IsNotExist(err) {
		fc.log.WithError(err).WithField("key", key).Warn("删除条目文件失败")
	}
	fc.meta.remove(key)
}

// loadMetadata 载入元数据文件并清理已过期的条目
func (fc *FileCache) loadMetadata() error {
	path := filepath.Join(fc.dir, metadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 元数据文件不存在是正常的首次启动状态
			return fc.saveMetadataLocked()
		}
		return fmt.Errorf("读取元数据文件失败: %w", err)
	}

	var records map[string]accessRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("反序列化元数据失败: %w", err)
	}

	now := time.Now()
	valid := make(map[string]accessRecord, len(records))
	for key, rec := range records {
		if now.After(rec.ExpireAt) {
			if err := os.Remove(fc.entryPath(key)); err != nil && !os.IsNotExist(err) {
				fc.log.WithError(err).WithField("key", key).Warn("删除过期条目文件失败")
			}
			continue
		}
		valid[key] = rec
	}

	fc.meta.load(valid)
	return fc.saveMetadataLocked()
}

// saveMetadataLocked 整体重写元数据文件。整文件重写是性能而非正确性取舍，
// 高写入量场景应改为增量结构。
func (fc *FileCache) saveMetadataLocked() error {
	data, err := json.Marshal(fc.meta.snapshot())
	if err != nil {
		return fmt.Errorf("序列化元数据失败: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(fc.dir, metadataFileName), data); err != nil {
		return fmt.Errorf("写入元数据文件失败: %w", err)
	}
	return nil
}

// writeFileAtomic 先写临时文件再重命名，避免半写状态
func writeFileAtomic(path string, data []byte) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempFile, path)
}

var _ Cache = (*FileCache)(nil)
