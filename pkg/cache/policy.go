package cache

import (
	"time"
)

// PolicyType 淘汰策略类型
type PolicyType string

const (
	PolicyLRU PolicyType = "LRU" // Least Recently Used
	PolicyLFU PolicyType = "LFU" // Least Frequently Used
)

// valid 判断策略取值是否受支持。
func (p PolicyType) valid() bool {
	return p == PolicyLRU || p == PolicyLFU
}

// maxmemoryPolicy 返回策略对应的 Redis 原生 maxmemory-policy 取值。
func (p PolicyType) maxmemoryPolicy() string {
	if p == PolicyLFU {
		return "allkeys-lfu"
	}
	return "allkeys-lru"
}

// selectVictim 在全部存活元数据中选出一个淘汰对象。
// LRU 取最后访问时间最早的键，LFU 取访问频率最低的键；
// 平局时保留扫描顺序中先遇到的键（即最早被跟踪的键）。
// 表为空时返回 false，淘汰退化为空操作。
func selectVictim(policy PolicyType, table *metadataTable) (string, bool) {
	var (
		victim   string
		found    bool
		bestTime time.Time
		bestFreq int64
	)

	for _, key := range table.order {
		rec := table.records[key]
		switch policy {
		case PolicyLFU:
			if !found || rec.Frequency < bestFreq {
				victim = key
				bestFreq = rec.Frequency
				found = true
			}
		default: // LRU
			if !found || rec.LastAccess.Before(bestTime) {
				victim = key
				bestTime = rec.LastAccess
				found = true
			}
		}
	}

	return victim, found
}

// resolveTTL 解析可变 TTL 参数：省略时取默认值，0 合法（条目在下一次
// 读取时即过期，不得特判为"永不过期"），负值或多个值非法。
func resolveTTL(defaultTTL time.Duration, ttl []time.Duration) (time.Duration, error) {
	switch len(ttl) {
	case 0:
		return defaultTTL, nil
	case 1:
		if ttl[0] < 0 {
			return 0, NewCacheError(ErrInvalidTTL, "ttl must be non-negative")
		}
		return ttl[0], nil
	default:
		return 0, NewCacheError(ErrInvalidTTL, "at most one ttl value is accepted")
	}
}

// computeExpiration 由可选 TTL 与默认 TTL 计算绝对过期时刻。
func computeExpiration(now time.Time, defaultTTL time.Duration, ttl []time.Duration) (time.Time, error) {
	d, err := resolveTTL(defaultTTL, ttl)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}
