package cache

import (
	"sort"
	"time"
)

// accessRecord 单个存活键的访问元数据与过期时刻。
type accessRecord struct {
	LastAccess time.Time `json:"last_access"` // 最后访问时间
	Frequency  int64     `json:"frequency"`   // 累计访问次数
	ExpireAt   time.Time `json:"expires_at"`  // 绝对过期时刻
}

// expired 判断记录在 now 时刻是否已过期。
func (r *accessRecord) expired(now time.Time) bool {
	return now.After(r.ExpireAt)
}

// metadataTable 维护全部存活键的访问元数据。
// 不变量：元数据记录存在当且仅当对应条目存活；记录与条目在同一操作中移除。
//
// order 保存键首次被跟踪的顺序，淘汰扫描沿该顺序进行，
// 使平局裁决在一次进程运行内保持确定（Go 原生 map 迭代顺序是随机的）。
type metadataTable struct {
	records map[string]*accessRecord
	order   []string
}

func newMetadataTable() *metadataTable {
	return &metadataTable{
		records: make(map[string]*accessRecord),
	}
}

// track 在 Set 时创建或重置一条记录：频率归 1，访问时间与过期时刻刷新。
func (t *metadataTable) track(key string, now, expireAt time.Time) {
	if _, exists := t.records[key]; !exists {
		t.order = append(t.order, key)
	}
	t.records[key] = &accessRecord{
		LastAccess: now,
		Frequency:  1,
		ExpireAt:   expireAt,
	}
}

// touch 在成功的读取或计数操作后刷新访问元数据。
func (t *metadataTable) touch(key string, now time.Time) {
	if rec, exists := t.records[key]; exists {
		rec.LastAccess = now
		rec.Frequency++
	}
}

// get 返回键的元数据记录。
func (t *metadataTable) get(key string) (*accessRecord, bool) {
	rec, exists := t.records[key]
	return rec, exists
}

// setExpire 仅覆盖过期时刻，不触碰访问元数据（UpdateTTL 语义）。
func (t *metadataTable) setExpire(key string, expireAt time.Time) bool {
	rec, exists := t.records[key]
	if !exists {
		return false
	}
	rec.ExpireAt = expireAt
	return true
}

// remove 移除一条记录。
func (t *metadataTable) remove(key string) {
	if _, exists := t.records[key]; !exists {
		return
	}
	delete(t.records, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// reset 清空全部记录。
func (t *metadataTable) reset() {
	t.records = make(map[string]*accessRecord)
	t.order = nil
}

// size 当前记录数。
func (t *metadataTable) size() int64 {
	return int64(len(t.records))
}

// liveCount 在 now 时刻未过期的记录数。
func (t *metadataTable) liveCount(now time.Time) int64 {
	var n int64
	for _, rec := range t.records {
		if !rec.expired(now) {
			n++
		}
	}
	return n
}

// snapshot 导出全部记录的副本，供 file 后端整体持久化。
func (t *metadataTable) snapshot() map[string]accessRecord {
	out := make(map[string]accessRecord, len(t.records))
	for key, rec := range t.records {
		out[key] = *rec
	}
	return out
}

// load 从持久化快照重建表。原始的跟踪顺序在重启后不可恢复，
// 改用键的字典序作为确定性的扫描顺序。
func (t *metadataTable) load(records map[string]accessRecord) {
	t.reset()
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rec := records[key]
		t.records[key] = &rec
		t.order = append(t.order, key)
	}
}
