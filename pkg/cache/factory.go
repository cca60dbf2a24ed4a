package cache

import (
	"fmt"
)

// 后端类型标签
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// New 按后端标签构造缓存引擎。
// 标签未知、淘汰策略非法或缺少后端专用字段时返回 INVALID_CONFIGURATION 错误。
func New(backend string, config Config) (Cache, error) {
	if config.Policy != "" && !config.Policy.valid() {
		return nil, NewCacheError(ErrInvalidConfiguration,
			fmt.Sprintf("不支持的淘汰策略: %s", config.Policy))
	}

	switch backend {
	case BackendMemory:
		return NewMemoryCache(config), nil
	case BackendFile:
		return NewFileCache(config)
	case BackendRedis:
		return NewRedisCache(config)
	default:
		return nil, NewCacheError(ErrInvalidConfiguration,
			fmt.Sprintf("未知的缓存后端: %s", backend))
	}
}
