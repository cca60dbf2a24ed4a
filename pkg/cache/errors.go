package cache

import (
	"errors"

	"anycache/pkg/errs"
)

// CacheError 缓存域错误，携带分类代码。
type CacheError struct {
	errs.BaseError
}

const (
	// ErrCacheMiss 表示在缓存中未找到请求的存活条目。
	ErrCacheMiss errs.ErrorCode = "CACHE_MISS"
	// ErrInvalidKey 表示缓存键为空或非法。
	ErrInvalidKey errs.ErrorCode = "INVALID_KEY"
	// ErrInvalidTTL 表示 TTL 形态不受支持（负值或多余参数）。
	ErrInvalidTTL errs.ErrorCode = "INVALID_TTL"
	// ErrInvalidArgument 表示批量操作的输入集合非法。
	ErrInvalidArgument errs.ErrorCode = "INVALID_ARGUMENT"
	// ErrInvalidConfiguration 表示工厂构造时缺少必填字段或后端标签未知。
	ErrInvalidConfiguration errs.ErrorCode = "INVALID_CONFIGURATION"
	// ErrNonNumericValue 表示对非数值条目执行了 Increment/Decrement。
	ErrNonNumericValue errs.ErrorCode = "NON_NUMERIC_VALUE"
)

// NewCacheError 创建缓存域错误。
func NewCacheError(code errs.ErrorCode, message string) *CacheError {
	return &CacheError{
		BaseError: *errs.New(code, message),
	}
}

// WrapCacheError 包装底层存储介质错误，保留原因链。
func WrapCacheError(code errs.ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		BaseError: *errs.Wrap(code, message, cause),
	}
}

// IsCode 判断 err 链上是否携带指定的错误代码。
func IsCode(err error, code errs.ErrorCode) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	var be *errs.BaseError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
