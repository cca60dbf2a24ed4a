package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"anycache/pkg/logger"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Name        string        `yaml:"name"`          // 熔断器名称
	MaxRequests uint32        `yaml:"max_requests"`  // 半开状态下的最大请求数
	Interval    time.Duration `yaml:"interval"`      // 统计窗口时间
	Timeout     time.Duration `yaml:"timeout"`       // 熔断器打开后的超时时间
	ReadyToTrip uint32        `yaml:"ready_to_trip"` // 触发熔断的连续失败次数阈值
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:        "Cache",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: 5,
	}
}

// BreakerCache 熔断器装饰器。包裹任意 Cache 后端（通常是远程后端），
// 用 sony/gobreaker 在底层存储持续失败时快速失败。
// 未命中（CACHE_MISS）是正常业务结果，不计入熔断失败。
type BreakerCache struct {
	inner Cache
	cb    *gobreaker.CircuitBreaker
	log   *logrus.Entry
}

// NewBreakerCache 创建熔断器装饰器
func NewBreakerCache(inner Cache, config *BreakerConfig) *BreakerCache {
	if config == nil {
		config = DefaultBreakerConfig()
	}

	log := logger.WithComponent("cache.breaker")
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ReadyToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("熔断器状态变更")
		},
	}

	return &BreakerCache{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
		log:   log,
	}
}

// missResult 在熔断器闭包内携带未命中结果，避免其被计为失败
type missResult struct {
	err error
}

// execute 经熔断器执行一个缓存操作
func (bc *BreakerCache) execute(op func() (interface{}, error)) (interface{}, error) {
	result, err := bc.cb.Execute(func() (interface{}, error) {
		value, err := op()
		if err != nil && IsCode(err, ErrCacheMiss) {
			return missResult{err: err}, nil
		}
		return value, err
	})
	if err != nil {
		return nil, err
	}
	if miss, ok := result.(missResult); ok {
		return nil, miss.err
	}
	return result, nil
}

// Get 经熔断器获取缓存值
func (bc *BreakerCache) Get(ctx context.Context, key string) (interface{}, error) {
	return bc.execute(func() (interface{}, error) {
		return bc.inner.Get(ctx, key)
	})
}

// Set 经熔断器设置缓存值
func (bc *BreakerCache) Set(ctx context.Context, key string, value interface{}, ttl ...time.Duration) error {
	_, err := bc.execute(func() (interface{}, error) {
		return nil, bc.inner.Set(ctx, key, value, ttl...)
	})
	return err
}

// Delete 经熔断器删除缓存值
func (bc *BreakerCache) Delete(ctx context.Context, key string) (bool, error) {
	result, err := bc.execute(func() (interface{}, error) {
		removed, err := bc.inner.Delete(ctx, key)
		return removed, err
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Clear 经熔断器清空缓存
func (bc *BreakerCache) Clear(ctx context.Context) error {
	_, err := bc.execute(func() (interface{}, error) {
		return nil, bc.inner.Clear(ctx)
	})
	return err
}

// GetMultiple 经熔断器批量获取
func (bc *BreakerCache) GetMultiple(ctx context.Context, keys []string) (map[string]interface{}, error) {
	result, err := bc.execute(func() (interface{}, error) {
		return bc.inner.GetMultiple(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]interface{}), nil
}

// SetMultiple 经熔断器批量设置
func (bc *BreakerCache) SetMultiple(ctx context.Context, items map[string]interface{}, ttl ...time.Duration) (bool, error) {
	result, err := bc.execute(func() (interface{}, error) {
		ok, err := bc.inner.SetMultiple(ctx, items, ttl...)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// DeleteMultiple 经熔断器批量删除
func (bc *BreakerCache) DeleteMultiple(ctx context.Context, keys []string) (bool, error) {
	result, err := bc.execute(func() (interface{}, error) {
		ok, err := bc.inner.DeleteMultiple(ctx, keys)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Has 经熔断器判断条目是否存在
func (bc *BreakerCache) Has(ctx context.Context, key string) (bool, error) {
	result, err := bc.execute(func() (interface{}, error) {
		ok, err := bc.inner.Has(ctx, key)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// GetTTL 经熔断器查询剩余生存时间
func (bc *BreakerCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	result, err := bc.execute(func() (interface{}, error) {
		d, err := bc.inner.GetTTL(ctx, key)
		return d, err
	})
	if err != nil {
		return 0, err
	}
	return result.(time.Duration), nil
}

// UpdateTTL 经熔断器更新过期时刻
func (bc *BreakerCache) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := bc.execute(func() (interface{}, error) {
		ok, err := bc.inner.UpdateTTL(ctx, key, ttl)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Increment 经熔断器递增计数器
func (bc *BreakerCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	result, err := bc.execute(func() (interface{}, error) {
		n, err := bc.inner.Increment(ctx, key, delta)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Decrement 经熔断器递减计数器
func (bc *BreakerCache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	result, err := bc.execute(func() (interface{}, error) {
		n, err := bc.inner.Decrement(ctx, key, delta)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Metrics 返回底层缓存的指标快照，不经过熔断器
func (bc *BreakerCache) Metrics(ctx context.Context) (Metrics, error) {
	return bc.inner.Metrics(ctx)
}

// State 返回熔断器当前状态
func (bc *BreakerCache) State() gobreaker.State {
	return bc.cb.State()
}

// Close 关闭底层缓存
func (bc *BreakerCache) Close() error {
	return bc.inner.Close()
}

var _ Cache = (*BreakerCache)(nil)
