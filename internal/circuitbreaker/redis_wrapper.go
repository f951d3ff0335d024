package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisBreakerName = "redis"

// RedisWrapper guards the commands the lease store issues.
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
}

// NewRedisWrapper wraps client with a breaker configured from CB_REDIS_*.
func NewRedisWrapper(client redis.UniversalClient, service string, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker(redisBreakerName, GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(redisBreakerName, service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service}
}

// guard runs cmd through the breaker. redis.Nil is a normal answer and is
// not counted as a failure.
func (rw *RedisWrapper) guard(ctx context.Context, cmd func() error) error {
	var cmdErr error
	err := rw.cb.Execute(ctx, func() error {
		cmdErr = cmd()
		if errors.Is(cmdErr, redis.Nil) {
			return nil
		}
		return cmdErr
	})
	GlobalMetricsCollector.RecordRequest(redisBreakerName, rw.service, rw.cb.State(), err == nil)
	if err != nil {
		return err
	}
	return cmdErr
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.guard(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// SetNX sets key to value with ttl if it does not exist.
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	var ok bool
	err := rw.guard(ctx, func() error {
		var err error
		ok, err = rw.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// Get returns redis.Nil for a missing key.
func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := rw.guard(ctx, func() error {
		var err error
		val, err = rw.client.Get(ctx, key).Result()
		return err
	})
	return val, err
}

// RunScript evaluates script, loading it on first use.
func (rw *RedisWrapper) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var val any
	err := rw.guard(ctx, func() error {
		var err error
		val, err = script.Run(ctx, rw.client, keys, args...).Result()
		return err
	})
	return val, err
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsCircuitBreakerOpen reports whether calls are being rejected.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool { return rw.cb.State() == StateOpen }
