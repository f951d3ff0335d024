package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/circuitbreaker"
)

// EnginePinger is the part of the engine client the checker needs.
type EnginePinger interface {
	Ping(ctx context.Context) error
	BaseURL() string
	BreakerState() circuitbreaker.State
}

// EngineHealthChecker checks that the workflow engine answers.
type EngineHealthChecker struct {
	engine  EnginePinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewEngineHealthChecker creates an engine health checker
func NewEngineHealthChecker(engine EnginePinger, logger *zap.Logger) *EngineHealthChecker {
	return &EngineHealthChecker{engine: engine, logger: logger, timeout: 5 * time.Second}
}

func (e *EngineHealthChecker) Name() string           { return "engine" }
func (e *EngineHealthChecker) IsCritical() bool       { return true }
func (e *EngineHealthChecker) Timeout() time.Duration { return e.timeout }

func (e *EngineHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	state := e.engine.BreakerState()
	result := CheckResult{
		Component: "engine",
		Critical:  true,
		Timestamp: startTime,
		Details: map[string]interface{}{
			"base_url":        e.engine.BaseURL(),
			"circuit_breaker": state.String(),
		},
	}

	if state == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Engine circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := e.engine.Ping(ctx)
	result.Duration = time.Since(startTime)
	result.Details["latency_ms"] = result.Duration.Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Engine health probe failed"
		return result
	}

	if state == circuitbreaker.StateHalfOpen || result.Duration > time.Second {
		result.Status = StatusDegraded
		result.Message = "Engine responding but recovering or slow"
	} else {
		result.Status = StatusHealthy
		result.Message = "Engine healthy"
	}
	return result
}

// BreakerPinger is a wrapped dependency with a circuit breaker.
type BreakerPinger interface {
	IsCircuitBreakerOpen() bool
}

// RedisPinger is satisfied by circuitbreaker.RedisWrapper.
type RedisPinger interface {
	BreakerPinger
	Ping(ctx context.Context) error
}

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	wrapper RedisPinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper RedisPinger, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	return pingCheck(ctx, "Redis", r.wrapper, r.wrapper.Ping, 100*time.Millisecond)
}

// DatabasePinger is satisfied by circuitbreaker.DatabaseWrapper.
type DatabasePinger interface {
	BreakerPinger
	PingContext(ctx context.Context) error
}

// DatabaseHealthChecker checks PostgreSQL connectivity
type DatabaseHealthChecker struct {
	wrapper DatabasePinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper DatabasePinger, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	return pingCheck(ctx, "Database", d.wrapper, d.wrapper.PingContext, 200*time.Millisecond)
}

// pingCheck is shared by the Redis and database checkers. Neither store is
// on the query path, so both report as non-critical.
func pingCheck(ctx context.Context, label string, b BreakerPinger, ping func(context.Context) error, slow time.Duration) CheckResult {
	startTime := time.Now()
	result := CheckResult{Timestamp: startTime}

	if b.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = label + " circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := ping(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = label + " ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	if result.Duration > slow {
		result.Status = StatusDegraded
		result.Message = label + " responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = label + " healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"circuit_breaker_open": false,
	}
	return result
}
