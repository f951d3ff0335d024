// Package lease records which process owns a deployed workflow so the
// reaper never deletes a deployment that another request is still using.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/circuitbreaker"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
)

// ErrHeld is returned by Acquire when another owner holds a live lease.
var ErrHeld = errors.New("lease held by another owner")

// Store grants time-bounded ownership of workflow names.
type Store interface {
	// Acquire takes or renews the lease on name for owner.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) error
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, name, owner string) error
	// Holder reports the current live owner of name.
	Holder(ctx context.Context, name string) (string, bool, error)
}

// NewOwner returns a fresh owner token.
func NewOwner() string { return uuid.NewString() }

const keyPrefix = "cryptoquery:lease:"

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore keeps leases as expiring Redis keys.
type RedisStore struct {
	rw     *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewRedisStore builds a store on a breaker-guarded client.
func NewRedisStore(rw *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rw: rw, logger: logger}
}

func (s *RedisStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	key := keyPrefix + name
	ok, err := s.rw.SetNX(ctx, key, owner, ttl)
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("acquire", "error").Inc()
		return err
	}
	if ok {
		metrics.LeaseOperations.WithLabelValues("acquire", "ok").Inc()
		return nil
	}
	res, err := s.rw.RunScript(ctx, renewScript, []string{key}, owner, ttl.Milliseconds())
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("acquire", "error").Inc()
		return err
	}
	if n, _ := res.(int64); n == 1 {
		metrics.LeaseOperations.WithLabelValues("renew", "ok").Inc()
		return nil
	}
	metrics.LeaseOperations.WithLabelValues("acquire", "held").Inc()
	return ErrHeld
}

func (s *RedisStore) Release(ctx context.Context, name, owner string) error {
	res, err := s.rw.RunScript(ctx, releaseScript, []string{keyPrefix + name}, owner)
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("release", "error").Inc()
		return err
	}
	if n, _ := res.(int64); n == 0 {
		s.logger.Debug("Lease already gone or taken over", zap.String("name", name))
		metrics.LeaseOperations.WithLabelValues("release", "missing").Inc()
		return nil
	}
	metrics.LeaseOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

func (s *RedisStore) Holder(ctx context.Context, name string) (string, bool, error) {
	owner, err := s.rw.Get(ctx, keyPrefix+name)
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

// Ping checks the backing Redis.
func (s *RedisStore) Ping(ctx context.Context) error { return s.rw.Ping(ctx) }

// MemoryStore keeps leases in process. It only protects deployments made by
// this process.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

type entry struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]entry), now: time.Now}
}

func (m *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.leases[name]; ok && now.Before(e.expires) && e.owner != owner {
		metrics.LeaseOperations.WithLabelValues("acquire", "held").Inc()
		return ErrHeld
	}
	m.leases[name] = entry{owner: owner, expires: now.Add(ttl)}
	metrics.LeaseOperations.WithLabelValues("acquire", "ok").Inc()
	return nil
}

func (m *MemoryStore) Release(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[name]; ok && e.owner == owner {
		delete(m.leases, name)
		metrics.LeaseOperations.WithLabelValues("release", "ok").Inc()
	}
	return nil
}

func (m *MemoryStore) Holder(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[name]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.leases, name)
		return "", false, nil
	}
	return e.owner, true, nil
}
