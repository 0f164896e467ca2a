package quota

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CounterStore is an atomic per-key usage counter with day-scoped expiry.
type CounterStore interface {
	// IncrementAndGet atomically increments the counter for key and
	// returns the new value. On the first increment of a key the given
	// ttl is applied so the counter self-resets at day rollover.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decrement decrements the counter for key, clamped so the stored
	// value never goes below zero.
	Decrement(ctx context.Context, key string) error

	// Get returns the current value for key, zero when absent.
	Get(ctx context.Context, key string) (int64, error)
}

// NewCounterStore selects the counter backend once at startup. With a
// reachable Redis client it returns the shared store; with a nil client
// it returns the in-process fallback for the process lifetime. In
// fallback mode the daily allowance is enforced per instance only,
// not shared across multiple instances. That degradation is deliberate
// and must not be "fixed" by retrying Redis per call.
func NewCounterStore(client redis.UniversalClient, window *Window, logger *zap.Logger) CounterStore {
	if client != nil {
		return &redisStore{client: client, logger: logger}
	}
	logger.Warn("shared counter store unavailable, using in-process quota counters for the process lifetime")
	return newMemoryStore(window)
}

// redisStore counts against a shared Redis instance.
type redisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// decrementScript decrements a counter without letting it go below
// zero. Missing or zero keys are left untouched.
var decrementScript = redis.NewScript(`
	local v = redis.call('GET', KEYS[1])
	if not v or tonumber(v) <= 0 then
		return 0
	end
	return redis.call('DECR', KEYS[1])
`)

func (s *redisStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			s.logger.Warn("failed to set counter expiry",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
	return val, nil
}

func (s *redisStore) Decrement(ctx context.Context, key string) error {
	return decrementScript.Run(ctx, s.client, []string{key}).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// memoryStore is the in-process fallback: a mutex-guarded map with a
// current-day marker. When the resolved day changes the whole map is
// cleared, a coarse stand-in for per-key expiry that is correct here
// because nothing is shared across processes in this mode.
type memoryStore struct {
	mu     sync.Mutex
	window *Window
	day    string
	counts map[string]int64

	now func() time.Time
}

func newMemoryStore(window *Window) *memoryStore {
	return &memoryStore{
		window: window,
		counts: make(map[string]int64),
		now:    time.Now,
	}
}

func (s *memoryStore) IncrementAndGet(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked()
	s.counts[key]++
	return s.counts[key], nil
}

func (s *memoryStore) Decrement(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked()
	if s.counts[key] > 0 {
		s.counts[key]--
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked()
	return s.counts[key], nil
}

// rolloverLocked clears all counters when the calendar day has changed
// since the last call. Caller must hold s.mu.
func (s *memoryStore) rolloverLocked() {
	day := s.window.DayKey(s.now())
	if day != s.day {
		s.day = day
		s.counts = make(map[string]int64)
	}
}

// Compile-time checks
var (
	_ CounterStore = (*redisStore)(nil)
	_ CounterStore = (*memoryStore)(nil)
)
