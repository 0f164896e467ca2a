package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CountDeniedAttempts controls whether an over-allowance attempt still
// consumes one unit of the day's counter. Counting denied attempts
// bounds how fast rapid retries can issue further charge attempts; a
// denied attempt never reaches the paid downstream call, so nothing is
// refunded for it.
const CountDeniedAttempts = true

// Decision is the result of a consume attempt.
type Decision struct {
	Allowed   bool
	Used      int
	Remaining int
	Limit     int
}

// Manager enforces the per-user daily allowance on top of a CounterStore.
type Manager struct {
	store  CounterStore
	window *Window
	limit  int
	logger *zap.Logger

	now func() time.Time
}

// NewManager creates a quota manager with the given daily limit.
func NewManager(store CounterStore, window *Window, limit int, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		window: window,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

// Limit returns the configured daily allowance.
func (m *Manager) Limit() int {
	return m.limit
}

// Consume charges one generation attempt for user against today's
// counter and reports whether the user is still within the daily
// allowance. The increment is unconditional: an attempt past the limit
// still counts, then is reported as not allowed.
func (m *Manager) Consume(ctx context.Context, user string) (Decision, error) {
	now := m.now()
	key := m.key(user, now)

	used64, err := m.store.IncrementAndGet(ctx, key, m.window.UntilRollover(now))
	if err != nil {
		return Decision{}, fmt.Errorf("increment quota counter: %w", err)
	}
	used := int(used64)

	dec := Decision{
		Allowed:   used <= m.limit,
		Used:      used,
		Remaining: max(0, m.limit-used),
		Limit:     m.limit,
	}

	if !dec.Allowed && !CountDeniedAttempts {
		// Policy variant: give the unit back when denials are not billed.
		if err := m.store.Decrement(ctx, key); err != nil {
			m.logger.Warn("failed to uncount denied attempt",
				zap.String("user", user),
				zap.Error(err),
			)
		}
	}

	return dec, nil
}

// Refund restores one unit of the user's daily allowance. It is a
// best-effort compensating decrement, not a transaction with the
// original consume: under rare interleavings it may under- or
// over-correct by one unit. Failures are logged and swallowed.
func (m *Manager) Refund(ctx context.Context, user string) {
	key := m.key(user, m.now())
	if err := m.store.Decrement(ctx, key); err != nil {
		m.logger.Warn("quota refund failed",
			zap.String("user", user),
			zap.Error(err),
		)
	}
}

// Usage reports the user's current usage for today without charging an
// attempt. Used for display only.
func (m *Manager) Usage(ctx context.Context, user string) (Decision, error) {
	now := m.now()
	used64, err := m.store.Get(ctx, m.key(user, now))
	if err != nil {
		return Decision{}, fmt.Errorf("read quota counter: %w", err)
	}
	used := int(used64)
	return Decision{
		Allowed:   used < m.limit,
		Used:      used,
		Remaining: max(0, m.limit-used),
		Limit:     m.limit,
	}, nil
}

func (m *Manager) key(user string, t time.Time) string {
	return fmt.Sprintf("quota:generations:%s:%s", user, m.window.DayKey(t))
}
