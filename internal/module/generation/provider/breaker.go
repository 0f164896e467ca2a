package provider

import (
	"context"
	"time"

	"github.com/beverly/tryon-server/internal/module/generation"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig holds circuit breaker settings for the provider call.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
	}
}

// Breaker wraps a Generator in a circuit breaker so a failing provider
// trips fast instead of burning quota refunds on every attempt.
type Breaker struct {
	inner  generation.Generator
	cb     *gobreaker.CircuitBreaker[[]byte]
	logger *zap.Logger
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner generation.Generator, cfg *BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}

	settings := gobreaker.Settings{
		Name:        "generation-provider",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Breaker{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker[[]byte](settings),
		logger: logger,
	}
}

// Generate runs the wrapped call through the breaker.
func (b *Breaker) Generate(ctx context.Context, sel *generation.Selection) ([]byte, error) {
	return b.cb.Execute(func() ([]byte, error) {
		return b.inner.Generate(ctx, sel)
	})
}

// Compile-time check
var _ generation.Generator = (*Breaker)(nil)
