package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beverly/tryon-server/internal/module/generation"
)

type flakyGenerator struct {
	calls   atomic.Int32
	err     error
	payload []byte
}

func (g *flakyGenerator) Generate(_ context.Context, _ *generation.Selection) ([]byte, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return g.payload, nil
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyGenerator{payload: []byte("ok")}
	b := NewBreaker(inner, DefaultBreakerConfig(), zap.NewNop())

	got, err := b.Generate(context.Background(), testSelection())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyGenerator{err: errors.New("provider down")}
	b := NewBreaker(inner, &BreakerConfig{FailureThreshold: 3, Timeout: time.Minute}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Generate(ctx, testSelection())
		require.Error(t, err)
	}
	require.Equal(t, int32(3), inner.calls.Load())

	// The breaker is open: calls fail fast without reaching the
	// provider.
	_, err := b.Generate(ctx, testSelection())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	inner := &flakyGenerator{err: errors.New("provider down")}
	b := NewBreaker(inner, &BreakerConfig{FailureThreshold: 1, Timeout: 20 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	_, err := b.Generate(ctx, testSelection())
	require.Error(t, err)

	time.Sleep(30 * time.Millisecond)

	// Half-open probe succeeds and closes the breaker again.
	inner.err = nil
	inner.payload = []byte("recovered")
	got, err := b.Generate(ctx, testSelection())
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), got)
}
