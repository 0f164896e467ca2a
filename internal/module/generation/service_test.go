package generation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beverly/tryon-server/internal/module/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeQuota implements QuotaManager for testing.
type fakeQuota struct {
	mu         sync.Mutex
	limit      int
	used       map[string]int
	refunds    map[string]int
	consumeErr error
}

func newFakeQuota(limit int) *fakeQuota {
	return &fakeQuota{
		limit:   limit,
		used:    make(map[string]int),
		refunds: make(map[string]int),
	}
}

func (q *fakeQuota) Consume(_ context.Context, user string) (quota.Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumeErr != nil {
		return quota.Decision{}, q.consumeErr
	}
	q.used[user]++
	u := q.used[user]
	return quota.Decision{
		Allowed:   u <= q.limit,
		Used:      u,
		Remaining: max(0, q.limit-u),
		Limit:     q.limit,
	}, nil
}

func (q *fakeQuota) Refund(_ context.Context, user string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refunds[user]++
	if q.used[user] > 0 {
		q.used[user]--
	}
}

func (q *fakeQuota) Limit() int { return q.limit }

func (q *fakeQuota) refundCount(user string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.refunds[user]
}

// stubGenerator implements Generator and records concurrent entries.
type stubGenerator struct {
	payload []byte
	err     error
	delay   time.Duration
	block   chan struct{} // if set, Generate waits on it after entering

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	entered     chan string // if set, receives the start of each call
}

func (g *stubGenerator) Generate(_ context.Context, sel *Selection) ([]byte, error) {
	cur := g.inFlight.Add(1)
	for {
		old := g.maxInFlight.Load()
		if cur <= old || g.maxInFlight.CompareAndSwap(old, cur) {
			break
		}
	}
	if g.entered != nil {
		g.entered <- sel.Summary()
	}
	if g.block != nil {
		<-g.block
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.inFlight.Add(-1)
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return g.payload, nil
}

// recordingNotifier implements Notifier for testing.
type recordingNotifier struct {
	mu      sync.Mutex
	entries []string
}

func (n *recordingNotifier) Notify(user, selection, outcome, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, user+":"+outcome)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.entries...)
}

func newTestService(q QuotaManager, g Generator, n Notifier) *Service {
	return NewService(&ServiceConfig{
		Quota:     q,
		Generator: g,
		Notifier:  n,
		Logger:    zap.NewNop(),
	})
}

func testSelection() *Selection {
	return &Selection{Product: "classic", Color: "black", Print: "dragon"}
}

func TestRequestGenerationDelivered(t *testing.T) {
	q := newFakeQuota(3)
	gen := &stubGenerator{payload: []byte("image-bytes")}
	notifier := &recordingNotifier{}
	s := newTestService(q, gen, notifier)

	outcome := s.RequestGeneration(context.Background(), "user-1", testSelection())

	assert.Equal(t, OutcomeDelivered, outcome.Status)
	assert.Equal(t, []byte("image-bytes"), outcome.Payload)
	assert.Equal(t, 1, outcome.Quota.Used)
	assert.Equal(t, 2, outcome.Quota.Remaining)
	assert.Equal(t, 0, q.refundCount("user-1"))
	assert.Equal(t, []string{"user-1:delivered"}, notifier.all())
}

func TestRequestGenerationDenied(t *testing.T) {
	q := newFakeQuota(1)
	gen := &stubGenerator{payload: []byte("x")}
	notifier := &recordingNotifier{}
	s := newTestService(q, gen, notifier)
	ctx := context.Background()

	first := s.RequestGeneration(ctx, "user-1", testSelection())
	require.Equal(t, OutcomeDelivered, first.Status)

	second := s.RequestGeneration(ctx, "user-1", testSelection())
	assert.Equal(t, OutcomeDenied, second.Status)
	assert.Equal(t, 2, second.Quota.Used)
	assert.Equal(t, 0, second.Quota.Remaining)
	assert.Equal(t, 1, second.Quota.Limit)

	// The provider was never called for the denied attempt and nothing
	// was refunded.
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, 0, q.refundCount("user-1"))
	// Denied attempts are not audited.
	assert.Equal(t, []string{"user-1:delivered"}, notifier.all())
}

func TestRequestGenerationFailureRefunds(t *testing.T) {
	q := newFakeQuota(3)
	gen := &stubGenerator{err: errors.New("provider exploded")}
	notifier := &recordingNotifier{}
	s := newTestService(q, gen, notifier)
	ctx := context.Background()

	outcome := s.RequestGeneration(ctx, "user-1", testSelection())

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Err, "provider exploded")
	assert.Equal(t, 1, q.refundCount("user-1"))
	assert.Equal(t, []string{"user-1:failed"}, notifier.all())

	// The failed attempt was forgiven: the next consume sees used=1.
	gen.err = nil
	gen.payload = []byte("ok")
	next := s.RequestGeneration(ctx, "user-1", testSelection())
	assert.Equal(t, OutcomeDelivered, next.Status)
	assert.Equal(t, 1, next.Quota.Used)
}

func TestRequestGenerationQuotaErrorDegradesGracefully(t *testing.T) {
	q := newFakeQuota(3)
	q.consumeErr = errors.New("store down")
	gen := &stubGenerator{err: errors.New("provider down")}
	s := newTestService(q, gen, nil)

	outcome := s.RequestGeneration(context.Background(), "user-1", testSelection())

	// The attempt was allowed despite the accounting failure, and since
	// nothing was charged, nothing is refunded when generation fails.
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, 0, q.refundCount("user-1"))
}

func TestSameUserRequestsNeverOverlap(t *testing.T) {
	q := newFakeQuota(100)
	gen := &stubGenerator{payload: []byte("x"), delay: 20 * time.Millisecond}
	s := newTestService(q, gen, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RequestGeneration(context.Background(), "user-1", testSelection())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), gen.calls.Load())
	assert.Equal(t, int32(1), gen.maxInFlight.Load(), "two requests for the same user overlapped in the provider call")
}

func TestDifferentUsersProceedConcurrently(t *testing.T) {
	q := newFakeQuota(100)
	gen := &stubGenerator{
		payload: []byte("x"),
		block:   make(chan struct{}),
		entered: make(chan string, 2),
	}
	s := newTestService(q, gen, nil)

	var wg sync.WaitGroup
	for _, user := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			s.RequestGeneration(context.Background(), user, testSelection())
		}(user)
	}

	// Both users must reach the provider call while neither has
	// finished; a shared lock would deadlock this wait.
	for i := 0; i < 2; i++ {
		select {
		case <-gen.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("second user never reached the provider while the first was in flight")
		}
	}
	close(gen.block)
	wg.Wait()

	assert.Equal(t, int32(2), gen.maxInFlight.Load())
}

func TestSecondRequestWaitsForFullSequence(t *testing.T) {
	q := newFakeQuota(100)

	// Events are recorded from inside the lock-held region, so their
	// order is deterministic: the second request's generate can only
	// run after the first request's whole sequence, audit notification
	// included, has finished.
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	release := make(chan struct{})
	gen := generatorFunc(func(_ context.Context, _ *Selection) ([]byte, error) {
		record("generate")
		<-release
		return []byte("x"), nil
	})
	notifier := notifierFunc(func(user, selection, outcome, detail string) {
		record("notify")
	})
	s := newTestService(q, gen, notifier)

	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RequestGeneration(context.Background(), "user-1", testSelection())
	}()

	// Wait until the first request holds the lock inside the provider.
	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, 2*time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RequestGeneration(context.Background(), "user-1", testSelection())
	}()

	// The second request must be parked on the lock, not in the
	// provider.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"generate"}, snapshot())

	close(release)
	wg.Wait()

	require.Equal(t, []string{"generate", "notify", "generate", "notify"}, snapshot())
}

// generatorFunc adapts a function to the Generator interface.
type generatorFunc func(ctx context.Context, sel *Selection) ([]byte, error)

func (f generatorFunc) Generate(ctx context.Context, sel *Selection) ([]byte, error) {
	return f(ctx, sel)
}

// notifierFunc adapts a function to the Notifier interface.
type notifierFunc func(user, selection, outcome, detail string)

func (f notifierFunc) Notify(user, selection, outcome, detail string) {
	f(user, selection, outcome, detail)
}
