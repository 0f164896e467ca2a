package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryRepository implements Repository for testing.
type memoryRepository struct {
	mu      sync.Mutex
	records []*GenerationRecord
	err     error
}

func (r *memoryRepository) Create(_ context.Context, record *GenerationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, record)
	return nil
}

func (r *memoryRepository) all() []*GenerationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*GenerationRecord(nil), r.records...)
}

func TestNotifierPersistsRecords(t *testing.T) {
	repo := &memoryRepository{}
	n := NewNotifier(repo, zap.NewNop(), 10)

	n.Notify("user-1", "classic/black/dragon", "delivered", "")
	n.Notify("user-2", "oversize/white/kanji", "failed", "provider error")
	n.Close()

	records := repo.all()
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "user-1", first.UserID)
	assert.Equal(t, "classic/black/dragon", first.Selection)
	assert.Equal(t, "delivered", first.Outcome)
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	second := records[1]
	assert.Equal(t, "user-2", second.UserID)
	assert.Equal(t, "failed", second.Outcome)
	assert.Equal(t, "provider error", second.Detail)
}

func TestNotifierCloseFlushesQueue(t *testing.T) {
	repo := &memoryRepository{}
	n := NewNotifier(repo, zap.NewNop(), 100)

	for i := 0; i < 50; i++ {
		n.Notify("user-1", "classic/black/dragon", "delivered", "")
	}
	n.Close()

	assert.Len(t, repo.all(), 50)
}

func TestNotifierWithoutRepositoryIsLogOnly(t *testing.T) {
	n := NewNotifier(nil, zap.NewNop(), 10)

	// Must not panic without a backing store.
	n.Notify("user-1", "classic/black/dragon", "delivered", "")
	n.Close()
}

func TestNotifierSwallowsRepositoryErrors(t *testing.T) {
	repo := &memoryRepository{err: errors.New("db down")}
	n := NewNotifier(repo, zap.NewNop(), 10)

	// Persist failures are logged, never surfaced.
	n.Notify("user-1", "classic/black/dragon", "delivered", "")
	n.Close()

	assert.Empty(t, repo.all())
}

func TestNotifierDropsWhenBufferFull(t *testing.T) {
	// A notifier whose worker never drains: closed done channel is not
	// enough, so stall the repo behind a lock held by the test.
	var gate sync.Mutex
	gate.Lock()
	repo := &blockingRepository{gate: &gate}
	n := NewNotifier(repo, zap.NewNop(), 1)

	// The first record occupies the worker, the second fills the
	// buffer; further notifies must return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Notify("user-1", "classic/black/dragon", "delivered", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}

	gate.Unlock()
	n.Close()
}

type blockingRepository struct {
	gate *sync.Mutex
}

func (r *blockingRepository) Create(_ context.Context, _ *GenerationRecord) error {
	r.gate.Lock()
	r.gate.Unlock()
	return nil
}
