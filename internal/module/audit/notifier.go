package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier records generation outcomes asynchronously. Notify never
// blocks the caller and never surfaces its own failures: records are
// queued on a buffered channel, a background worker persists them, and
// a full buffer drops the record with a warning. The outcome returned
// to the conversational layer is never affected by this path.
type Notifier struct {
	repo   Repository // optional, nil means log-only
	logger *zap.Logger
	buffer chan *GenerationRecord
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewNotifier creates a notifier and starts its worker.
func NewNotifier(repo Repository, logger *zap.Logger, bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	n := &Notifier{
		repo:   repo,
		logger: logger,
		buffer: make(chan *GenerationRecord, bufferSize),
		done:   make(chan struct{}),
	}
	n.start()
	return n
}

// Notify queues an outcome record. Safe to call from any goroutine.
func (n *Notifier) Notify(user, selection, outcome, detail string) {
	record := &GenerationRecord{
		ID:        uuid.New(),
		UserID:    user,
		Selection: selection,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	select {
	case n.buffer <- record:
	default:
		n.logger.Warn("audit buffer full, dropping record",
			zap.String("user", user),
			zap.String("outcome", outcome),
		)
	}
}

// Close stops the worker and flushes queued records.
func (n *Notifier) Close() {
	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case record := <-n.buffer:
				n.persist(record)
			case <-n.done:
				// Flush remaining records
				for {
					select {
					case record := <-n.buffer:
						n.persist(record)
					default:
						return
					}
				}
			}
		}
	}()
}

func (n *Notifier) persist(record *GenerationRecord) {
	n.logger.Info("generation outcome",
		zap.String("user", record.UserID),
		zap.String("selection", record.Selection),
		zap.String("outcome", record.Outcome),
		zap.String("detail", record.Detail),
	)

	if n.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.repo.Create(ctx, record); err != nil {
		n.logger.Warn("failed to persist generation record",
			zap.String("record_id", record.ID.String()),
			zap.Error(err),
		)
	}
}
