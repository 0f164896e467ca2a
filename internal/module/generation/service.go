package generation

import (
	"context"
	"time"

	"github.com/beverly/tryon-server/internal/module/quota"
	"github.com/beverly/tryon-server/internal/utils/metrics"
	"go.uber.org/zap"
)

// Generator is the opaque downstream image generation call. It may
// block for seconds; the service holds nothing but the user's own lock
// while it runs.
type Generator interface {
	Generate(ctx context.Context, sel *Selection) ([]byte, error)
}

// QuotaManager is the consume/refund surface the service needs.
type QuotaManager interface {
	Consume(ctx context.Context, user string) (quota.Decision, error)
	Refund(ctx context.Context, user string)
	Limit() int
}

// Notifier receives best-effort outcome records. Implementations must
// not block and must never surface their own failures to the caller.
type Notifier interface {
	Notify(user, selection, outcome, detail string)
}

// Service sequences a generation request for one user: per-user lock,
// quota consume, provider call, refund on failure, audit notification.
type Service struct {
	locks     *LockRegistry
	quota     QuotaManager
	generator Generator
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// ServiceConfig holds service dependencies.
type ServiceConfig struct {
	Locks     *LockRegistry
	Quota     QuotaManager
	Generator Generator
	Notifier  Notifier         // optional
	Metrics   *metrics.Metrics // optional
	Logger    *zap.Logger
}

// NewService creates a new generation service.
func NewService(cfg *ServiceConfig) *Service {
	locks := cfg.Locks
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &Service{
		locks:     locks,
		quota:     cfg.Quota,
		generator: cfg.Generator,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// RequestGeneration runs one generation attempt for user. Requests for
// the same user are serialized on the user's lock; a second request
// simply waits until the first has fully finished, including any
// refund. There is no lock-wait timeout. The lock is released on every
// exit path.
func (s *Service) RequestGeneration(ctx context.Context, user string, sel *Selection) *Outcome {
	lock := s.locks.Get(user)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	dec, err := s.quota.Consume(ctx, user)
	charged := err == nil
	if err != nil {
		// Graceful degradation: an accounting hiccup must not block a
		// working generation path. Allow the attempt uncharged.
		s.logger.Warn("quota consume failed, allowing request",
			zap.String("user", user),
			zap.Error(err),
		)
		dec = quota.Decision{Allowed: true, Limit: s.quota.Limit()}
	}

	if !dec.Allowed {
		s.logger.Info("generation denied, daily allowance exhausted",
			zap.String("user", user),
			zap.Int("used", dec.Used),
			zap.Int("limit", dec.Limit),
		)
		if s.metrics != nil {
			s.metrics.QuotaDenialsTotal.Inc()
		}
		s.observe(OutcomeDenied, start)
		return &Outcome{Status: OutcomeDenied, Quota: dec}
	}

	payload, err := s.generator.Generate(ctx, sel)
	if err != nil {
		if charged {
			s.quota.Refund(ctx, user)
			if s.metrics != nil {
				s.metrics.QuotaRefundsTotal.Inc()
			}
		}
		s.logger.Error("generation failed",
			zap.String("user", user),
			zap.String("selection", sel.Summary()),
			zap.Error(err),
		)
		s.notify(user, sel, OutcomeFailed, err.Error())
		s.observe(OutcomeFailed, start)
		return &Outcome{Status: OutcomeFailed, Quota: dec, Err: err.Error()}
	}

	s.logger.Info("generation delivered",
		zap.String("user", user),
		zap.String("selection", sel.Summary()),
		zap.Int("used", dec.Used),
		zap.Int("remaining", dec.Remaining),
		zap.Duration("latency", time.Since(start)),
	)
	s.notify(user, sel, OutcomeDelivered, "")
	s.observe(OutcomeDelivered, start)
	return &Outcome{Status: OutcomeDelivered, Payload: payload, Quota: dec}
}

func (s *Service) notify(user string, sel *Selection, status OutcomeStatus, detail string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(user, sel.Summary(), string(status), detail)
}

func (s *Service) observe(status OutcomeStatus, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.GenerationsTotal.WithLabelValues(string(status)).Inc()
	s.metrics.GenerationDuration.Observe(time.Since(start).Seconds())
}
