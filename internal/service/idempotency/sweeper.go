package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepBatch    = 500
	defaultSweepBatches  = 100
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup runs by result.",
	}, []string{"result"})
	sweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency keys removed by the cleanup worker.",
	})
	sweepLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_idempotency_cleanup_last_success_timestamp_seconds",
		Help: "Unix time of the last completed idempotency cleanup.",
	})
)

// SweepOption настраивает Sweeper.
type SweepOption func(*Sweeper)

func WithSweepLogger(logger *log.Entry) SweepOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSweepInterval(interval time.Duration) SweepOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepBatch ограничивает число ключей, удаляемых одним запросом.
func WithSweepBatch(batch int) SweepOption {
	return func(s *Sweeper) {
		if batch > 0 {
			s.batch = batch
		}
	}
}

// WithSweepLimit ограничивает число запросов за один проход; остаток
// дочищается следующим проходом.
func WithSweepLimit(batches int) SweepOption {
	return func(s *Sweeper) {
		if batches > 0 {
			s.maxBatches = batches
		}
	}
}

func withSweepClock(now func() time.Time) SweepOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// Sweeper удаляет ключи checkout-запросов и webhook-событий с истёкшим TTL.
type Sweeper struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	interval   time.Duration
	batch      int
	maxBatches int
	now        func() time.Time
}

func NewSweeper(repo domain.IdempotencyRepository, opts ...SweepOption) *Sweeper {
	s := &Sweeper{
		repo:       repo,
		logger:     log.WithField("component", "idempotency-cleanup"),
		interval:   defaultSweepInterval,
		batch:      defaultSweepBatch,
		maxBatches: defaultSweepBatches,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepResult описывает один проход очистки.
type SweepResult struct {
	Deleted int
	Batches int
	// Truncated: проход упёрся в лимит запросов, истёкшие ключи ещё есть.
	Truncated bool
}

// Run чистит ключи сразу и затем раз в interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency cleanup is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	result, err := s.Sweep(ctx, s.now().UTC())
	logger := s.logger.WithFields(log.Fields{
		"deleted": result.Deleted,
		"batches": result.Batches,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRuns.WithLabelValues("error").Inc()
		logger.WithError(err).Warn("idempotency cleanup failed")
		return
	}

	sweepRuns.WithLabelValues("ok").Inc()
	sweepLastSuccess.Set(float64(s.now().Unix()))
	switch {
	case result.Truncated:
		logger.Warn("idempotency cleanup hit the batch limit, continuing next run")
	case result.Deleted > 0:
		logger.Info("expired idempotency keys removed")
	}
}

// Sweep удаляет ключи с ttl <= before порциями по batch, пока порция
// заполняется целиком и не исчерпан лимит запросов.
func (s *Sweeper) Sweep(ctx context.Context, before time.Time) (SweepResult, error) {
	var result SweepResult
	if before.IsZero() {
		before = s.now().UTC()
	}

	for result.Batches < s.maxBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deleted, err := s.repo.DeleteExpired(ctx, before, s.batch)
		if err != nil {
			return result, err
		}
		result.Batches++
		result.Deleted += deleted
		sweepDeleted.Add(float64(deleted))
		if deleted < s.batch {
			return result, nil
		}
	}
	result.Truncated = true
	return result, nil
}
