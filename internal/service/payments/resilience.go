package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// ErrCircuitOpen — вызовы провайдера временно заблокированы после серии сбоев.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrProviderUnavailable)

// RetryConfig описывает повторы вызовов провайдера.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// retry повторяет fn, пока она возвращает ErrProviderUnavailable.
// Отказы провайдера (ErrProviderRejected) и открытый breaker не повторяются.
func retry(ctx context.Context, cfg RetryConfig, logger *log.Entry, operation string, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.InitialDelay

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("provider call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, domain.ErrProviderUnavailable)
}

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker размыкает цепь после maxFailures подряд сбоев связи
// и пропускает пробный вызов через resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        CircuitState
	// trial — в полуоткрытом состоянии уже выполняется пробный вызов.
	trial  bool
	now    func() time.Time
	logger *log.Entry
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		now:          time.Now,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn, если цепь не разомкнута. Сбоем считается только
// ErrProviderUnavailable: отказ провайдера по существу запроса цепь не размыкает.
// В полуоткрытом состоянии проходит один пробный вызов, остальные получают ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	trial := false
	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		trial = true
	case CircuitHalfOpen:
		if cb.trial {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		trial = true
	}
	if trial {
		cb.trial = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.trial = false
	}

	if err != nil && errors.Is(err, domain.ErrProviderUnavailable) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
	return err
}

// guardedAdapter оборачивает исходящие вызовы провайдера повторами,
// circuit breaker и метриками. Разбор webhook идёт напрямую.
type guardedAdapter struct {
	domain.PaymentProviderAdapter
	retry   RetryConfig
	breaker *CircuitBreaker
	metrics *metrics.Lifecycle
	logger  *log.Entry
}

func newGuardedAdapter(adapter domain.PaymentProviderAdapter, cfg RetryConfig, breaker *CircuitBreaker, m *metrics.Lifecycle, logger *log.Entry) *guardedAdapter {
	return &guardedAdapter{
		PaymentProviderAdapter: adapter,
		retry:                  cfg,
		breaker:                breaker,
		metrics:                m,
		logger:                 logger.WithField("provider", adapter.Provider()),
	}
}

func (g *guardedAdapter) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.Session, error) {
	var session domain.Session
	err := g.call(ctx, "create_session", func() error {
		var err error
		session, err = g.PaymentProviderAdapter.CreateSession(ctx, req)
		return err
	})
	return session, err
}

func (g *guardedAdapter) Confirm(ctx context.Context, providerReference string) (domain.ProviderResult, error) {
	var result domain.ProviderResult
	err := g.call(ctx, "confirm", func() error {
		var err error
		result, err = g.PaymentProviderAdapter.Confirm(ctx, providerReference)
		return err
	})
	return result, err
}

func (g *guardedAdapter) call(ctx context.Context, operation string, fn func() error) error {
	provider := string(g.Provider())
	return retry(ctx, g.retry, g.logger, operation, func() error {
		return g.breaker.Execute(operation, func() error {
			started := time.Now()
			err := fn()
			g.metrics.ProviderCall(provider, operation, err, time.Since(started))
			return err
		})
	})
}
