package payments

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultReconcileInterval = time.Minute
	defaultReconcileAfter    = 15 * time.Minute
	defaultReconcileBatch    = 50
)

// ReconcileWorker сверяет с провайдером платежи, которые слишком долго
// остаются pending (потерянный webhook, клиент закрыл страницу).
type ReconcileWorker struct {
	service  *Service
	payments domain.PaymentRepository
	logger   *log.Entry
	interval time.Duration
	after    time.Duration
	batch    int
}

// ReconcileOption настраивает ReconcileWorker.
type ReconcileOption func(*ReconcileWorker)

func WithReconcileInterval(interval time.Duration) ReconcileOption {
	return func(w *ReconcileWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithReconcileAfter задаёт возраст pending-платежа, после которого он сверяется.
func WithReconcileAfter(after time.Duration) ReconcileOption {
	return func(w *ReconcileWorker) {
		if after > 0 {
			w.after = after
		}
	}
}

func WithReconcileBatch(batch int) ReconcileOption {
	return func(w *ReconcileWorker) {
		if batch > 0 {
			w.batch = batch
		}
	}
}

func WithReconcileLogger(logger *log.Entry) ReconcileOption {
	return func(w *ReconcileWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewReconcileWorker(service *Service, opts ...ReconcileOption) *ReconcileWorker {
	w := &ReconcileWorker{
		service:  service,
		payments: service.store.Repositories().Payments,
		logger:   log.WithField("component", "payment-reconciler"),
		interval: defaultReconcileInterval,
		after:    defaultReconcileAfter,
		batch:    defaultReconcileBatch,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run сверяет зависшие платежи раз в interval до отмены ctx.
func (w *ReconcileWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.WithFields(log.Fields{
		"interval": w.interval,
		"after":    w.after,
	}).Info("payment reconciler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ReconcileStale(ctx)
		}
	}
}

// ReconcileStale обрабатывает одну порцию зависших платежей и возвращает
// число платежей, пришедших в финальный статус. Ошибка по одному платежу
// не останавливает остальные: он будет проверен в следующий раз.
func (w *ReconcileWorker) ReconcileStale(ctx context.Context) int {
	stale, err := w.payments.ListStalePending(ctx, w.service.now().UTC().Add(-w.after), w.batch)
	if err != nil {
		w.logger.WithError(err).Warn("failed to list stale payments")
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	settled := 0
	for _, payment := range stale {
		if ctx.Err() != nil {
			return settled
		}

		fields := log.Fields{
			"payment_id": payment.ID,
			"order_id":   payment.OrderID,
			"provider":   payment.Provider,
		}
		updated, err := w.service.Confirm(ctx, payment.ID)
		if err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("stale payment confirmation failed")
			continue
		}
		if updated.IsFinal() {
			settled++
			w.service.metrics.Reconciled()
			w.logger.WithFields(fields).WithField("payment_status", updated.Status).Info("stale payment settled")
		}
	}
	return settled
}
