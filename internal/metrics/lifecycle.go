package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lifecycle содержит метрики жизненного цикла заказа и оплаты.
// Методы безопасно вызывать у nil.
type Lifecycle struct {
	checkouts         *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	versionRetries    prometheus.Counter
	payments          *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	reconciledPending prometheus.Counter
	operationDuration *prometheus.HistogramVec
}

// NewLifecycle регистрирует метрики в registerer (DefaultRegisterer, если nil).
// Повторная регистрация возвращает уже зарегистрированные коллекторы.
func NewLifecycle(registerer prometheus.Registerer) *Lifecycle {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Lifecycle{
		checkouts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Checkout attempts by result.",
		}, []string{"result"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_order_transitions_total",
			Help: "Committed order status transitions.",
		}, []string{"from", "to"})),
		rejected: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_order_transitions_rejected_total",
			Help: "Rejected order status transitions by reason.",
		}, []string{"reason"})),
		versionRetries: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_order_version_retries_total",
			Help: "Retries caused by optimistic locking conflicts.",
		})),
		payments: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_payments_total",
			Help: "Payment state changes by provider and status.",
		}, []string{"provider", "status"})),
		webhooks: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_payment_webhooks_total",
			Help: "Provider webhooks by provider and result.",
		}, []string{"provider", "result"})),
		providerLatency: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_provider_request_duration_seconds",
			Help:    "Latency of payment provider API calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "operation", "result"})),
		reconciledPending: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_payments_reconciled_total",
			Help: "Stale pending payments settled by the reconciliation worker.",
		})),
		operationDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_operation_duration_seconds",
			Help:    "Duration of order and payment unit-of-work operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"operation"})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", already.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

func (m *Lifecycle) CheckoutCompleted() {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues("ok").Inc()
}

func (m *Lifecycle) CheckoutFailed() {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues("error").Inc()
}

// TransitionCommitted учитывает переход, зафиксированный в хранилище.
func (m *Lifecycle) TransitionCommitted(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// TransitionRejected учитывает отклонённый переход: invalid, not_found, conflict, error.
func (m *Lifecycle) TransitionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Lifecycle) VersionRetry() {
	if m == nil {
		return
	}
	m.versionRetries.Inc()
}

func (m *Lifecycle) PaymentStatus(provider, status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(provider, status).Inc()
}

// Webhook учитывает входящее уведомление: processed, duplicate, ignored, invalid_signature, error.
func (m *Lifecycle) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *Lifecycle) ProviderCall(provider, operation string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerLatency.WithLabelValues(provider, operation, result).Observe(took.Seconds())
}

func (m *Lifecycle) Reconciled() {
	if m == nil {
		return
	}
	m.reconciledPending.Inc()
}

// ObserveOperation записывает длительность операции, начатой в started.
func (m *Lifecycle) ObserveOperation(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
