package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/tracing"
)

const (
	defaultWebhookKeyTTL    = 7 * 24 * time.Hour
	defaultBreakerFailures  = 5
	defaultBreakerResetTime = 30 * time.Second
)

// Service создаёт попытки оплаты у провайдеров и сверяет их результат с заказом.
type Service struct {
	store         domain.Store
	orders        *orders.Service
	adapters      map[domain.PaymentProvider]domain.PaymentProviderAdapter
	logger        *log.Entry
	metrics       *metrics.Lifecycle
	tracer        trace.Tracer
	now           func() time.Time
	retry         RetryConfig
	webhookKeyTTL time.Duration
}

// Option настраивает Service.
type Option func(*Service)

func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Lifecycle) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryConfig задаёт повторы при недоступности провайдера.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) {
		s.retry = cfg
	}
}

// WithWebhookKeyTTL задаёт, сколько помнится id обработанного webhook.
func WithWebhookKeyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.webhookKeyTTL = ttl
		}
	}
}

// NewService создаёт сервис платежей. Каждый адаптер получает свой circuit breaker.
func NewService(store domain.Store, ordersSvc *orders.Service, adapters []domain.PaymentProviderAdapter, opts ...Option) *Service {
	s := &Service{
		store:         store,
		orders:        ordersSvc,
		adapters:      make(map[domain.PaymentProvider]domain.PaymentProviderAdapter, len(adapters)),
		logger:        log.WithField("component", "payment-service"),
		tracer:        tracing.Tracer("payments"),
		now:           time.Now,
		retry:         DefaultRetryConfig(),
		webhookKeyTTL: defaultWebhookKeyTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, adapter := range adapters {
		breaker := NewCircuitBreaker(defaultBreakerFailures, defaultBreakerResetTime,
			s.logger.WithField("provider", adapter.Provider()))
		s.adapters[adapter.Provider()] = newGuardedAdapter(adapter, s.retry, breaker, s.metrics, s.logger)
	}
	return s
}

// Providers возвращает подключённых провайдеров.
func (s *Service) Providers() []domain.PaymentProvider {
	out := make([]domain.PaymentProvider, 0, len(s.adapters))
	for _, p := range domain.PaymentProviders() {
		if _, ok := s.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) adapter(provider domain.PaymentProvider) (domain.PaymentProviderAdapter, error) {
	adapter, ok := s.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", domain.ErrUnknownPaymentProvider, provider)
	}
	return adapter, nil
}

// CreatePaymentRequest содержит данные новой попытки оплаты.
type CreatePaymentRequest struct {
	OrderID        string
	Provider       domain.PaymentProvider
	PayerID        string
	IdempotencyKey string
	Metadata       map[string]any
}

// CreatePayment открывает сессию у провайдера и только после этого
// сохраняет Payment в статусе pending. Вызов провайдера идёт вне транзакции.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (payment domain.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "payments.CreatePayment", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("provider", string(req.Provider)),
	))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()
	defer s.metrics.ObserveOperation("create_payment", time.Now())

	adapter, err := s.adapter(req.Provider)
	if err != nil {
		return domain.Payment{}, err
	}
	metadata, err := domain.NormalizeMetadata(req.Metadata)
	if err != nil {
		return domain.Payment{}, err
	}

	order, err := s.store.Repositories().Orders.Get(ctx, req.OrderID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !order.CanAcceptPayment() {
		return domain.Payment{}, fmt.Errorf("%w: payment status is %s", domain.ErrPaymentNotAcceptable, order.PaymentStatus)
	}

	paymentID := uuid.NewString()
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = "payment-" + paymentID
	}

	session, err := adapter.CreateSession(ctx, domain.SessionRequest{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		AmountMinor:    order.TotalMinor,
		Currency:       order.Currency,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
	if err != nil {
		return domain.Payment{}, err
	}

	now := s.now().UTC()
	payment = domain.Payment{
		ID:                paymentID,
		OrderID:           order.ID,
		PayerID:           req.PayerID,
		Provider:          req.Provider,
		ProviderReference: session.ProviderReference,
		ClientReference:   session.ClientReference,
		AmountMinor:       order.TotalMinor,
		Currency:          order.Currency,
		Status:            domain.PaymentStatusPending,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if errs := payment.Validate(); len(errs) > 0 {
		return domain.Payment{}, errors.Join(errs...)
	}

	err = s.store.InTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		current, err := repos.Orders.GetForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		if !current.CanAcceptPayment() {
			return fmt.Errorf("%w: payment status is %s", domain.ErrPaymentNotAcceptable, current.PaymentStatus)
		}
		if err := repos.Payments.Create(ctx, payment); err != nil {
			if errors.Is(err, domain.ErrPaymentAlreadyExists) {
				return err
			}
			return fmt.Errorf("%w: create payment: %w", domain.ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":           order.ID,
			"provider":           req.Provider,
			"provider_reference": session.ProviderReference,
		}).Warn("provider session created but payment was not recorded")
		return domain.Payment{}, err
	}

	s.metrics.PaymentStatus(string(payment.Provider), string(payment.Status))
	s.logger.WithFields(log.Fields{
		"payment_id":         payment.ID,
		"order_id":           order.ID,
		"provider":           payment.Provider,
		"provider_reference": payment.ProviderReference,
	}).Info("payment session created")
	return payment, nil
}

func (s *Service) Get(ctx context.Context, paymentID string) (domain.Payment, error) {
	return s.store.Repositories().Payments.Get(ctx, paymentID)
}

// ListByOrder возвращает попытки оплаты заказа, старые первыми.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	repos := s.store.Repositories()
	if _, err := repos.Orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return repos.Payments.ListByOrder(ctx, orderID)
}

// Confirm запрашивает у провайдера состояние платежа и сверяет его.
// Для завершённого платежа провайдер не вызывается.
func (s *Service) Confirm(ctx context.Context, paymentID string) (payment domain.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "payments.Confirm", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	payment, err = s.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.IsFinal() {
		return payment, nil
	}

	adapter, err := s.adapter(payment.Provider)
	if err != nil {
		return domain.Payment{}, err
	}
	result, err := adapter.Confirm(ctx, payment.ProviderReference)
	if err != nil {
		return domain.Payment{}, err
	}
	if result.ProviderReference == "" {
		result.ProviderReference = payment.ProviderReference
	}

	return s.Reconcile(ctx, payment.Provider, result)
}

// Reconcile применяет ответ провайдера к платежу и заказу в одной транзакции.
// Повторная сверка завершённого платежа ничего не меняет.
func (s *Service) Reconcile(ctx context.Context, provider domain.PaymentProvider, result domain.ProviderResult) (domain.Payment, error) {
	var payment domain.Payment
	err := s.orders.RetryOnConflict(ctx, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			var err error
			payment, err = s.reconcileTx(ctx, repos, provider, result)
			return err
		})
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return payment, nil
}

func (s *Service) reconcileTx(ctx context.Context, repos domain.Repositories, provider domain.PaymentProvider, result domain.ProviderResult) (domain.Payment, error) {
	payment, err := repos.Payments.GetByProviderReference(ctx, provider, result.ProviderReference)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.IsFinal() {
		return payment, nil
	}

	order, err := repos.Orders.GetForUpdate(ctx, payment.OrderID)
	if err != nil {
		return domain.Payment{}, err
	}

	outcome, reason := result.Outcome, result.FailureReason
	if outcome == domain.OutcomeSucceeded {
		if shortfall, short := result.CaptureShortfall(payment.AmountMinor, payment.Currency); short {
			s.logger.WithFields(log.Fields{
				"payment_id": payment.ID,
				"order_id":   payment.OrderID,
				"provider":   payment.Provider,
				"shortfall":  shortfall,
			}).Warn("captured amount does not cover payment")
			outcome, reason = domain.OutcomeFailed, "amount_mismatch: "+shortfall
		}
	}

	now := s.now()
	var change *domain.StatusChange
	switch outcome {
	case domain.OutcomeSucceeded:
		change, err = payment.MarkAsCompleted(&order, result.TransactionID, result.Metadata, now)
	case domain.OutcomeFailed:
		change, err = payment.MarkAsFailed(&order, reason, result.Metadata, now)
	default:
		return payment, nil
	}
	if errors.Is(err, domain.ErrPaymentAlreadyFinal) {
		return payment, nil
	}
	if err != nil {
		return domain.Payment{}, err
	}

	if err := repos.Payments.Save(ctx, payment); err != nil {
		return domain.Payment{}, fmt.Errorf("%w: save payment: %w", domain.ErrPersistence, err)
	}
	if change != nil {
		if err := orders.Persist(ctx, repos, &order, change); err != nil {
			return domain.Payment{}, err
		}
	}

	s.metrics.PaymentStatus(string(payment.Provider), string(payment.Status))
	s.logger.WithFields(log.Fields{
		"payment_id":     payment.ID,
		"order_id":       order.ID,
		"provider":       payment.Provider,
		"payment_status": payment.Status,
		"order_status":   order.Status,
	}).Info("payment reconciled")
	return payment, nil
}

// WebhookResult описывает итог обработки уведомления провайдера.
type WebhookResult struct {
	EventID   string
	EventType string
	// Duplicate — событие с этим id уже обработано.
	Duplicate bool
	// Ignored — событие не относится к оплате.
	Ignored bool
	Payment *domain.Payment
}

// HandleWebhook проверяет подпись, отбрасывает повторы по id события и
// сверяет платёж. Ключ события и изменения платежа фиксируются одной
// транзакцией, так что после ошибки провайдер может повторить доставку.
func (s *Service) HandleWebhook(ctx context.Context, provider domain.PaymentProvider, header http.Header, body []byte) (result WebhookResult, err error) {
	ctx, span := s.tracer.Start(ctx, "payments.HandleWebhook", trace.WithAttributes(attribute.String("provider", string(provider))))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	adapter, err := s.adapter(provider)
	if err != nil {
		return WebhookResult{}, err
	}

	event, err := adapter.ParseWebhook(ctx, header, body)
	if err != nil {
		if errors.Is(err, domain.ErrWebhookSignatureInvalid) {
			s.metrics.Webhook(string(provider), "invalid_signature")
		} else {
			s.metrics.Webhook(string(provider), "error")
		}
		return WebhookResult{}, err
	}
	result = WebhookResult{EventID: event.ID, EventType: event.Type}

	if event.Result.Outcome == domain.OutcomeIgnored || event.Result.Outcome == domain.OutcomePending {
		result.Ignored = true
		s.metrics.Webhook(string(provider), "ignored")
		return result, nil
	}

	key := webhookKey(provider, event.ID)
	hash := sha256.Sum256(body)
	err = s.orders.RetryOnConflict(ctx, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			result.Duplicate = false
			result.Payment = nil

			_, err := repos.Idempotency.CreateProcessing(ctx, key, hex.EncodeToString(hash[:]), s.now().UTC().Add(s.webhookKeyTTL))
			if domain.IsIdempotencyConflict(err) {
				result.Duplicate = true
				return nil
			}
			if err != nil {
				return err
			}

			payment, err := s.reconcileTx(ctx, repos, provider, event.Result)
			if err != nil {
				return err
			}
			result.Payment = &payment
			return repos.Idempotency.MarkDone(ctx, key, nil, http.StatusOK)
		})
	})
	if err != nil {
		s.metrics.Webhook(string(provider), "error")
		s.logger.WithError(err).WithFields(log.Fields{
			"provider":   provider,
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Warn("webhook processing failed")
		return WebhookResult{}, err
	}

	if result.Duplicate {
		s.metrics.Webhook(string(provider), "duplicate")
	} else {
		s.metrics.Webhook(string(provider), "processed")
	}
	return result, nil
}

func webhookKey(provider domain.PaymentProvider, eventID string) string {
	return "webhook:" + string(provider) + ":" + eventID
}
