package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/tracing"
)

const (
	defaultConflictAttempts = 3
	defaultConflictBackoff  = 10 * time.Millisecond
)

// Service выполняет операции над заказом как единицы работы: изменение
// заказа, запись истории и событие в outbox фиксируются одной транзакцией.
type Service struct {
	store            domain.Store
	logger           *log.Entry
	metrics          *metrics.Lifecycle
	tracer           trace.Tracer
	now              func() time.Time
	conflictAttempts int
	conflictBackoff  time.Duration
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

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithConflictRetry задаёт число попыток и начальную паузу при конфликте версий.
func WithConflictRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.conflictAttempts = attempts
		}
		if backoff >= 0 {
			s.conflictBackoff = backoff
		}
	}
}

// NewService создаёт сервис заказов поверх хранилища.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:            store,
		logger:           log.WithField("component", "order-service"),
		tracer:           tracing.Tracer("orders"),
		now:              time.Now,
		conflictAttempts: defaultConflictAttempts,
		conflictBackoff:  defaultConflictBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckoutRequest содержит данные оформления заказа.
type CheckoutRequest struct {
	CustomerID    string
	Currency      string
	Items         []domain.NewOrderItem
	TaxMinor      int64
	ShippingMinor int64
	Actor         domain.Actor
	Note          string
}

// Checkout создаёт заказ в статусе pending вместе с записью истории о создании
// и событием OrderPlaced. Коллизия номера повторяется с новым номером.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.Checkout", trace.WithAttributes(attribute.String("customer_id", req.CustomerID)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()
	defer s.metrics.ObserveOperation("checkout", time.Now())

	for attempt := 1; attempt <= domain.OrderNumberAttempts; attempt++ {
		order, err = domain.NewOrder(domain.NewOrderParams{
			CustomerID:    req.CustomerID,
			Currency:      req.Currency,
			Items:         req.Items,
			TaxMinor:      req.TaxMinor,
			ShippingMinor: req.ShippingMinor,
		}, s.now())
		if err != nil {
			s.metrics.CheckoutFailed()
			return domain.Order{}, err
		}

		err = s.store.InTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			if err := repos.Orders.Create(ctx, order); err != nil {
				return err
			}
			if _, err := repos.History.Append(ctx, order.CreationEntry(req.Actor, req.Note)); err != nil {
				return persistence("append creation history", err)
			}
			return enqueue(ctx, repos.Outbox, order.ID, domain.EventTypeOrderPlaced, domain.OrderPlaced{
				Order:      order.Snapshot(),
				OccurredAt: order.CreatedAt,
			})
		})
		if !errors.Is(err, domain.ErrOrderNumberTaken) {
			break
		}
		s.logger.WithFields(log.Fields{
			"order_number": order.Number,
			"attempt":      attempt,
		}).Warn("order number collision, regenerating")
	}
	if err != nil {
		s.metrics.CheckoutFailed()
		if errors.Is(err, domain.ErrOrderNumberTaken) {
			return domain.Order{}, persistence("allocate order number", err)
		}
		return domain.Order{}, persistence("create order", err)
	}

	s.metrics.CheckoutCompleted()
	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.Number,
		"customer_id":  order.CustomerID,
		"total_minor":  order.TotalMinor,
	}).Info("order placed")
	return order, nil
}

// TransitionTo переводит заказ в статус to от имени actor.
// Переход в текущий статус успешен и ничего не записывает.
// Конфликт версий повторяется с экспоненциальной паузой.
func (s *Service) TransitionTo(ctx context.Context, orderID string, to domain.OrderStatus, actor domain.Actor, note string) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.TransitionTo", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("to", string(to)),
	))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()
	defer s.metrics.ObserveOperation("transition", time.Now())

	var change *domain.StatusChange
	err = s.RetryOnConflict(ctx, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			current, err := repos.Orders.GetForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			change, err = current.TransitionTo(to, actor, note, s.now())
			if err != nil {
				return err
			}
			if change != nil {
				if err := Persist(ctx, repos, &current, change); err != nil {
					return err
				}
			}
			order = current
			return nil
		})
	})
	if err != nil {
		s.metrics.TransitionRejected(rejectReason(err))
		return domain.Order{}, err
	}

	if change != nil && change.Event != nil {
		s.metrics.TransitionCommitted(string(change.Event.PreviousStatus), string(change.Event.Status))
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"from":     change.Event.PreviousStatus,
			"to":       change.Event.Status,
			"actor":    actor.DisplayName(),
		}).Info("order status changed")
	}
	return order, nil
}

// RetryOnConflict повторяет fn, пока она возвращает конфликт версий,
// не более conflictAttempts раз.
func (s *Service) RetryOnConflict(ctx context.Context, fn func() error) error {
	delay := s.conflictBackoff
	var err error
	for attempt := 1; attempt <= s.conflictAttempts; attempt++ {
		err = fn()
		if !domain.IsVersionConflict(err) || attempt == s.conflictAttempts {
			return err
		}
		s.metrics.VersionRetry()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.store.Repositories().Orders.Get(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	return s.store.Repositories().Orders.GetByNumber(ctx, number)
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	return s.store.Repositories().Orders.ListByCustomer(ctx, customerID, limit)
}

// History возвращает журнал статусов заказа в порядке записи.
func (s *Service) History(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	repos := s.store.Repositories()
	if _, err := repos.Orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return repos.History.List(ctx, orderID)
}

// Persist сохраняет изменённый агрегат внутри открытой транзакции: заказ,
// запись истории и, если статус изменился, событие в outbox.
func Persist(ctx context.Context, repos domain.Repositories, order *domain.Order, change *domain.StatusChange) error {
	version, err := repos.Orders.Save(ctx, *order)
	if err != nil {
		return persistence("save order", err)
	}
	order.Version = version

	if _, err := repos.History.Append(ctx, change.History); err != nil {
		return persistence("append status history", err)
	}
	if change.Event == nil {
		return nil
	}
	return enqueue(ctx, repos.Outbox, order.ID, domain.EventTypeOrderStatusChanged, change.Event)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrUnknownOrderStatus):
		return "invalid"
	case errors.Is(err, domain.ErrOrderNotFound):
		return "not_found"
	case domain.IsVersionConflict(err):
		return "conflict"
	default:
		return "error"
	}
}

// persistence оборачивает ошибку хранилища в ErrPersistence. Доменные
// ошибки репозиториев возвращаются как есть.
func persistence(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrPersistence),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrOrderVersionConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
	}
}
