package domain

import (
	"context"
	"time"
)

// Store описывает единицу работы над хранилищем.
//
// Repositories возвращает репозитории, работающие вне транзакции.
// InTx выполняет fn в одной транзакции: ошибка fn откатывает все изменения,
// сделанные через переданные repos.
type Store interface {
	Repositories() Repositories
	InTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// Repositories объединяет репозитории, разделяющие одну транзакцию.
type Repositories struct {
	Orders      OrderRepository
	History     StatusHistoryRepository
	Payments    PaymentRepository
	Outbox      OutboxRepository
	Idempotency IdempotencyRepository
}

// OrderRepository описывает хранение заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Занятый номер даёт ErrOrderNumberTaken.
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	// GetForUpdate читает заказ и блокирует его до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Order, error)
	GetByNumber(ctx context.Context, number string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми; limit <= 0 — без ограничения.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// Save перезаписывает заказ, сверяя order.Version (optimistic locking),
	// и возвращает новую версию.
	Save(ctx context.Context, order Order) (int64, error)
}

// StatusHistoryRepository — append-only журнал статусов.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry StatusHistoryEntry) (StatusHistoryEntry, error)
	// List возвращает записи заказа в порядке создания.
	List(ctx context.Context, orderID string) ([]StatusHistoryEntry, error)
}

// PaymentRepository описывает хранение попыток оплаты.
type PaymentRepository interface {
	// Create сохраняет платёж. Повтор пары (provider, provider_reference) даёт ErrPaymentAlreadyExists.
	Create(ctx context.Context, payment Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	GetByProviderReference(ctx context.Context, provider PaymentProvider, reference string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// ListStalePending возвращает pending-платежи, созданные раньше olderThan.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error)
	Save(ctx context.Context, payment Payment) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Release удаляет ключ, чтобы клиент мог повторить запрос после ошибки.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
