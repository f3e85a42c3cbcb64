package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// state — всё содержимое in-memory хранилища. Транзакция работает на копии
// и подменяет ею исходное состояние при успешном завершении.
type state struct {
	orders       map[string]domain.Order
	orderNumbers map[string]string
	// byCustomer хранит ID заказов покупателя от новых к старым.
	byCustomer  map[string][]string
	history     map[string][]domain.StatusHistoryEntry
	payments    map[string]domain.Payment
	paymentRefs map[string]string
	outbox      map[string]outboxRecord
	// outboxQueue — ID pending-сообщений в порядке добавления.
	outboxQueue []string
	idempotency map[string]domain.IdempotencyRecord
}

func newState() *state {
	return &state{
		orders:       make(map[string]domain.Order),
		orderNumbers: make(map[string]string),
		byCustomer:   make(map[string][]string),
		history:      make(map[string][]domain.StatusHistoryEntry),
		payments:     make(map[string]domain.Payment),
		paymentRefs:  make(map[string]string),
		outbox:       make(map[string]outboxRecord),
		idempotency:  make(map[string]domain.IdempotencyRecord),
	}
}

// clone копирует карты; значения внутри неизменяемы, потому что репозитории
// всегда сохраняют и отдают копии.
func (s *state) clone() *state {
	history := make(map[string][]domain.StatusHistoryEntry, len(s.history))
	for orderID, entries := range s.history {
		history[orderID] = slices.Clone(entries)
	}
	byCustomer := make(map[string][]string, len(s.byCustomer))
	for customerID, ids := range s.byCustomer {
		byCustomer[customerID] = slices.Clone(ids)
	}
	return &state{
		orders:       maps.Clone(s.orders),
		orderNumbers: maps.Clone(s.orderNumbers),
		byCustomer:   byCustomer,
		history:      history,
		payments:     maps.Clone(s.payments),
		paymentRefs:  maps.Clone(s.paymentRefs),
		outbox:       maps.Clone(s.outbox),
		outboxQueue:  slices.Clone(s.outboxQueue),
		idempotency:  maps.Clone(s.idempotency),
	}
}

// access выполняет fn над состоянием: под общей блокировкой вне транзакции
// или напрямую над копией внутри InTx.
type access func(fn func(st *state) error) error

// Store реализует domain.Store в памяти для локальной разработки и тестов.
// Все операции сериализуются одной блокировкой, транзакции тоже.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Repositories возвращает репозитории, каждая операция которых атомарна сама по себе.
func (s *Store) Repositories() domain.Repositories {
	return newRepositories(s.locked)
}

// InTx выполняет fn на копии состояния и фиксирует её, только если fn вернула nil.
// Вызывать репозитории из Repositories() внутри fn нельзя: блокировка уже захвачена.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.state.clone()
	direct := func(op func(st *state) error) error {
		return op(tx)
	}
	if err := fn(ctx, newRepositories(direct)); err != nil {
		return err
	}
	s.state = tx
	return nil
}

// Ping всегда успешен; нужен для health-проверки драйвера.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) locked(op func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return op(s.state)
}

func newRepositories(run access) domain.Repositories {
	return domain.Repositories{
		Orders:      &orderRepository{run: run},
		History:     &historyRepository{run: run},
		Payments:    &paymentRepository{run: run},
		Outbox:      &outboxRepository{run: run},
		Idempotency: &idempotencyRepository{run: run},
	}
}

var _ domain.Store = (*Store)(nil)
