package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type orderRepository struct {
	run access
}

// newerFirst упорядочивает заказы по убыванию (CreatedAt, ID), как индекс в PostgreSQL.
func newerFirst(a, b domain.Order) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

func (r *orderRepository) Create(_ context.Context, order domain.Order) error {
	return r.run(func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return domain.ErrOrderAlreadyExists
		}
		if _, taken := st.orderNumbers[order.Number]; taken {
			return domain.ErrOrderNumberTaken
		}
		st.orders[order.ID] = cloneOrder(order)
		st.orderNumbers[order.Number] = order.ID

		ids := st.byCustomer[order.CustomerID]
		at, _ := slices.BinarySearchFunc(ids, order, func(id string, target domain.Order) int {
			return newerFirst(st.orders[id], target)
		})
		st.byCustomer[order.CustomerID] = slices.Insert(ids, at, order.ID)
		return nil
	})
}

func (r *orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	return r.lookup(func(st *state) (string, bool) { return id, true })
}

// GetForUpdate не отличается от Get: InTx и так держит блокировку всего хранилища.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.Get(ctx, id)
}

func (r *orderRepository) GetByNumber(_ context.Context, number string) (domain.Order, error) {
	return r.lookup(func(st *state) (string, bool) {
		id, ok := st.orderNumbers[number]
		return id, ok
	})
}

func (r *orderRepository) lookup(resolve func(st *state) (string, bool)) (domain.Order, error) {
	var out domain.Order
	err := r.run(func(st *state) error {
		id, ok := resolve(st)
		if !ok {
			return domain.ErrOrderNotFound
		}
		order, ok := st.orders[id]
		if !ok {
			return domain.ErrOrderNotFound
		}
		out = cloneOrder(order)
		return nil
	})
	return out, err
}

func (r *orderRepository) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := r.run(func(st *state) error {
		ids := st.byCustomer[customerID]
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		out = make([]domain.Order, 0, len(ids))
		for _, id := range ids {
			out = append(out, cloneOrder(st.orders[id]))
		}
		return nil
	})
	return out, err
}

// Save заменяет изменяемые поля при совпадении версии. Позиции, номер и
// покупатель после оформления не меняются.
func (r *orderRepository) Save(_ context.Context, order domain.Order) (int64, error) {
	var version int64
	err := r.run(func(st *state) error {
		current, ok := st.orders[order.ID]
		switch {
		case !ok:
			return domain.ErrOrderNotFound
		case current.Version != order.Version:
			return domain.ErrOrderVersionConflict
		}
		next := cloneOrder(order)
		next.Items, next.Number, next.CustomerID, next.CreatedAt = current.Items, current.Number, current.CustomerID, current.CreatedAt
		next.Version++
		st.orders[order.ID] = next
		version = next.Version
		return nil
	})
	return version, err
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = slices.Clone(src.Items)
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dst.PaidAt = &paidAt
	}
	return dst
}

var _ domain.OrderRepository = (*orderRepository)(nil)
