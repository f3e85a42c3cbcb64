package memory

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// historyRepository хранит журнал статусов в памяти. Записи только добавляются.
type historyRepository struct {
	run access
}

// Append добавляет запись; идентификатор назначается, если не задан.
func (r *historyRepository) Append(_ context.Context, entry domain.StatusHistoryEntry) (domain.StatusHistoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.FromStatus = cloneStatus(entry.FromStatus)

	err := r.run(func(st *state) error {
		if _, ok := st.orders[entry.OrderID]; !ok {
			return domain.ErrOrderNotFound
		}
		st.history[entry.OrderID] = append(st.history[entry.OrderID], entry)
		return nil
	})
	if err != nil {
		return domain.StatusHistoryEntry{}, err
	}
	return entry, nil
}

// List возвращает записи заказа в порядке добавления.
func (r *historyRepository) List(_ context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	var result []domain.StatusHistoryEntry
	err := r.run(func(st *state) error {
		result = slices.Clone(st.history[orderID])
		return nil
	})
	if result == nil {
		result = []domain.StatusHistoryEntry{}
	}
	for i := range result {
		result[i].FromStatus = cloneStatus(result[i].FromStatus)
	}
	return result, err
}

func cloneStatus(s *domain.OrderStatus) *domain.OrderStatus {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var _ domain.StatusHistoryRepository = (*historyRepository)(nil)
