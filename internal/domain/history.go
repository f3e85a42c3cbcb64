package domain

import "time"

// StatusHistoryEntry представляет запись append-only журнала статусов заказа.
type StatusHistoryEntry struct {
	ID      string
	OrderID string
	// FromStatus пуст только у синтетической записи о создании заказа.
	FromStatus *OrderStatus
	ToStatus   OrderStatus
	// ActorID пуст для системных переходов.
	ActorID   string
	ActorName string
	Note      string
	CreatedAt time.Time
}

// IsCreation сообщает, что запись фиксирует создание заказа.
func (e StatusHistoryEntry) IsCreation() bool {
	return e.FromStatus == nil
}

func newHistoryEntry(orderID string, from *OrderStatus, to OrderStatus, actor Actor, note string, now time.Time) StatusHistoryEntry {
	return StatusHistoryEntry{
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor.ID,
		ActorName:  actor.DisplayName(),
		Note:       note,
		CreatedAt:  now,
	}
}

func statusPtr(s OrderStatus) *OrderStatus {
	return &s
}
