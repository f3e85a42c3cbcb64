package domain

import (
	"fmt"
	"slices"
	"strings"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ждёт оплаты.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — оплата подтверждена провайдером.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing — заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ получен клиентом. Терминальный статус.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён. Терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses возвращает все значения перечисления в порядке жизненного цикла.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPaid,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

// ParseOrderStatus разбирает статус без учёта регистра.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderStatus, raw)
	}
	return status, nil
}

// Valid проверяет, что статус относится к перечислению.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// AllowedTransitions возвращает множество статусов, в которые можно перейти из s.
//
// Каждое значение перечисления обязано иметь ветку в switch: новый статус без
// строки таблицы приводит к panic, а тест перебирает OrderStatuses().
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	switch s {
	case OrderStatusPending:
		return []OrderStatus{OrderStatusPaid, OrderStatusCancelled}
	case OrderStatusPaid:
		return []OrderStatus{OrderStatusProcessing, OrderStatusCancelled}
	case OrderStatusProcessing:
		return []OrderStatus{OrderStatusShipped, OrderStatusCancelled}
	case OrderStatusShipped:
		return []OrderStatus{OrderStatusDelivered}
	case OrderStatusDelivered, OrderStatusCancelled:
		return nil
	}
	panic(fmt.Sprintf("domain: order status %q has no transition table row", string(s)))
}

// CanTransitionTo сообщает, разрешён ли переход s -> to.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	if !s.Valid() || !to.Valid() {
		return false
	}
	return slices.Contains(s.AllowedTransitions(), to)
}

// IsTerminal сообщает, что у статуса нет исходящих переходов.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(s.AllowedTransitions()) == 0
}

// CanTransition является функциональной формой CanTransitionTo.
func CanTransition(from, to OrderStatus) bool {
	return from.CanTransitionTo(to)
}
