package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// AggregateTypeOrder используется в outbox для событий заказа.
	AggregateTypeOrder = "order"

	// EventTypeOrderStatusChanged — статус заказа изменился.
	EventTypeOrderStatusChanged = "OrderStatusChanged"
	// EventTypeOrderPlaced — заказ создан при оформлении.
	EventTypeOrderPlaced = "OrderPlaced"
)

// OrderStatusChanged — доменное событие успешного перехода статуса.
// Публикуется ровно один раз на переход через transactional outbox.
type OrderStatusChanged struct {
	Order          OrderSnapshot `json:"order"`
	PreviousStatus OrderStatus   `json:"previous_status"`
	Status         OrderStatus   `json:"status"`
	ActorID        string        `json:"actor_id,omitempty"`
	ActorName      string        `json:"actor_name"`
	Note           string        `json:"note,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// OrderPlaced публикуется при оформлении нового заказа.
type OrderPlaced struct {
	Order      OrderSnapshot `json:"order"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// OrderSnapshot — сериализуемый снимок заказа в событиях.
type OrderSnapshot struct {
	ID            string         `json:"id"`
	Number        string         `json:"number"`
	CustomerID    string         `json:"customer_id"`
	Status        OrderStatus    `json:"status"`
	PaymentStatus PaymentStatus  `json:"payment_status"`
	Currency      string         `json:"currency"`
	SubtotalMinor int64          `json:"subtotal_minor"`
	TaxMinor      int64          `json:"tax_minor"`
	ShippingMinor int64          `json:"shipping_minor"`
	TotalMinor    int64          `json:"total_minor"`
	TransactionID string         `json:"transaction_id,omitempty"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
	Items         []ItemSnapshot `json:"items"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ItemSnapshot описывает позицию заказа внутри OrderSnapshot.
type ItemSnapshot struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	SKU           string `json:"sku,omitempty"`
	PriceMinor    int64  `json:"price_minor"`
	Qty           int32  `json:"qty"`
	SubtotalMinor int64  `json:"subtotal_minor"`
}

// Snapshot формирует снимок текущего состояния заказа.
func (o *Order) Snapshot() OrderSnapshot {
	items := make([]ItemSnapshot, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, ItemSnapshot{
			ProductID:     item.ProductID,
			Name:          item.Name,
			SKU:           item.SKU,
			PriceMinor:    item.PriceMinor,
			Qty:           item.Qty,
			SubtotalMinor: item.SubtotalMinor,
		})
	}
	var paidAt *time.Time
	if o.PaidAt != nil {
		t := *o.PaidAt
		paidAt = &t
	}
	return OrderSnapshot{
		ID:            o.ID,
		Number:        o.Number,
		CustomerID:    o.CustomerID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Currency:      o.Currency,
		SubtotalMinor: o.SubtotalMinor,
		TaxMinor:      o.TaxMinor,
		ShippingMinor: o.ShippingMinor,
		TotalMinor:    o.TotalMinor,
		TransactionID: o.TransactionID,
		PaidAt:        paidAt,
		Items:         items,
		UpdatedAt:     o.UpdatedAt,
	}
}

// StatusChange — результат операции агрегата: запись истории и, если статус
// действительно изменился, событие для диспетчера.
type StatusChange struct {
	History StatusHistoryEntry
	Event   *OrderStatusChanged
}

// DecodeOrderStatusChanged разбирает payload события OrderStatusChanged из outbox.
func DecodeOrderStatusChanged(payload []byte) (OrderStatusChanged, error) {
	var event OrderStatusChanged
	if err := json.Unmarshal(payload, &event); err != nil {
		return OrderStatusChanged{}, fmt.Errorf("decode %s: %w", EventTypeOrderStatusChanged, err)
	}
	return event, nil
}

// DecodeOrderPlaced разбирает payload события OrderPlaced из outbox.
func DecodeOrderPlaced(payload []byte) (OrderPlaced, error) {
	var event OrderPlaced
	if err := json.Unmarshal(payload, &event); err != nil {
		return OrderPlaced{}, fmt.Errorf("decode %s: %w", EventTypeOrderPlaced, err)
	}
	return event, nil
}
