package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderItem — снимок позиции на момент оформления. После создания не меняется,
// даже если товар в каталоге изменился.
type OrderItem struct {
	ID        string
	ProductID string
	Name      string
	SKU       string
	// PriceMinor — цена за единицу в минимальных денежных единицах (центы, копейки).
	PriceMinor int64
	Qty        int32
	// SubtotalMinor = PriceMinor * Qty.
	SubtotalMinor int64
	CreatedAt     time.Time
}

// Order — агрегат заказа. Status и PaymentStatus меняются только через
// TransitionTo, MarkAsPaid и MarkAsFailed.
type Order struct {
	ID            string
	Number        string
	CustomerID    string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Currency      string
	SubtotalMinor int64
	TaxMinor      int64
	ShippingMinor int64
	TotalMinor    int64
	TransactionID string
	PaidAt        *time.Time
	Items         []OrderItem
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrderItem содержит входные данные позиции при оформлении заказа.
type NewOrderItem struct {
	ProductID  string
	Name       string
	SKU        string
	PriceMinor int64
	Qty        int32
}

// NewOrderParams содержит входные данные для NewOrder.
type NewOrderParams struct {
	CustomerID    string
	Currency      string
	Items         []NewOrderItem
	TaxMinor      int64
	ShippingMinor int64
}

// NewOrder собирает заказ в статусе pending: снимает снимки позиций,
// считает subtotal и total, генерирует номер.
func NewOrder(params NewOrderParams, now time.Time) (Order, error) {
	now = now.UTC()
	number, err := GenerateOrderNumber(now)
	if err != nil {
		return Order{}, err
	}

	items := make([]OrderItem, 0, len(params.Items))
	for _, in := range params.Items {
		items = append(items, OrderItem{
			ID:         uuid.NewString(),
			ProductID:  strings.TrimSpace(in.ProductID),
			Name:       strings.TrimSpace(in.Name),
			SKU:        strings.TrimSpace(in.SKU),
			PriceMinor: in.PriceMinor,
			Qty:        in.Qty,
			CreatedAt:  now,
		})
	}

	order := Order{
		ID:            uuid.NewString(),
		Number:        number,
		CustomerID:    strings.TrimSpace(params.CustomerID),
		Status:        OrderStatusPending,
		PaymentStatus: PaymentStatusPending,
		Currency:      strings.ToUpper(strings.TrimSpace(params.Currency)),
		TaxMinor:      params.TaxMinor,
		ShippingMinor: params.ShippingMinor,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := order.RecalculateTotals(); err != nil {
		return Order{}, err
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return Order{}, errors.Join(errs...)
	}
	return order, nil
}

// RecalculateTotals пересчитывает subtotal по позициям и total.
// Единственный санкционированный способ изменить итоговую сумму.
// При переполнении возвращает ErrAmountOverflow и заказ не меняет.
func (o *Order) RecalculateTotals() error {
	lines := make([]int64, len(o.Items))
	var subtotal int64
	for i, item := range o.Items {
		line, ok := mulMinor(item.PriceMinor, item.Qty)
		if !ok {
			return fmt.Errorf("%w: item %d: %d x %d", ErrAmountOverflow, i, item.PriceMinor, item.Qty)
		}
		if subtotal, ok = addMinor(subtotal, line); !ok {
			return fmt.Errorf("%w: subtotal", ErrAmountOverflow)
		}
		lines[i] = line
	}
	total, ok := sumMinor(subtotal, o.TaxMinor, o.ShippingMinor)
	if !ok {
		return fmt.Errorf("%w: total", ErrAmountOverflow)
	}

	for i := range o.Items {
		o.Items[i].SubtotalMinor = lines[i]
	}
	o.SubtotalMinor = subtotal
	o.TotalMinor = total
	return nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.SubtotalMinor < 0 || o.TaxMinor < 0 || o.ShippingMinor < 0 || o.TotalMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownOrderStatus, o.Status))
	}
	if o.Number != "" && !ValidOrderNumber(o.Number) {
		errs = append(errs, ErrOrderNumberInvalid)
	}

	var calc int64
	overflow := false
	for _, item := range o.Items {
		if item.ProductID == "" || item.Name == "" {
			errs = append(errs, ErrItemProductRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		line, ok := mulMinor(item.PriceMinor, item.Qty)
		if ok {
			calc, ok = addMinor(calc, line)
		}
		overflow = overflow || !ok
	}
	if !overflow && calc != o.SubtotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}
	total, ok := sumMinor(o.SubtotalMinor, o.TaxMinor, o.ShippingMinor)
	if ok && total != o.TotalMinor {
		errs = append(errs, ErrTotalMismatch)
	}
	if overflow || !ok {
		errs = append(errs, ErrAmountOverflow)
	}

	return errs
}

// CreationEntry возвращает синтетическую первую запись истории (from = nil).
func (o *Order) CreationEntry(actor Actor, note string) StatusHistoryEntry {
	return newHistoryEntry(o.ID, nil, o.Status, actor, note, o.CreatedAt)
}

// TransitionTo переводит заказ в статус to по таблице переходов.
//
// Переход в текущий статус — успешный no-op: (nil, nil), без записи истории и
// без события. Недопустимый переход возвращает *InvalidTransitionError и
// не меняет заказ.
func (o *Order) TransitionTo(to OrderStatus, actor Actor, note string, now time.Time) (*StatusChange, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrderStatus, to)
	}
	if to == o.Status {
		return nil, nil
	}
	if !o.Status.CanTransitionTo(to) {
		return nil, &InvalidTransitionError{From: o.Status, To: to}
	}

	from := o.Status
	o.Status = to
	o.UpdatedAt = now.UTC()

	return o.statusChange(from, actor, note), nil
}

// MarkAsPaid фиксирует подтверждённую провайдером оплату.
//
// Вызывается только из доверенного потока сверки платежей и не проверяет
// таблицу переходов: pending и cancelled переводятся в paid, заказы дальше по
// жизненному циклу сохраняют статус. Повторный вызов после успешной оплаты —
// no-op, первый transaction id сохраняется.
func (o *Order) MarkAsPaid(transactionID string, actor Actor, now time.Time) (*StatusChange, error) {
	if o.PaymentStatus == PaymentStatusCompleted {
		return nil, nil
	}

	from := o.Status
	to := from
	switch from {
	case OrderStatusPending, OrderStatusCancelled:
		to = OrderStatusPaid
	case OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrderStatus, from)
	}

	now = now.UTC()
	o.Status = to
	o.PaymentStatus = PaymentStatusCompleted
	o.TransactionID = transactionID
	o.PaidAt = &now
	o.UpdatedAt = now

	note := "payment confirmed"
	if transactionID != "" {
		note += ": " + transactionID
	}
	return o.statusChange(from, actor, note), nil
}

// MarkAsFailed отмечает неудачную попытку оплаты. Статус заказа не меняется,
// клиент может повторить оплату. Завершённую оплату не понижает.
func (o *Order) MarkAsFailed(reason string, actor Actor, now time.Time) (*StatusChange, error) {
	if o.PaymentStatus == PaymentStatusCompleted {
		return nil, nil
	}

	o.PaymentStatus = PaymentStatusFailed
	o.UpdatedAt = now.UTC()

	note := "payment failed"
	if reason != "" {
		note += ": " + reason
	}
	return &StatusChange{
		History: newHistoryEntry(o.ID, statusPtr(o.Status), o.Status, actor, note, o.UpdatedAt),
	}, nil
}

// CanAcceptPayment сообщает, можно ли начать новую попытку оплаты.
func (o *Order) CanAcceptPayment() bool {
	switch o.PaymentStatus {
	case PaymentStatusPending, PaymentStatusFailed:
		return true
	case PaymentStatusCompleted, PaymentStatusRefunded:
		return false
	}
	return false
}

func (o *Order) statusChange(from OrderStatus, actor Actor, note string) *StatusChange {
	change := &StatusChange{
		History: newHistoryEntry(o.ID, statusPtr(from), o.Status, actor, note, o.UpdatedAt),
	}
	if from != o.Status {
		change.Event = &OrderStatusChanged{
			Order:          o.Snapshot(),
			PreviousStatus: from,
			Status:         o.Status,
			ActorID:        actor.ID,
			ActorName:      actor.DisplayName(),
			Note:           note,
			OccurredAt:     o.UpdatedAt,
		}
	}
	return change
}
