package domain

import (
	"fmt"
	"strings"
	"time"
)

// PaymentStatus описывает состояние попытки оплаты.
type PaymentStatus string

const (
	// PaymentStatusPending — сессия у провайдера создана, результата ещё нет.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted — провайдер подтвердил списание.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed — провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded — деньги возвращены клиенту.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid проверяет, что статус относится к перечислению.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// IsFinal — из статуса больше нет переходов через сверку.
func (s PaymentStatus) IsFinal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentProvider перечисляет поддерживаемых платёжных провайдеров.
type PaymentProvider string

const (
	PaymentProviderStripe PaymentProvider = "stripe"
	PaymentProviderPayPal PaymentProvider = "paypal"
)

// PaymentProviders возвращает все поддерживаемые провайдеры.
func PaymentProviders() []PaymentProvider {
	return []PaymentProvider{PaymentProviderStripe, PaymentProviderPayPal}
}

// ParsePaymentProvider разбирает код провайдера без учёта регистра.
func ParsePaymentProvider(raw string) (PaymentProvider, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", ErrPaymentProviderRequired
	}
	p := PaymentProvider(trimmed)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPaymentProvider, raw)
	}
	return p, nil
}

// Valid проверяет, что провайдер поддерживается.
func (p PaymentProvider) Valid() bool {
	switch p {
	case PaymentProviderStripe, PaymentProviderPayPal:
		return true
	}
	return false
}

// Payment — одна попытка оплаты заказа через конкретного провайдера.
type Payment struct {
	ID      string
	OrderID string
	PayerID string
	// Provider и ProviderReference уникальны в паре: payment intent id у Stripe,
	// order id у PayPal.
	Provider          PaymentProvider
	ProviderReference string
	// TransactionID — charge id / capture id, заполняется при успешной оплате.
	TransactionID string
	// ClientReference — client secret или approval URL для фронтенда.
	ClientReference string
	AmountMinor     int64
	Currency        string
	Status          PaymentStatus
	Metadata        Metadata
	FailureReason   string
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	switch {
	case p.Provider == "":
		errs = append(errs, ErrPaymentProviderRequired)
	case !p.Provider.Valid():
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownPaymentProvider, p.Provider))
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}

	return errs
}

// IsFinal сообщает, что платёж завершён и повторная сверка ничего не меняет.
func (p *Payment) IsFinal() bool {
	return p.Status.IsFinal()
}

// MarkAsCompleted фиксирует успешную оплату и каскадно вызывает order.MarkAsPaid.
// Возвращённое изменение заказа может быть nil, если заказ уже оплачен.
func (p *Payment) MarkAsCompleted(order *Order, transactionID string, metadata map[string]any, now time.Time) (*StatusChange, error) {
	if err := p.checkReconcilable(order); err != nil {
		return nil, err
	}
	merged, err := MergeMetadata(p.Metadata, metadata)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	p.Status = PaymentStatusCompleted
	p.TransactionID = transactionID
	p.FailureReason = ""
	p.Metadata = merged
	p.CompletedAt = &now
	p.UpdatedAt = now

	return order.MarkAsPaid(transactionID, SystemActor(), now)
}

// MarkAsFailed фиксирует отказ провайдера и каскадно вызывает order.MarkAsFailed.
func (p *Payment) MarkAsFailed(order *Order, reason string, metadata map[string]any, now time.Time) (*StatusChange, error) {
	if err := p.checkReconcilable(order); err != nil {
		return nil, err
	}
	merged, err := MergeMetadata(p.Metadata, metadata)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	p.Status = PaymentStatusFailed
	p.FailureReason = reason
	p.Metadata = merged
	p.UpdatedAt = now

	return order.MarkAsFailed(reason, SystemActor(), now)
}

func (p *Payment) checkReconcilable(order *Order) error {
	if p.IsFinal() {
		return ErrPaymentAlreadyFinal
	}
	if order == nil || order.ID != p.OrderID {
		return ErrPaymentOrderMismatch
	}
	return nil
}
