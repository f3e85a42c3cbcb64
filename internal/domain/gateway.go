package domain

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Outcome — результат платежа с точки зрения провайдера.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	// OutcomeIgnored — событие не относится к оплате заказа.
	OutcomeIgnored Outcome = "ignored"
)

// SessionRequest содержит данные для создания платёжной сессии у провайдера.
type SessionRequest struct {
	OrderID        string
	OrderNumber    string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]any
}

// Session — созданная у провайдера сессия оплаты.
type Session struct {
	ProviderReference string
	ClientReference   string
	Raw               map[string]any
}

// ProviderResult — нормализованный ответ провайдера о состоянии платежа.
type ProviderResult struct {
	Outcome           Outcome
	ProviderReference string
	TransactionID     string
	FailureReason     string
	Metadata          map[string]any
	// CapturedMinor и CapturedCurrency — фактически списанная сумма.
	// Пустая валюта: провайдер сумму не сообщил.
	CapturedMinor    int64
	CapturedCurrency string
}

// CaptureShortfall сообщает, что провайдер списал меньше суммы платежа
// или в другой валюте. Без данных о списании недостачи нет.
func (r ProviderResult) CaptureShortfall(amountMinor int64, currency string) (string, bool) {
	if r.CapturedCurrency == "" {
		return "", false
	}
	if !strings.EqualFold(r.CapturedCurrency, currency) {
		return fmt.Sprintf("captured in %s, expected %s", strings.ToUpper(r.CapturedCurrency), strings.ToUpper(currency)), true
	}
	if r.CapturedMinor < amountMinor {
		return fmt.Sprintf("captured %d of %d", r.CapturedMinor, amountMinor), true
	}
	return "", false
}

// WebhookEvent представляет проверенное и разобранное уведомление провайдера.
type WebhookEvent struct {
	ID     string
	Type   string
	Result ProviderResult
}

// PaymentGateway описывает исходящие вызовы к платёжному провайдеру.
// Сетевые сбои оборачиваются в ErrProviderUnavailable, отказы 4xx в ErrProviderRejected.
type PaymentGateway interface {
	Provider() PaymentProvider
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	Confirm(ctx context.Context, providerReference string) (ProviderResult, error)
}

// WebhookVerifier проверяет подпись входящего webhook и разбирает его.
// Неверная подпись даёт ErrWebhookSignatureInvalid.
type WebhookVerifier interface {
	ParseWebhook(ctx context.Context, header http.Header, body []byte) (WebhookEvent, error)
}

// PaymentProviderAdapter объединяет исходящую и входящую сторону провайдера.
type PaymentProviderAdapter interface {
	PaymentGateway
	WebhookVerifier
}
