package fake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// SignatureHeader — заголовок с HMAC-SHA256 подписью тела webhook.
const SignatureHeader = "X-Fake-Signature"

const (
	EventSucceeded = "payment.succeeded"
	EventFailed    = "payment.failed"
)

// Webhook описывает тело уведомления фейкового провайдера.
type Webhook struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type session struct {
	request domain.SessionRequest
	result  domain.ProviderResult
}

// Gateway представляет провайдера в памяти для локальной разработки и тестов.
// Выдаёт себя за provider, исход платежа задаётся через SetOutcome.
type Gateway struct {
	mu           sync.Mutex
	provider     domain.PaymentProvider
	secret       []byte
	sessions     map[string]*session
	byKey        map[string]string
	createErrs   []error
	confirmErrs  []error
	createCalls  int
	confirmCalls int
}

// New создаёт фейковый провайдер. secret подписывает webhook.
func New(provider domain.PaymentProvider, secret string) *Gateway {
	return &Gateway{
		provider: provider,
		secret:   []byte(secret),
		sessions: make(map[string]*session),
		byKey:    make(map[string]string),
	}
}

func (g *Gateway) Provider() domain.PaymentProvider {
	return g.provider
}

// CreateSession создаёт сессию; повтор с тем же ключом идемпотентности
// возвращает ту же сессию.
func (g *Gateway) CreateSession(_ context.Context, req domain.SessionRequest) (domain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.createCalls++
	if err := pop(&g.createErrs); err != nil {
		return domain.Session{}, err
	}

	ref, ok := g.byKey[req.IdempotencyKey]
	if !ok || req.IdempotencyKey == "" {
		ref = "fake_" + uuid.NewString()
		g.sessions[ref] = &session{
			request: req,
			result:  domain.ProviderResult{Outcome: domain.OutcomePending, ProviderReference: ref},
		}
		if req.IdempotencyKey != "" {
			g.byKey[req.IdempotencyKey] = ref
		}
	}

	return domain.Session{
		ProviderReference: ref,
		ClientReference:   ref + "_secret",
		Raw: map[string]any{
			"amount":   req.AmountMinor,
			"currency": req.Currency,
			"order_id": req.OrderID,
		},
	}, nil
}

// Confirm возвращает текущий исход сессии.
func (g *Gateway) Confirm(_ context.Context, providerReference string) (domain.ProviderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.confirmCalls++
	if err := pop(&g.confirmErrs); err != nil {
		return domain.ProviderResult{}, err
	}
	s, ok := g.sessions[providerReference]
	if !ok {
		return domain.ProviderResult{}, fmt.Errorf("%w: unknown session %s", domain.ErrProviderRejected, providerReference)
	}
	return s.result, nil
}

// SetOutcome задаёт, чем закончится сессия.
func (g *Gateway) SetOutcome(providerReference string, outcome domain.Outcome, transactionID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[providerReference]
	if !ok {
		s = &session{}
		g.sessions[providerReference] = s
	}
	s.result = domain.ProviderResult{
		Outcome:           outcome,
		ProviderReference: providerReference,
		TransactionID:     transactionID,
		FailureReason:     reason,
	}
}

// SetCaptured задаёт сумму, которую провайдер сообщит как списанную.
func (g *Gateway) SetCaptured(providerReference string, minor int64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.sessions[providerReference]; ok {
		s.result.CapturedMinor = minor
		s.result.CapturedCurrency = currency
	}
}

// FailCreate ставит в очередь ошибки для следующих вызовов CreateSession.
func (g *Gateway) FailCreate(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErrs = append(g.createErrs, errs...)
}

// FailConfirm ставит в очередь ошибки для следующих вызовов Confirm.
func (g *Gateway) FailConfirm(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmErrs = append(g.confirmErrs, errs...)
}

// Calls возвращает число вызовов CreateSession и Confirm.
func (g *Gateway) Calls() (create, confirm int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.confirmCalls
}

// ParseWebhook проверяет подпись и переводит событие в ProviderResult.
func (g *Gateway) ParseWebhook(_ context.Context, header http.Header, body []byte) (domain.WebhookEvent, error) {
	expected, err := hex.DecodeString(header.Get(SignatureHeader))
	if err != nil || !hmac.Equal(expected, g.sign(body)) {
		return domain.WebhookEvent{}, domain.ErrWebhookSignatureInvalid
	}

	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("decode fake webhook: %w", err)
	}

	result := domain.ProviderResult{
		Outcome:           domain.OutcomeIgnored,
		ProviderReference: hook.Reference,
		TransactionID:     hook.TransactionID,
		FailureReason:     hook.Reason,
	}
	switch hook.Type {
	case EventSucceeded:
		result.Outcome = domain.OutcomeSucceeded
	case EventFailed:
		result.Outcome = domain.OutcomeFailed
	}
	return domain.WebhookEvent{ID: hook.ID, Type: hook.Type, Result: result}, nil
}

// Webhook собирает подписанное уведомление.
func (g *Gateway) Webhook(hook Webhook) ([]byte, http.Header) {
	body, err := json.Marshal(hook)
	if err != nil {
		panic(err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(SignatureHeader, hex.EncodeToString(g.sign(body)))
	return body, header
}

func (g *Gateway) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

var _ domain.PaymentProviderAdapter = (*Gateway)(nil)
