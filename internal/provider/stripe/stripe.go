// Package stripe — адаптер Stripe Payment Intents поверх stripe-go.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/provider"
	"github.com/vladislavdragonenkov/storefront/internal/tracing"
)

const (
	DefaultBaseURL   = "https://api.stripe.com"
	DefaultTolerance = 5 * time.Minute

	// SignatureHeader — заголовок подписи webhook.
	SignatureHeader = "Stripe-Signature"

	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// Config содержит параметры подключения к Stripe.
type Config struct {
	APIKey        string
	WebhookSecret string
	// BaseURL переопределяет адрес API, например для stripe-mock.
	BaseURL string
	// Tolerance — допустимый возраст подписи webhook.
	Tolerance  time.Duration
	HTTPClient *http.Client
	Logger     *log.Entry
}

// Adapter реализует domain.PaymentProviderAdapter для Stripe.
// Повторы выключены в stripe-go: их делает сервис платежей.
type Adapter struct {
	secret    string
	baseURL   string
	tolerance time.Duration
	intents   *paymentintent.Client
	tracer    trace.Tracer
}

// New проверяет конфигурацию и создаёт адаптер.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("stripe api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse stripe base url: %w", err)
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("provider", "stripe")
	}

	backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		URL:               stripego.String(baseURL),
		HTTPClient:        provider.HTTPClientOrDefault(cfg.HTTPClient),
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     logger,
	})

	return &Adapter{
		secret:    cfg.WebhookSecret,
		baseURL:   baseURL,
		tolerance: tolerance,
		intents:   &paymentintent.Client{B: backend, Key: cfg.APIKey},
		tracer:    tracing.Tracer("provider/stripe"),
	}, nil
}

func (a *Adapter) Provider() domain.PaymentProvider {
	return domain.PaymentProviderStripe
}

// CreateSession создаёт PaymentIntent. Ключ идемпотентности уходит в
// заголовке Idempotency-Key, поэтому повтор не создаёт второй intent.
func (a *Adapter) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.Session, error) {
	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(req.AmountMinor),
		Currency: stripego.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	params.AddMetadata("order_id", req.OrderID)
	if req.OrderNumber != "" {
		params.AddMetadata("order_number", req.OrderNumber)
		params.Description = stripego.String("Order " + req.OrderNumber)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := a.call(ctx, "create_payment_intent", func(ctx context.Context) (*stripego.PaymentIntent, error) {
		params.Context = ctx
		return a.intents.New(params)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		ProviderReference: intent.ID,
		ClientReference:   intent.ClientSecret,
		Raw: map[string]any{
			"status":   string(intent.Status),
			"amount":   intent.Amount,
			"currency": string(intent.Currency),
		},
	}, nil
}

// Confirm читает PaymentIntent и переводит его статус в Outcome.
func (a *Adapter) Confirm(ctx context.Context, providerReference string) (domain.ProviderResult, error) {
	if providerReference == "" {
		return domain.ProviderResult{}, fmt.Errorf("%w: empty payment intent id", domain.ErrProviderRejected)
	}
	intent, err := a.call(ctx, "retrieve_payment_intent", func(ctx context.Context) (*stripego.PaymentIntent, error) {
		params := &stripego.PaymentIntentParams{}
		params.Context = ctx
		return a.intents.Get(providerReference, params)
	})
	if err != nil {
		return domain.ProviderResult{}, err
	}
	return intentResult(intent), nil
}

func (a *Adapter) call(ctx context.Context, operation string, fn func(context.Context) (*stripego.PaymentIntent, error)) (intent *stripego.PaymentIntent, err error) {
	ctx, span := a.tracer.Start(ctx, "stripe."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", a.baseURL)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	intent, err = fn(ctx)
	if err != nil {
		return nil, classifyError(ctx, operation, err)
	}
	return intent, nil
}

// classifyError переводит ошибку stripe-go в ошибку домена по HTTP статусу.
func classifyError(ctx context.Context, operation string, err error) error {
	var apiErr *stripego.Error
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return provider.StatusError("stripe", operation, provider.Response{StatusCode: apiErr.HTTPStatusCode}, apiErr.Msg)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: stripe %s: %w", domain.ErrProviderUnavailable, operation, err)
}

func intentResult(intent *stripego.PaymentIntent) domain.ProviderResult {
	result := domain.ProviderResult{
		ProviderReference: intent.ID,
		Metadata:          map[string]any{"stripe_status": string(intent.Status)},
	}
	switch intent.Status {
	case stripego.PaymentIntentStatusSucceeded:
		result.Outcome = domain.OutcomeSucceeded
		result.TransactionID = intent.ID
		if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
			result.TransactionID = intent.LatestCharge.ID
		}
		if intent.Currency != "" {
			result.CapturedMinor = intent.AmountReceived
			result.CapturedCurrency = strings.ToUpper(string(intent.Currency))
		}
	case stripego.PaymentIntentStatusCanceled:
		result.Outcome = domain.OutcomeFailed
		result.FailureReason = "canceled"
	case stripego.PaymentIntentStatusRequiresPaymentMethod:
		// После отказа карты intent возвращается в requires_payment_method.
		if intent.LastPaymentError != nil {
			result.Outcome = domain.OutcomeFailed
			result.FailureReason = failureReason(intent)
		} else {
			result.Outcome = domain.OutcomePending
		}
	default:
		result.Outcome = domain.OutcomePending
	}
	return result
}

func failureReason(intent *stripego.PaymentIntent) string {
	e := intent.LastPaymentError
	if e == nil {
		return "payment_failed"
	}
	switch {
	case e.DeclineCode != "":
		return string(e.DeclineCode)
	case e.Code != "":
		return string(e.Code)
	case e.Msg != "":
		return e.Msg
	}
	return "payment_failed"
}

// ParseWebhook проверяет Stripe-Signature через stripe-go и разбирает событие.
// Версия API в событии не сверяется: читаются только поля PaymentIntent.
func (a *Adapter) ParseWebhook(_ context.Context, header http.Header, body []byte) (domain.WebhookEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(body, header.Get(SignatureHeader), a.secret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if signatureError(err) {
			return domain.WebhookEvent{}, fmt.Errorf("%w: %v", domain.ErrWebhookSignatureInvalid, err)
		}
		return domain.WebhookEvent{}, fmt.Errorf("decode stripe event: %w", err)
	}

	out := domain.WebhookEvent{
		ID:     evt.ID,
		Type:   string(evt.Type),
		Result: domain.ProviderResult{Outcome: domain.OutcomeIgnored},
	}
	switch evt.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
	default:
		return out, nil
	}
	if evt.Data == nil {
		return domain.WebhookEvent{}, errors.New("decode stripe event: no data object")
	}

	var intent stripego.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("decode stripe payment intent: %w", err)
	}
	out.Result = intentResult(&intent)
	if evt.Type == EventPaymentFailed && out.Result.Outcome != domain.OutcomeFailed {
		out.Result.Outcome = domain.OutcomeFailed
		out.Result.FailureReason = failureReason(&intent)
	}
	out.Result.Metadata["stripe_event_id"] = evt.ID
	return out, nil
}

func signatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

var _ domain.PaymentProviderAdapter = (*Adapter)(nil)
