// Package paypal — адаптер PayPal Orders v2.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/provider"
)

const (
	DefaultBaseURL = "https://api-m.sandbox.paypal.com"

	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"

	issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
	issueNotApproved     = "ORDER_NOT_APPROVED"
)

// Заголовки подписи webhook.
const (
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
)

// Config содержит параметры подключения к PayPal.
type Config struct {
	ClientID     string
	ClientSecret string
	// WebhookID — id подписки webhook, нужен для проверки подписи.
	WebhookID  string
	BaseURL    string
	ReturnURL  string
	CancelURL  string
	HTTPClient *http.Client
}

// Adapter реализует domain.PaymentProviderAdapter для PayPal.
// Токен доступа получается и обновляется через OAuth2 client credentials.
type Adapter struct {
	baseURL   string
	webhookID string
	returnURL string
	cancelURL string
	client    *provider.Client
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("paypal client id and secret are required")
	}
	if strings.TrimSpace(cfg.WebhookID) == "" {
		return nil, errors.New("paypal webhook id is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse paypal base url: %w", err)
	}

	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.Background()
	if cfg.HTTPClient != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	return &Adapter{
		baseURL:   baseURL,
		webhookID: cfg.WebhookID,
		returnURL: cfg.ReturnURL,
		cancelURL: cfg.CancelURL,
		client:    provider.NewClient("paypal", oauthCfg.Client(tokenCtx)),
	}, nil
}

func (a *Adapter) Provider() domain.PaymentProvider {
	return domain.PaymentProviderPayPal
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Amount      money  `json:"amount"`
}

type createOrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []purchaseUnit      `json:"purchase_units"`
	ApplicationContext *applicationContext `json:"application_context,omitempty"`
}

type applicationContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type capture struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        money  `json:"amount"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e apiError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (e apiError) message() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue + ": " + e.Details[0].Description
	}
	return e.Message
}

// CreateSession создаёт заказ PayPal с intent CAPTURE. ClientReference —
// ссылка, по которой покупатель подтверждает оплату.
func (a *Adapter) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.Session, error) {
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.OrderID,
			CustomID:    req.OrderID,
			InvoiceID:   req.OrderNumber,
			Amount: money{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        formatAmount(req.AmountMinor, req.Currency),
			},
		}},
	}
	if a.returnURL != "" || a.cancelURL != "" {
		body.ApplicationContext = &applicationContext{ReturnURL: a.returnURL, CancelURL: a.cancelURL}
	}

	var created order
	resp, err := a.call(ctx, http.MethodPost, "/v2/checkout/orders", req.IdempotencyKey, body, "create_order")
	if err != nil {
		return domain.Session{}, err
	}
	if !resp.OK() {
		return domain.Session{}, a.statusError("create_order", resp)
	}
	if err := decode(resp, &created); err != nil {
		return domain.Session{}, err
	}

	return domain.Session{
		ProviderReference: created.ID,
		ClientReference:   created.approveLink(),
		Raw:               map[string]any{"status": created.Status},
	}, nil
}

// Confirm захватывает оплату заказа. Если заказ уже захвачен,
// состояние читается через GET.
func (a *Adapter) Confirm(ctx context.Context, providerReference string) (domain.ProviderResult, error) {
	if providerReference == "" {
		return domain.ProviderResult{}, fmt.Errorf("%w: empty paypal order id", domain.ErrProviderRejected)
	}
	orderPath := "/v2/checkout/orders/" + url.PathEscape(providerReference)

	resp, err := a.call(ctx, http.MethodPost, orderPath+"/capture", "capture-"+providerReference, struct{}{}, "capture_order")
	if err != nil {
		return domain.ProviderResult{}, err
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		var apiErr apiError
		_ = json.Unmarshal(resp.Body, &apiErr)
		switch {
		case apiErr.hasIssue(issueNotApproved):
			return domain.ProviderResult{Outcome: domain.OutcomePending, ProviderReference: providerReference}, nil
		case apiErr.hasIssue(issueAlreadyCaptured):
			resp, err = a.call(ctx, http.MethodGet, orderPath, "", nil, "get_order")
			if err != nil {
				return domain.ProviderResult{}, err
			}
		}
	}
	if !resp.OK() {
		return domain.ProviderResult{}, a.statusError("capture_order", resp)
	}

	var captured order
	if err := decode(resp, &captured); err != nil {
		return domain.ProviderResult{}, err
	}
	result := captured.result()
	if result.ProviderReference == "" {
		result.ProviderReference = providerReference
	}
	return result, nil
}

func (o order) approveLink() string {
	for _, link := range o.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

func (o order) firstCapture() (capture, bool) {
	for _, unit := range o.PurchaseUnits {
		if len(unit.Payments.Captures) > 0 {
			return unit.Payments.Captures[0], true
		}
	}
	return capture{}, false
}

func (o order) result() domain.ProviderResult {
	result := domain.ProviderResult{
		Outcome:           domain.OutcomePending,
		ProviderReference: o.ID,
		Metadata:          map[string]any{"paypal_status": o.Status},
	}

	c, ok := o.firstCapture()
	if !ok {
		if o.Status == "VOIDED" {
			result.Outcome = domain.OutcomeFailed
			result.FailureReason = "order voided"
		}
		return result
	}

	result.Metadata["paypal_capture_status"] = c.Status
	switch c.Status {
	case "COMPLETED":
		result.Outcome = domain.OutcomeSucceeded
		result.TransactionID = c.ID
		c.applyAmount(&result)
	case "DECLINED", "FAILED":
		result.Outcome = domain.OutcomeFailed
		result.FailureReason = captureFailureReason(c)
	}
	return result
}

// applyAmount переносит сумму захвата в результат. Нераспознанная сумма
// сообщается как 0 в валюте захвата, чтобы сверка не сочла оплату полной.
func (c capture) applyAmount(result *domain.ProviderResult) {
	if c.Amount.CurrencyCode == "" {
		return
	}
	result.CapturedCurrency = strings.ToUpper(c.Amount.CurrencyCode)
	if minor, err := parseAmount(c.Amount.Value, c.Amount.CurrencyCode); err == nil {
		result.CapturedMinor = minor
		result.Metadata["paypal_captured_minor"] = minor
	}
}

func captureFailureReason(c capture) string {
	if c.StatusDetails.Reason != "" {
		return strings.ToLower(c.StatusDetails.Reason)
	}
	return strings.ToLower(c.Status)
}

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	capture
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// ParseWebhook проверяет подпись через verify-webhook-signature и
// разбирает события захвата оплаты.
func (a *Adapter) ParseWebhook(ctx context.Context, header http.Header, body []byte) (domain.WebhookEvent, error) {
	if !json.Valid(body) {
		return domain.WebhookEvent{}, fmt.Errorf("%w: body is not json", domain.ErrWebhookSignatureInvalid)
	}
	if err := a.verify(ctx, header, body); err != nil {
		return domain.WebhookEvent{}, err
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("decode paypal event: %w", err)
	}
	out := domain.WebhookEvent{
		ID:     evt.ID,
		Type:   evt.EventType,
		Result: domain.ProviderResult{Outcome: domain.OutcomeIgnored},
	}
	if evt.EventType != EventCaptureCompleted && evt.EventType != EventCaptureDenied {
		return out, nil
	}

	var res captureResource
	if err := json.Unmarshal(evt.Resource, &res); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("decode paypal capture: %w", err)
	}
	out.Result = domain.ProviderResult{
		ProviderReference: res.SupplementaryData.RelatedIDs.OrderID,
		Metadata: map[string]any{
			"paypal_event_id":       evt.ID,
			"paypal_capture_status": res.Status,
		},
	}
	if evt.EventType == EventCaptureCompleted {
		out.Result.Outcome = domain.OutcomeSucceeded
		out.Result.TransactionID = res.ID
		res.applyAmount(&out.Result)
	} else {
		out.Result.Outcome = domain.OutcomeFailed
		out.Result.FailureReason = captureFailureReason(res.capture)
	}
	return out, nil
}

func (a *Adapter) verify(ctx context.Context, header http.Header, body []byte) error {
	req := verifyRequest{
		AuthAlgo:         header.Get(HeaderAuthAlgo),
		CertURL:          header.Get(HeaderCertURL),
		TransmissionID:   header.Get(HeaderTransmissionID),
		TransmissionSig:  header.Get(HeaderTransmissionSig),
		TransmissionTime: header.Get(HeaderTransmissionTime),
		WebhookID:        a.webhookID,
		WebhookEvent:     body,
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" || req.TransmissionSig == "" || req.TransmissionTime == "" {
		return fmt.Errorf("%w: missing paypal transmission headers", domain.ErrWebhookSignatureInvalid)
	}

	resp, err := a.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, "verify_webhook")
	if err != nil {
		return err
	}
	if !resp.OK() {
		return a.statusError("verify_webhook", resp)
	}

	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := decode(resp, &verdict); err != nil {
		return err
	}
	if verdict.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: verification status %q", domain.ErrWebhookSignatureInvalid, verdict.VerificationStatus)
	}
	return nil
}

func (a *Adapter) call(ctx context.Context, method, path, requestID string, payload any, operation string) (provider.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return provider.Response{}, fmt.Errorf("encode paypal %s: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return provider.Response{}, fmt.Errorf("build paypal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := a.client.Do(req, operation)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return provider.Response{}, fmt.Errorf("%w: paypal oauth: %v", domain.ErrProviderRejected, retrieveErr)
		}
		return provider.Response{}, err
	}
	return resp, nil
}

func (a *Adapter) statusError(operation string, resp provider.Response) error {
	var apiErr apiError
	_ = json.Unmarshal(resp.Body, &apiErr)
	return provider.StatusError("paypal", operation, resp, apiErr.message())
}

func decode(resp provider.Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("%w: decode paypal response: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}

var _ domain.PaymentProviderAdapter = (*Adapter)(nil)
