// Package provider содержит общий HTTP-транспорт адаптеров платёжных провайдеров.
package provider

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/tracing"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

// Response содержит прочитанный ответ провайдера.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK сообщает, что статус ответа 2xx.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client выполняет запросы к API провайдера: клиентский спан, User-Agent,
// ошибки сети как ErrProviderUnavailable.
type Client struct {
	name      string
	http      *http.Client
	tracer    trace.Tracer
	userAgent string
}

// HTTPClientOrDefault возвращает c или, если он nil, клиент с таймаутом по умолчанию.
func HTTPClientOrDefault(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{Timeout: defaultTimeout}
	}
	return c
}

// NewClient создаёт клиент. nil httpClient заменяется клиентом с таймаутом.
func NewClient(name string, httpClient *http.Client) *Client {
	return &Client{
		name:      name,
		http:      HTTPClientOrDefault(httpClient),
		tracer:    tracing.Tracer("provider/" + name),
		userAgent: version.UserAgent(name),
	}
}

// HTTPClient возвращает нижележащий *http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Do отправляет запрос и читает тело ответа. Ответ с любым статусом
// возвращается без ошибки; классификацию делает StatusError.
func (c *Client) Do(req *http.Request, operation string) (resp Response, err error) {
	ctx, span := c.tracer.Start(req.Context(), c.name+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.Redacted()),
		))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	raw, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %s %s: %w", domain.ErrProviderUnavailable, c.name, operation, err)
	}
	defer raw.Body.Close()

	body, err := io.ReadAll(io.LimitReader(raw.Body, maxResponseSize))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: read body: %v", domain.ErrProviderUnavailable, c.name, operation, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", raw.StatusCode))

	return Response{StatusCode: raw.StatusCode, Header: raw.Header, Body: body}, nil
}

// StatusError переводит неуспешный статус в ошибку домена:
// 429 и 5xx считаются недоступностью, остальные 4xx отказом.
func StatusError(name, operation string, resp Response, message string) error {
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrProviderUnavailable, name, operation, resp.StatusCode, message)
	}
	return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrProviderRejected, name, operation, resp.StatusCode, message)
}
