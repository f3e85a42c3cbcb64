package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/payments"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// OrderService описывает операции над заказами, нужные HTTP API.
type OrderService interface {
	Checkout(ctx context.Context, req orders.CheckoutRequest) (domain.Order, error)
	TransitionTo(ctx context.Context, orderID string, to domain.OrderStatus, actor domain.Actor, note string) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByNumber(ctx context.Context, number string) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	History(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error)
}

// PaymentService описывает операции над платежами, нужные HTTP API.
type PaymentService interface {
	CreatePayment(ctx context.Context, req payments.CreatePaymentRequest) (domain.Payment, error)
	Get(ctx context.Context, paymentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	Confirm(ctx context.Context, paymentID string) (domain.Payment, error)
	HandleWebhook(ctx context.Context, provider domain.PaymentProvider, header http.Header, body []byte) (payments.WebhookResult, error)
}

// Handler обслуживает REST API заказов и платежей.
type Handler struct {
	orders   OrderService
	payments PaymentService
	logger   *log.Entry
}

func NewHandler(ordersSvc OrderService, paymentsSvc PaymentService, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{orders: ordersSvc, payments: paymentsSvc, logger: logger}
}

func (h *Handler) fail(c *gin.Context, err error) {
	abortWithError(c, h.logger, err)
}

func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.fail(c, errors.Join(errBadRequest, err))
		return false
	}
	return true
}

// Checkout обрабатывает POST /api/orders.
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if !h.bind(c, &req) {
		return
	}
	items, taxMinor, shippingMinor, err := req.toMinor()
	if err != nil {
		h.fail(c, err)
		return
	}

	order, err := h.orders.Checkout(c.Request.Context(), orders.CheckoutRequest{
		CustomerID:    strings.TrimSpace(req.CustomerID),
		Currency:      req.Currency,
		Items:         items,
		TaxMinor:      taxMinor,
		ShippingMinor: shippingMinor,
		Actor:         actorFromRequest(c),
		Note:          req.Note,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", "/api/orders/"+order.ID)
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

// GetOrder обрабатывает GET /api/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

// GetOrderByNumber обрабатывает GET /api/orders/number/:number.
func (h *Handler) GetOrderByNumber(c *gin.Context) {
	order, err := h.orders.GetByNumber(c.Request.Context(), strings.ToUpper(c.Param("number")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

// History обрабатывает GET /api/orders/:id/history.
func (h *Handler) History(c *gin.Context) {
	entries, err := h.orders.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toHistoryResponse(entries))
}

// CustomerOrders обрабатывает GET /api/customers/:id/orders?limit=N.
func (h *Handler) CustomerOrders(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(c, errors.Join(errBadRequest, errors.New("limit must be a positive integer")))
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.orders.ListByCustomer(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]OrderResponse, 0, len(list))
	for _, order := range list {
		out = append(out, toOrderResponse(order))
	}
	c.JSON(http.StatusOK, out)
}

// TransitionStatus обрабатывает POST /api/admin/orders/:id/status.
// Инициатор обязателен: запрос без X-Actor-ID не записывается как системный.
func (h *Handler) TransitionStatus(c *gin.Context) {
	actor := actorFromRequest(c)
	if actor.IsSystem() {
		h.fail(c, errors.Join(errBadRequest, errors.New(HeaderActorID+" header is required")))
		return
	}

	var req TransitionRequest
	if !h.bind(c, &req) {
		return
	}
	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}

	order, err := h.orders.TransitionTo(c.Request.Context(), c.Param("id"), to, actor, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

// CreatePayment обрабатывает POST /api/orders/:id/payments.
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if !h.bind(c, &req) {
		return
	}
	provider, err := domain.ParsePaymentProvider(req.Provider)
	if err != nil {
		h.fail(c, err)
		return
	}

	payment, err := h.payments.CreatePayment(c.Request.Context(), payments.CreatePaymentRequest{
		OrderID:        c.Param("id"),
		Provider:       provider,
		PayerID:        req.PayerID,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPaymentResponse(payment))
}

// OrderPayments обрабатывает GET /api/orders/:id/payments.
func (h *Handler) OrderPayments(c *gin.Context) {
	list, err := h.payments.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]PaymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPaymentResponse(p))
	}
	c.JSON(http.StatusOK, out)
}

// GetPayment обрабатывает GET /api/payments/:id.
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// ConfirmPayment обрабатывает POST /api/payments/:id/confirm: клиент вернулся
// со страницы провайдера, сверяем состояние не дожидаясь webhook.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	payment, err := h.payments.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// Webhook обрабатывает POST /webhooks/:provider.
// Неизвестный платёж отвечает 404, чтобы провайдер повторил доставку позже.
func (h *Handler) Webhook(c *gin.Context) {
	provider, err := domain.ParsePaymentProvider(c.Param("provider"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "unknown_provider"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.fail(c, errors.Join(errBadRequest, err))
		return
	}

	result, err := h.payments.HandleWebhook(c.Request.Context(), provider, c.Request.Header, body)
	switch {
	case errors.Is(err, domain.ErrUnknownPaymentProvider):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "unknown_provider"})
		return
	case err != nil:
		h.fail(c, err)
		return
	}

	resp := WebhookResponse{Status: "processed", EventID: result.EventID}
	switch {
	case result.Ignored:
		resp.Status = "ignored"
	case result.Duplicate:
		resp.Status = "duplicate"
	}
	if result.Payment != nil {
		resp.PaymentID = result.Payment.ID
	}
	c.JSON(http.StatusOK, resp)
}
