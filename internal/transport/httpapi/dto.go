package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

// CheckoutRequest — тело POST /api/orders. Суммы в основных единицах валюты:
// "12.50" или 12.5.
type CheckoutRequest struct {
	CustomerID string          `json:"customer_id"`
	Currency   string          `json:"currency"`
	Items      []CheckoutItem  `json:"items"`
	Tax        decimal.Decimal `json:"tax"`
	Shipping   decimal.Decimal `json:"shipping"`
	Note       string          `json:"note"`
}

type CheckoutItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	Qty       int32           `json:"qty"`
}

// TransitionRequest для POST /api/admin/orders/:id/status.
type TransitionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// CreatePaymentRequest для POST /api/orders/:id/payments.
type CreatePaymentRequest struct {
	Provider string         `json:"provider"`
	PayerID  string         `json:"payer_id"`
	Metadata map[string]any `json:"metadata"`
}

type OrderResponse struct {
	ID            string              `json:"id"`
	Number        string              `json:"number"`
	CustomerID    string              `json:"customer_id"`
	Status        string              `json:"status"`
	PaymentStatus string              `json:"payment_status"`
	Currency      string              `json:"currency"`
	Subtotal      string              `json:"subtotal"`
	Tax           string              `json:"tax"`
	Shipping      string              `json:"shipping"`
	Total         string              `json:"total"`
	TotalMinor    int64               `json:"total_minor"`
	TransactionID string              `json:"transaction_id,omitempty"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	Items         []OrderItemResponse `json:"items"`
	Version       int64               `json:"version"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type OrderItemResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku,omitempty"`
	Price     string `json:"price"`
	Qty       int32  `json:"qty"`
	Subtotal  string `json:"subtotal"`
}

type HistoryEntryResponse struct {
	ID         string    `json:"id"`
	FromStatus *string   `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorName  string    `json:"actor_name"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type PaymentResponse struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference"`
	ClientReference   string          `json:"client_reference,omitempty"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	Amount            string          `json:"amount"`
	AmountMinor       int64           `json:"amount_minor"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Metadata          domain.Metadata `json:"metadata,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type WebhookResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// toMinor переводит цены в минимальные единицы валюты заказа.
func (r CheckoutRequest) toMinor() (items []domain.NewOrderItem, taxMinor, shippingMinor int64, err error) {
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	items = make([]domain.NewOrderItem, 0, len(r.Items))
	for i, item := range r.Items {
		price, err := money.FromDecimal(item.Price, currency)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("items[%d].price: %w", i, err)
		}
		items = append(items, domain.NewOrderItem{
			ProductID:  item.ProductID,
			Name:       item.Name,
			SKU:        item.SKU,
			PriceMinor: price,
			Qty:        item.Qty,
		})
	}
	if taxMinor, err = money.FromDecimal(r.Tax, currency); err != nil {
		return nil, 0, 0, fmt.Errorf("tax: %w", err)
	}
	if shippingMinor, err = money.FromDecimal(r.Shipping, currency); err != nil {
		return nil, 0, 0, fmt.Errorf("shipping: %w", err)
	}
	return items, taxMinor, shippingMinor, nil
}

func toOrderResponse(o domain.Order) OrderResponse {
	items := make([]OrderItemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, OrderItemResponse{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Price:     money.Format(item.PriceMinor, o.Currency),
			Qty:       item.Qty,
			Subtotal:  money.Format(item.SubtotalMinor, o.Currency),
		})
	}
	return OrderResponse{
		ID:            o.ID,
		Number:        o.Number,
		CustomerID:    o.CustomerID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Currency:      o.Currency,
		Subtotal:      money.Format(o.SubtotalMinor, o.Currency),
		Tax:           money.Format(o.TaxMinor, o.Currency),
		Shipping:      money.Format(o.ShippingMinor, o.Currency),
		Total:         money.Format(o.TotalMinor, o.Currency),
		TotalMinor:    o.TotalMinor,
		TransactionID: o.TransactionID,
		PaidAt:        o.PaidAt,
		Items:         items,
		Version:       o.Version,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func toHistoryResponse(entries []domain.StatusHistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		var from *string
		if e.FromStatus != nil {
			s := string(*e.FromStatus)
			from = &s
		}
		out = append(out, HistoryEntryResponse{
			ID:         e.ID,
			FromStatus: from,
			ToStatus:   string(e.ToStatus),
			ActorID:    e.ActorID,
			ActorName:  e.ActorName,
			Note:       e.Note,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

func toPaymentResponse(p domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		OrderID:           p.OrderID,
		Provider:          string(p.Provider),
		ProviderReference: p.ProviderReference,
		ClientReference:   p.ClientReference,
		TransactionID:     p.TransactionID,
		Amount:            money.Format(p.AmountMinor, p.Currency),
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		Status:            string(p.Status),
		FailureReason:     p.FailureReason,
		Metadata:          p.Metadata,
		CompletedAt:       p.CompletedAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}
