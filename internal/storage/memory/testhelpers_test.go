package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func newOrder(t *testing.T, customerID string) domain.Order {
	t.Helper()
	return newOrderAt(t, customerID, time.Now())
}

// newOrderAt создаёт заказ на пять кружек по 1.00 USD.
func newOrderAt(t *testing.T, customerID string, at time.Time) domain.Order {
	t.Helper()
	order, err := domain.NewOrder(domain.NewOrderParams{
		CustomerID: customerID,
		Currency:   "USD",
		Items:      []domain.NewOrderItem{{ProductID: "mug", Name: "Mug", SKU: "mug-white", PriceMinor: 100, Qty: 5}},
	}, at)
	require.NoError(t, err)
	return order
}
