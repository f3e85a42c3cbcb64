package paypal

import (
	"fmt"

	moneyfmt "github.com/vladislavdragonenkov/storefront/internal/money"
)

// formatAmount переводит сумму в строку PayPal: 700 USD -> "7.00".
func formatAmount(minor int64, currency string) string {
	return moneyfmt.Format(minor, currency)
}

func parseAmount(value, currency string) (int64, error) {
	minor, err := moneyfmt.Parse(value, currency)
	if err != nil {
		return 0, fmt.Errorf("paypal amount: %w", err)
	}
	return minor, nil
}
