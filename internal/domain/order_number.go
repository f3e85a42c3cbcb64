package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

// OrderNumberAttempts — сколько раз сервис перегенерирует номер при коллизии.
const OrderNumberAttempts = 5

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var orderNumberPattern = regexp.MustCompile(`^ORD-\d{4}-[A-Z0-9]{6}$`)

// GenerateOrderNumber возвращает человекочитаемый номер вида ORD-2026-7K3QZX.
func GenerateOrderNumber(now time.Time) (string, error) {
	suffix := make([]byte, 6)
	limit := big.NewInt(int64(len(orderNumberAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate order number: %w", err)
		}
		suffix[i] = orderNumberAlphabet[n.Int64()]
	}
	return fmt.Sprintf("ORD-%04d-%s", now.UTC().Year(), suffix), nil
}

// ValidOrderNumber проверяет формат номера заказа.
func ValidOrderNumber(number string) bool {
	return orderNumberPattern.MatchString(number)
}
