// Package money переводит суммы в минимальных единицах в десятичный вид и обратно.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrPrecision возвращается, если у суммы больше знаков после запятой, чем у валюты.
var ErrPrecision = errors.New("amount has too many decimal places")

// ErrOutOfRange возвращается, если сумма в минимальных единицах не помещается в int64.
var ErrOutOfRange = errors.New("amount out of range")

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Валюты без дробной части.
var zeroDecimalCurrencies = map[string]struct{}{
	"HUF": {},
	"JPY": {},
	"KRW": {},
	"TWD": {},
	"VND": {},
}

// Exponent возвращает число знаков после запятой для валюты.
func Exponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// ToDecimal: 700 USD -> 7.00.
func ToDecimal(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Format возвращает сумму строкой с фиксированным числом знаков.
func Format(minor int64, currency string) string {
	return ToDecimal(minor, currency).StringFixed(Exponent(currency))
}

// FromDecimal переводит десятичную сумму в минимальные единицы без округления.
func FromDecimal(d decimal.Decimal, currency string) (int64, error) {
	scaled := d.Shift(Exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s for %s", ErrPrecision, d.String(), strings.ToUpper(currency))
	}
	if scaled.GreaterThan(maxMinor) || scaled.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: %s %s", ErrOutOfRange, d.String(), strings.ToUpper(currency))
	}
	return scaled.IntPart(), nil
}

// Parse разбирает строковую сумму.
func Parse(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return FromDecimal(d, currency)
}
