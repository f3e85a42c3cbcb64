package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{minor: 700, currency: "USD", want: "7.00"},
		{minor: 5, currency: "eur", want: "0.05"},
		{minor: 123456, currency: "GBP", want: "1234.56"},
		{minor: 1500, currency: "JPY", want: "1500"},
		{minor: -250, currency: "USD", want: "-2.50"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Format(tt.minor, tt.currency), "%d %s", tt.minor, tt.currency)
	}
}

func TestParse(t *testing.T) {
	got, err := Parse("12.34", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 1234, got)

	got, err = Parse(" 1500 ", "JPY")
	require.NoError(t, err)
	require.EqualValues(t, 1500, got)

	got, err = Parse("3", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 300, got)

	_, err = Parse("1.234", "USD")
	require.ErrorIs(t, err, ErrPrecision)

	_, err = Parse("1.5", "JPY")
	require.ErrorIs(t, err, ErrPrecision)

	_, err = Parse("abc", "USD")
	require.Error(t, err)
}

func TestFromDecimal(t *testing.T) {
	got, err := FromDecimal(decimal.RequireFromString("19.90"), "EUR")
	require.NoError(t, err)
	require.EqualValues(t, 1990, got)
}

func TestFromDecimal_OutOfRange(t *testing.T) {
	tests := []struct {
		value    string
		currency string
	}{
		{value: "100000000000000000000", currency: "USD"},
		{value: "92233720368547758.08", currency: "USD"},
		{value: "-92233720368547758.09", currency: "USD"},
		{value: "9223372036854775808", currency: "JPY"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.value, tt.currency)
		require.ErrorIs(t, err, ErrOutOfRange, "%s %s", tt.value, tt.currency)
	}

	got, err := Parse("92233720368547758.07", "USD")
	require.NoError(t, err)
	require.EqualValues(t, math.MaxInt64, got)

	got, err = Parse("-92233720368547758.08", "USD")
	require.NoError(t, err)
	require.EqualValues(t, math.MinInt64, got)
}
