package domain

import "math"

// mulMinor умножает цену на количество; ok=false при выходе за int64.
func mulMinor(price int64, qty int32) (int64, bool) {
	q := int64(qty)
	if price == 0 || q == 0 {
		return 0, true
	}
	if price == math.MinInt64 && q == -1 {
		return 0, false
	}
	p := price * q
	if p/q != price {
		return 0, false
	}
	return p, true
}

// addMinor складывает суммы; ok=false при выходе за int64.
func addMinor(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

// sumMinor складывает несколько сумм с проверкой переполнения.
func sumMinor(values ...int64) (int64, bool) {
	var total int64
	for _, v := range values {
		var ok bool
		if total, ok = addMinor(total, v); !ok {
			return 0, false
		}
	}
	return total, true
}
