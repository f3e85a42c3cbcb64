package notification

import "strings"

const (
	// AdminChannel получает все события заказов.
	AdminChannel = "admin.orders"

	orderChannelPrefix    = "orders."
	customerChannelPrefix = "customers."
)

// OrderChannel возвращает канал событий одного заказа.
func OrderChannel(orderID string) string {
	return orderChannelPrefix + orderID
}

// CustomerChannel возвращает канал событий всех заказов покупателя.
func CustomerChannel(customerID string) string {
	return customerChannelPrefix + customerID
}

// ValidChannel сообщает, что на канал можно подписаться.
func ValidChannel(channel string) bool {
	if channel == AdminChannel {
		return true
	}
	for _, prefix := range []string{orderChannelPrefix, customerChannelPrefix} {
		if id, ok := strings.CutPrefix(channel, prefix); ok {
			return id != "" && !strings.ContainsAny(id, " *?")
		}
	}
	return false
}
