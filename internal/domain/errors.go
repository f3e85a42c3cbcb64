package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной денежной суммы заказа (subtotal, tax, shipping, total).
	ErrAmountNegative = errors.New("order amounts must be non-negative")
	// ErrAmountOverflow — сумма позиции или заказа не помещается в int64.
	ErrAmountOverflow = errors.New("order amount overflows")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отсутствующего продукта или названия в снимке позиции.
	ErrItemProductRequired = errors.New("item product_id and name are required")
	// Ошибка несоответствия subtotal и суммы позиций.
	ErrAmountMismatch = errors.New("order subtotal does not match items sum")
	// Ошибка несоответствия total и subtotal + tax + shipping.
	ErrTotalMismatch = errors.New("order total does not match subtotal + tax + shipping")
	// Ошибка формата номера заказа.
	ErrOrderNumberInvalid = errors.New("order number must match ORD-YYYY-XXXXXX")
	// ErrOrderNumberTaken возвращается, если сгенерированный номер уже занят.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// Ошибка отсутствующего кода платёжного провайдера.
	ErrPaymentProviderRequired = errors.New("payment provider is required")
	// ErrUnknownPaymentProvider — провайдер не поддерживается.
	ErrUnknownPaymentProvider = errors.New("unknown payment provider")
	// Ошибка отсутствующего идентификатора заказа в платежах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrUnknownOrderStatus — статус не входит в перечисление OrderStatus.
	ErrUnknownOrderStatus = errors.New("unknown order status")
	// ErrInvalidTransition — переход отсутствует в таблице допустимых переходов.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentAlreadyExists — платёж с такой ссылкой провайдера уже создан.
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	// ErrPaymentNotAcceptable — заказ не может принять новую попытку оплаты.
	ErrPaymentNotAcceptable = errors.New("order cannot accept payment")
	// ErrPaymentAlreadyFinal — платёж уже в финальном статусе, повторная сверка не нужна.
	ErrPaymentAlreadyFinal = errors.New("payment already final")
	// ErrPaymentOrderMismatch — платёж относится к другому заказу.
	ErrPaymentOrderMismatch = errors.New("payment does not belong to order")
	// ErrMetadataInvalid — метаданные платежа нельзя представить в JSON.
	ErrMetadataInvalid = errors.New("payment metadata is not json-representable")
	// ErrProviderUnavailable — сетевая или API ошибка при обращении к платёжному провайдеру.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrProviderRejected — провайдер отклонил запрос (4xx), повтор не поможет.
	ErrProviderRejected = errors.New("payment provider rejected request")
	// ErrWebhookSignatureInvalid — подпись webhook не прошла проверку.
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")
	// ErrPersistence оборачивает ошибки хранилища внутри транзакции перехода.
	ErrPersistence = errors.New("persistence failure")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrIdempotencyKeyRequired — не передан idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — не передан hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — запись по ключу не найдена.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже использован тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// InvalidTransitionError описывает отклонённый переход статуса заказа.
type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move order from %q to %q", ErrInvalidTransition, e.From, e.To)
}

// Is позволяет сравнивать ошибку с ErrInvalidTransition через errors.Is.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
