package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

// errBadRequest — тело запроса не разобрано.
var errBadRequest = errors.New("malformed request")

var validationErrors = []error{
	domain.ErrCustomerRequired,
	domain.ErrCurrencyRequired,
	domain.ErrItemsRequired,
	domain.ErrAmountNegative,
	domain.ErrAmountOverflow,
	domain.ErrItemQtyInvalid,
	domain.ErrItemPriceInvalid,
	domain.ErrItemProductRequired,
	domain.ErrAmountMismatch,
	domain.ErrTotalMismatch,
	domain.ErrUnknownOrderStatus,
	domain.ErrPaymentProviderRequired,
	domain.ErrUnknownPaymentProvider,
	domain.ErrMetadataInvalid,
	domain.ErrPaymentAmountNegative,
	domain.ErrOrderIDRequired,
	domain.ErrIdempotencyHashMismatch,
	domain.ErrProviderRejected,
	money.ErrPrecision,
	money.ErrOutOfRange,
}

// classify сопоставляет ошибку с HTTP статусом и машинным кодом.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrWebhookSignatureInvalid):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, domain.ErrPaymentNotFound):
		return http.StatusNotFound, "payment_not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrPaymentNotAcceptable):
		return http.StatusConflict, "payment_not_acceptable"
	case errors.Is(err, domain.ErrOrderVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusBadGateway, "provider_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity, "validation_failed"
		}
	}
	return http.StatusInternalServerError, "internal"
}

// abortWithError отвечает JSON-ошибкой. Текст внутренних ошибок наружу не уходит.
func abortWithError(c *gin.Context, logger *log.Entry, err error) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("request failed")
		message = http.StatusText(status)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message, Code: code})
}
