package notification

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

// Email — письмо покупателю.
type Email struct {
	CustomerID string
	OrderID    string
	Subject    string
	Body       string
}

// Mailer отправляет письма.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// LogMailer пишет письма в лог вместо отправки.
type LogMailer struct {
	logger *log.Entry
}

func NewLogMailer(logger *log.Entry) *LogMailer {
	if logger == nil {
		logger = log.WithField("component", "mailer")
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, email Email) error {
	m.logger.WithFields(log.Fields{
		"customer_id": email.CustomerID,
		"order_id":    email.OrderID,
		"subject":     email.Subject,
	}).Info(email.Body)
	return nil
}

func formatMoney(minor int64, currency string) string {
	return money.Format(minor, currency) + " " + currency
}

func placedEmail(event domain.OrderPlaced) Email {
	o := event.Order
	return Email{
		CustomerID: o.CustomerID,
		OrderID:    o.ID,
		Subject:    fmt.Sprintf("Order %s received", o.Number),
		Body: fmt.Sprintf("We received your order %s (%d items), total %s. We will let you know once the payment is confirmed.",
			o.Number, len(o.Items), formatMoney(o.TotalMinor, o.Currency)),
	}
}

// statusEmail возвращает письмо о смене статуса; ok=false для статусов,
// о которых покупателю не пишут.
func statusEmail(event domain.OrderStatusChanged) (Email, bool) {
	o := event.Order
	var subject, body string
	switch event.Status {
	case domain.OrderStatusPaid:
		subject = fmt.Sprintf("Payment for order %s confirmed", o.Number)
		body = fmt.Sprintf("We received %s for order %s.", formatMoney(o.TotalMinor, o.Currency), o.Number)
	case domain.OrderStatusShipped:
		subject = fmt.Sprintf("Order %s shipped", o.Number)
		body = fmt.Sprintf("Your order %s is on its way.", o.Number)
	case domain.OrderStatusDelivered:
		subject = fmt.Sprintf("Order %s delivered", o.Number)
		body = fmt.Sprintf("Your order %s has been delivered.", o.Number)
	case domain.OrderStatusCancelled:
		subject = fmt.Sprintf("Order %s cancelled", o.Number)
		body = fmt.Sprintf("Your order %s has been cancelled.", o.Number)
	default:
		return Email{}, false
	}
	if event.Note != "" {
		body += " Note: " + event.Note
	}
	return Email{CustomerID: o.CustomerID, OrderID: o.ID, Subject: subject, Body: body}, true
}
