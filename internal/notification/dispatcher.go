package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Broadcaster доставляет сообщение подписчикам канала.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// Notice описывает сообщение для подписчиков websocket.
type Notice struct {
	Type           string               `json:"type"`
	Order          domain.OrderSnapshot `json:"order"`
	PreviousStatus domain.OrderStatus   `json:"previous_status,omitempty"`
	Status         domain.OrderStatus   `json:"status"`
	ActorName      string               `json:"actor_name,omitempty"`
	Note           string               `json:"note,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// Dispatcher реализует domain.OutboxPublisher: разбирает события заказов
// и рассылает их по почте и в каналы websocket. Ошибка доставки
// возвращается relay, и событие будет доставлено повторно.
type Dispatcher struct {
	mailer      Mailer
	broadcaster Broadcaster
	logger      *log.Entry
}

func NewDispatcher(mailer Mailer, broadcaster Broadcaster, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.WithField("component", "notification-dispatcher")
	}
	return &Dispatcher{mailer: mailer, broadcaster: broadcaster, logger: logger}
}

// Publish обрабатывает одно событие из outbox.
func (d *Dispatcher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	var (
		notice Notice
		email  Email
		send   bool
	)

	switch msg.EventType {
	case domain.EventTypeOrderPlaced:
		event, err := domain.DecodeOrderPlaced(msg.Payload)
		if err != nil {
			return err
		}
		notice = Notice{
			Type:       msg.EventType,
			Order:      event.Order,
			Status:     event.Order.Status,
			OccurredAt: event.OccurredAt,
		}
		email, send = placedEmail(event), true
	case domain.EventTypeOrderStatusChanged:
		event, err := domain.DecodeOrderStatusChanged(msg.Payload)
		if err != nil {
			return err
		}
		notice = Notice{
			Type:           msg.EventType,
			Order:          event.Order,
			PreviousStatus: event.PreviousStatus,
			Status:         event.Status,
			ActorName:      event.ActorName,
			Note:           event.Note,
			OccurredAt:     event.OccurredAt,
		}
		email, send = statusEmail(event)
	default:
		d.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"event_type": msg.EventType,
		}).Warn("skipping unknown event type")
		return nil
	}

	var errs []error
	if err := d.broadcast(ctx, notice); err != nil {
		errs = append(errs, err)
	}
	if send && d.mailer != nil {
		if err := d.mailer.Send(ctx, email); err != nil {
			errs = append(errs, fmt.Errorf("send email: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	d.logger.WithFields(log.Fields{
		"order_id":   notice.Order.ID,
		"event_type": msg.EventType,
		"status":     notice.Status,
	}).Debug("order event dispatched")
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, notice Notice) error {
	if d.broadcaster == nil {
		return nil
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	channels := []string{OrderChannel(notice.Order.ID), AdminChannel}
	if notice.Order.CustomerID != "" {
		channels = append(channels, CustomerChannel(notice.Order.CustomerID))
	}
	for _, channel := range channels {
		if err := d.broadcaster.Broadcast(ctx, channel, payload); err != nil {
			return fmt.Errorf("broadcast to %s: %w", channel, err)
		}
	}
	return nil
}

var _ domain.OutboxPublisher = (*Dispatcher)(nil)
