package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher публикует события outbox в один топик. Ключ
// сообщения это id заказа, поэтому события заказа идут в одну партицию
// и читаются в порядке коммитов.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер для relay; пустой topic означает
// TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	p := &OutboxTopicPublisher{producer: producer, topic: topic, now: time.Now}
	if p.topic == "" {
		p.topic = TopicOrderEvents
	}
	return p
}

func (p *OutboxTopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	return p.producer.PublishEvent(ctx, p.topic, partitionKey(msg), NewEnvelope(msg, p.now()), outboxHeaders(msg)...)
}

func partitionKey(msg domain.OutboxMessage) string {
	if msg.AggregateID != "" {
		return msg.AggregateID
	}
	return msg.ID
}

// outboxHeaders дублирует тип события и id записи outbox в заголовках.
func outboxHeaders(msg domain.OutboxMessage) []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(msg.EventType)},
		{Key: []byte(HeaderOutboxID), Value: []byte(msg.ID)},
	}
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
