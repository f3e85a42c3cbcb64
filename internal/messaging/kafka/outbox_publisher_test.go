package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func header(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestOutboxPublisher_PublishEnvelope(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	publishedAt := createdAt.Add(time.Second)

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if msg.Topic != TopicOrderEvents || string(key) != "order-123" {
			return errors.New("event must be keyed by order id")
		}
		if header(msg, HeaderEventType) != domain.EventTypeOrderStatusChanged || header(msg, HeaderOutboxID) != "outbox-1" {
			return errors.New("missing outbox headers")
		}
		value, _ := msg.Value.Encode()
		envelope, err := DecodeEnvelope(value)
		if err != nil {
			return err
		}
		if envelope.ID != "outbox-1" || !envelope.CreatedAt.Equal(createdAt) || !envelope.PublishedAt.Equal(publishedAt) {
			return errors.New("unexpected envelope")
		}
		if string(envelope.Payload) != `{"status":"paid"}` {
			return errors.New("payload must be passed through as is")
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFrom(sp), "")
	publisher.now = func() time.Time { return publishedAt }

	require.NoError(t, publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventTypeOrderStatusChanged,
		Payload:       []byte(`{"status":"paid"}`),
		CreatedAt:     createdAt,
	}))
	require.NoError(t, sp.Close())
}

func TestOutboxPublisher_KeyFallsBackToOutboxID(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if msg.Topic != TopicDeadLetterQueue || string(key) != "outbox-9" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFrom(sp), TopicDeadLetterQueue)
	require.NoError(t, publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-9", Payload: []byte(`{}`)}))
	require.NoError(t, sp.Close())
}

func TestOutboxPublisher_ProducerError(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFrom(sp), TopicOrderEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:          "outbox-2",
		AggregateID: "order-234",
		EventType:   domain.EventTypeOrderStatusChanged,
		Payload:     []byte(`{"status":"cancelled"}`),
	})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sp.Close())
}

func TestOutboxPublisher_NotInitialized(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, NewOutboxPublisher(nil, "").Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}), errPublisherNotReady)

	var nilPublisher *OutboxTopicPublisher
	require.ErrorIs(t, nilPublisher.Publish(context.Background(), domain.OutboxMessage{}), errPublisherNotReady)
}
