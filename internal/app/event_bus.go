package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const producerClientID = "storefront-order-service"

var (
	dialProducer     = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
)

// eventBus решает, куда outbox worker отправляет события заказов. С Kafka
// события идут в топик, а local вызывается из consumer group; без Kafka
// outbox публикует прямо в local, и DLQ нет.
type eventBus struct {
	producer  *kafka.Producer
	consumer  *kafka.Consumer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
}

func openEventBus(cfg Config, local domain.OutboxPublisher, logger *log.Entry) (*eventBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("kafka is not configured, delivering order events in-process")
		return &eventBus{publisher: local}, nil
	}

	producer, err := dialProducer(cfg.KafkaBrokers, producerClientID)
	if err != nil {
		logger.WithError(err).Warn("kafka is unreachable, delivering order events in-process")
		return &eventBus{publisher: local}, nil
	}
	return attachKafka(cfg, producer, local, logger)
}

func attachKafka(cfg Config, producer *kafka.Producer, local domain.OutboxPublisher, logger *log.Entry) (*eventBus, error) {
	consumer, err := newKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, []string{cfg.KafkaTopic},
		kafka.NewEnvelopeHandler(local),
		kafka.WithDeadLetters(producer, kafka.TopicDeadLetterQueue),
		kafka.WithMaxRetries(cfg.KafkaMaxRetries),
	)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	logger.WithFields(log.Fields{
		"brokers": cfg.KafkaBrokers,
		"topic":   cfg.KafkaTopic,
		"group":   cfg.KafkaConsumerGroup,
	}).Info("kafka event bus ready")
	return &eventBus{
		producer:  producer,
		consumer:  consumer,
		publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		dlq:       kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
	}, nil
}

func (b *eventBus) usesKafka() bool { return b.producer != nil }

// run читает consumer group до отмены ctx; без Kafka сразу возвращает nil.
func (b *eventBus) run(ctx context.Context) error {
	if b.consumer == nil {
		return nil
	}
	return b.consumer.Run(ctx)
}

func (b *eventBus) close(logger *log.Entry) {
	if b == nil || b.producer == nil {
		return
	}
	if err := b.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	}
}
