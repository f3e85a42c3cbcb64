package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// ErrMalformedMessage помечает сообщения, которые бессмысленно повторять.
var ErrMalformedMessage = errors.New("malformed kafka message")

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_kafka_consumed_messages_total",
	Help: "Order event messages read from Kafka by outcome.",
}, []string{"topic", "outcome"})

// outcome описывает судьбу прочитанного сообщения.
type outcome string

const (
	outcomeProcessed    outcome = "processed"
	outcomeDeadLettered outcome = "dead_lettered"
	// outcomeFailed: обработка и DLQ не удались, offset не коммитится.
	outcomeFailed outcome = "failed"
)

// MessageHandler обрабатывает одно сообщение топика.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// NewEnvelopeHandler разбирает конверт события заказа и передаёт его publisher,
// обычно диспетчеру уведомлений.
func NewEnvelopeHandler(publisher domain.OutboxPublisher) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := DecodeEnvelope(message.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return publisher.Publish(ctx, envelope.OutboxMessage())
	}
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetters отправляет сообщения с исчерпанными попытками в topic.
// Без этой опции такие сообщения не коммитятся и перечитываются.
func WithDeadLetters(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт базовую паузу; перед попыткой n ждём n*delay.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// Consumer читает события заказов из consumer group.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	dlq        *Producer
	dlqTopic   string
	maxRetries int
	retryDelay time.Duration
}

// ConsumerConfig возвращает настройки consumer group: round-robin,
// старт с новых сообщений, ошибки через канал Errors.
func ConsumerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewConsumer подключается к consumer group groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, ConsumerConfig(groupID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		dlqTopic:   TopicDeadLetterQueue,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает чтение и сбор ошибок группы в фоне.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается на каждом rebalance
			err := c.group.Consume(ctx, c.topics, c)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("consume session failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Run читает до отмены ctx и закрывает consumer group.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
}

func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim коммитит offset только для обработанных или ушедших в DLQ
// сообщений; остальные перечитает следующая сессия.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			result := c.process(ctx, message)
			consumedMessages.WithLabelValues(message.Topic, string(result)).Inc()
			if result != outcomeFailed {
				session.MarkMessage(message, "")
			}
		}
	}
}

// process выполняет handler до maxRetries раз с учётом уже потраченных
// попыток из x-retry-count. Некорректные сообщения идут в DLQ сразу.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) outcome {
	fields := log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}
	spent := retryCount(message)
	attempts := max(c.maxRetries-spent, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return outcomeProcessed
		}
		spent++
		if errors.Is(err, ErrMalformedMessage) || attempt == attempts {
			break
		}
		c.logger.WithError(err).WithFields(fields).WithField("retry_count", spent).Warn("order event handling failed, retrying")
		if !c.pause(ctx, attempt) {
			return outcomeFailed
		}
	}

	logger := c.logger.WithError(err).WithFields(fields).WithField("retry_count", spent)
	if c.dlq == nil {
		logger.Error("order event handling failed, no dead letter topic configured")
		return outcomeFailed
	}
	if dlqErr := c.deadLetter(ctx, message, err, spent); dlqErr != nil {
		logger.WithField("dlq_error", dlqErr.Error()).Error("failed to dead-letter order event")
		return outcomeFailed
	}
	logger.Warn("order event moved to dead letter topic")
	return outcomeDeadLettered
}

func (c *Consumer) pause(ctx context.Context, attempt int) bool {
	if c.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.retryDelay * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryCount читает x-retry-count; отсутствующий или битый заголовок даёт 0.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

// DeadMessage содержит исходное сообщение и причину, по которой consumer
// его не обработал. RetryCount учитывает все потраченные попытки.
type DeadMessage struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

func (c *Consumer) deadLetter(ctx context.Context, message *sarama.ConsumerMessage, cause error, spent int) error {
	failedAt := time.Now().UTC().Format(time.RFC3339)
	dead := DeadMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        spent,
	}
	return c.dlq.PublishEvent(ctx, c.dlqTopic, dead.OriginalKey, dead,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(dead.ErrorMessage)},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(failedAt)},
	)
}
