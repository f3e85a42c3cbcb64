package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

const (
	clientID           = "storefront-dlq-reprocess"
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

// options задают, какие мёртвые события заказов и куда переиграть.
type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventType   string
	orderID     string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// parseOptions читает флаги; брокеры и целевой топик по умолчанию берутся
// из STOREFRONT_KAFKA_BROKERS и STOREFRONT_KAFKA_TOPIC.
func parseOptions(args []string, env app.Config) (options, error) {
	var (
		opts    options
		brokers string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", strings.Join(env.KafkaBrokers, ","), "kafka brokers, comma-separated")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.targetTopic, "target-topic", env.KafkaTopic, "topic to replay order events into")
	fs.StringVar(&opts.eventType, "event-type", "", "replay only this event type (OrderPlaced, OrderStatusChanged)")
	fs.StringVar(&opts.orderID, "order", "", "replay only events of this order id")
	fs.IntVar(&opts.limit, "limit", defaultReplayLimit, "max messages to scan across partitions")
	fs.BoolVar(&opts.execute, "execute", false, "publish replayed events; dry-run otherwise")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this pause")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.brokers = parseBrokers(brokers)
	opts.sourceTopic = strings.TrimSpace(opts.sourceTopic)
	opts.targetTopic = strings.TrimSpace(opts.targetTopic)
	opts.orderID = strings.TrimSpace(opts.orderID)

	var errs []error
	if len(opts.brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required (-brokers or STOREFRONT_KAFKA_BROKERS)"))
	}
	if opts.sourceTopic == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if opts.targetTopic == "" {
		errs = append(errs, errors.New("target-topic is required"))
	}
	if opts.sourceTopic != "" && opts.sourceTopic == opts.targetTopic {
		errs = append(errs, errors.New("source and target topics must differ"))
	}
	if opts.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if opts.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	return opts, errors.Join(errs...)
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}

type offsetClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

// replayProducer реализуется *kafka.Producer.
type replayProducer interface {
	Send(ctx context.Context, topic, key string, value []byte, headers ...sarama.RecordHeader) error
	Close() error
}

type saramaSource struct{ consumer sarama.Consumer }

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

// deps держит подключения к Kafka; producer есть только в режиме execute.
type deps struct {
	offsets  offsetClient
	source   partitionSource
	producer replayProducer
}

func (d deps) close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.source != nil {
		_ = d.source.Close()
	}
	if d.offsets != nil {
		_ = d.offsets.Close()
	}
}

var connect = func(opts options) (deps, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return deps{}, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return deps{}, fmt.Errorf("create dlq consumer: %w", err)
	}
	d := deps{offsets: client, source: saramaSource{consumer: consumer}}
	if !opts.execute {
		return d, nil
	}

	producer, err := kafka.NewProducer(opts.brokers, clientID)
	if err != nil {
		d.close()
		return deps{}, err
	}
	d.producer = producer
	return d, nil
}

// candidate описывает мёртвое событие, пригодное для повторной публикации.
type candidate struct {
	topic      string
	key        string
	orderID    string
	eventType  string
	value      []byte
	retryCount int
}

// decodeCandidate понимает два формата DLQ: kafka.DeadMessage от consumer
// и outbox.DeadLetter в конверте от outbox relay. ok=false для чужих сообщений.
func decodeCandidate(msg *sarama.ConsumerMessage, fallbackTopic string) (candidate, bool, error) {
	var dead kafka.DeadMessage
	if err := json.Unmarshal(msg.Value, &dead); err == nil && dead.OriginalValue != "" {
		c := candidate{
			topic:      firstNonEmpty(strings.TrimSpace(dead.OriginalTopic), fallbackTopic),
			key:        dead.OriginalKey,
			orderID:    dead.OriginalKey,
			value:      []byte(dead.OriginalValue),
			retryCount: dead.RetryCount,
		}
		if env, err := kafka.DecodeEnvelope(c.value); err == nil {
			c.eventType = env.EventType
			c.orderID = firstNonEmpty(env.AggregateID, c.orderID)
		}
		return c, true, nil
	}

	var wrapper kafka.Envelope
	if err := json.Unmarshal(msg.Value, &wrapper); err != nil || len(wrapper.Payload) == 0 {
		return candidate{}, false, nil
	}
	var letter outbox.DeadLetter
	if err := json.Unmarshal(wrapper.Payload, &letter); err != nil {
		return candidate{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(letter.Payload) == 0 {
		return candidate{}, false, errors.New("outbox dead letter has no order event payload")
	}

	restored := kafka.Envelope{
		ID:            firstNonEmpty(letter.OutboxID, wrapper.ID),
		AggregateType: firstNonEmpty(letter.AggregateType, wrapper.AggregateType),
		AggregateID:   firstNonEmpty(letter.AggregateID, wrapper.AggregateID),
		EventType:     firstNonEmpty(letter.EventType, wrapper.EventType),
		Payload:       letter.Payload,
		CreatedAt:     wrapper.CreatedAt,
		PublishedAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(restored)
	if err != nil {
		return candidate{}, false, fmt.Errorf("encode order event: %w", err)
	}
	return candidate{
		topic:     fallbackTopic,
		key:       firstNonEmpty(restored.AggregateID, restored.ID),
		orderID:   restored.AggregateID,
		eventType: restored.EventType,
		value:     value,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (o options) matches(c candidate) bool {
	if o.eventType != "" && c.eventType != o.eventType {
		return false
	}
	return o.orderID == "" || c.orderID == o.orderID
}

type summary struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *summary) add(o summary) {
	s.scanned += o.scanned
	s.replayed += o.replayed
	s.skipped += o.skipped
}

type replayer struct {
	opts options
	deps
	logger *log.Entry
}

func newReplayer(opts options, d deps, logger *log.Entry) (*replayer, error) {
	if d.offsets == nil || d.source == nil {
		return nil, errors.New("kafka client and consumer are required")
	}
	if opts.execute && d.producer == nil {
		return nil, errors.New("producer is required in execute mode")
	}
	return &replayer{opts: opts, deps: d, logger: logger}, nil
}

// run обходит партиции по возрастанию номера, пока не исчерпан limit.
func (r *replayer) run(ctx context.Context) (summary, error) {
	partitions, err := r.offsets.Partitions(r.opts.sourceTopic)
	if err != nil {
		return summary{}, fmt.Errorf("list partitions of %s: %w", r.opts.sourceTopic, err)
	}
	slices.Sort(partitions)

	var total summary
	for _, partition := range partitions {
		budget := r.opts.limit - total.scanned
		if budget <= 0 {
			break
		}
		part, err := r.drain(ctx, partition, budget)
		total.add(part)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drain читает партицию до конца, снятого на старте, до budget сообщений
// или до паузы idleTimeout.
func (r *replayer) drain(ctx context.Context, partition int32, budget int) (summary, error) {
	var sum summary
	oldest, err := r.offsets.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return sum, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := r.offsets.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return sum, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if end <= oldest {
		return sum, nil
	}
	start := oldest
	if r.opts.fromNewest {
		start = max(oldest, end-int64(budget))
	}

	stream, err := r.source.ConsumePartition(r.opts.sourceTopic, partition, start)
	if err != nil {
		return sum, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()
	errs := stream.Errors()

	for sum.scanned < budget {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		case <-idle.C:
			return sum, nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return sum, fmt.Errorf("partition %d: %w", partition, cerr)
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return sum, nil
			}
			idle.Reset(r.opts.idleTimeout)
			sum.scanned++
			replayed, err := r.handle(ctx, msg)
			if err != nil {
				return sum, err
			}
			if replayed {
				sum.replayed++
			} else {
				sum.skipped++
			}
			if msg.Offset+1 >= end {
				return sum, nil
			}
		}
	}
	return sum, nil
}

func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}
	c, ok, err := decodeCandidate(msg, r.opts.targetTopic)
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("skip unreadable dlq message")
		return false, nil
	}
	if !ok || !r.opts.matches(c) {
		return false, nil
	}

	fields["order_id"] = c.orderID
	fields["event_type"] = c.eventType
	fields["retry_count"] = c.retryCount
	if !r.opts.execute {
		r.logger.WithFields(fields).Info("dlq replay candidate")
		return true, nil
	}
	if err := publish(ctx, r.producer, c); err != nil {
		return false, fmt.Errorf("replay order %s event: %w", c.orderID, err)
	}
	r.logger.WithFields(fields).Debug("order event replayed")
	return true, nil
}

// publish возвращает событие в топик с увеличенным x-retry-count,
// чтобы consumer учитывал уже потраченные попытки.
func publish(ctx context.Context, producer replayProducer, c candidate) error {
	headers := []sarama.RecordHeader{
		{Key: []byte(kafka.HeaderRetryCount), Value: []byte(strconv.Itoa(c.retryCount + 1))},
	}
	if c.eventType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderEventType), Value: []byte(c.eventType)})
	}
	return producer.Send(ctx, c.topic, c.key, c.value, headers...)
}

// execute подключается к Kafka и выполняет replay.
func execute(ctx context.Context, opts options, logger *log.Entry) (summary, error) {
	d, err := connect(opts)
	if err != nil {
		return summary{}, err
	}
	defer d.close()

	r, err := newReplayer(opts, d, logger)
	if err != nil {
		return summary{}, err
	}
	return r.run(ctx)
}

func realMain(args []string, lookup app.EnvLookup) int {
	env, warnings := app.LoadConfig(lookup)
	if err := app.ConfigureLogging(env.LogLevel, env.LogFormat); err != nil {
		log.WithError(err).Error("invalid logging configuration")
		return 2
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	opts, err := parseOptions(args, env)
	if err != nil {
		log.WithError(err).Error("invalid dlq-reprocess options")
		return 2
	}

	mode := "dry-run"
	if opts.execute {
		mode = "execute"
	}
	logger := log.WithFields(log.Fields{
		"component":    "dlq-reprocess",
		"source_topic": opts.sourceTopic,
		"target_topic": opts.targetTopic,
		"mode":         mode,
	})
	logger.WithFields(log.Fields{"event_type": opts.eventType, "order_id": opts.orderID, "limit": opts.limit}).Info("starting dlq replay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := execute(ctx, opts, logger)
	fields := log.Fields{"scanned": sum.scanned, "replayed": sum.replayed, "skipped": sum.skipped}
	if err != nil {
		logger.WithError(err).WithFields(fields).Error("dlq replay failed")
		return 1
	}
	logger.WithFields(fields).Info("dlq replay finished")
	return 0
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env")
	}
	os.Exit(realMain(os.Args[1:], os.LookupEnv))
}
