package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

const envPrefix = "STOREFRONT_"

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string
	KafkaMaxRetries    int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	RedisAddr      string
	JaegerEndpoint string

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeBaseURL       string

	PayPalClientID     string
	PayPalClientSecret string
	PayPalWebhookID    string
	PayPalBaseURL      string
	PayPalReturnURL    string
	PayPalCancelURL    string

	// FakeProviders подключает in-memory шлюзы вместо настоящих провайдеров.
	FakeProviders     bool
	FakeWebhookSecret string

	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration

	// HealthCacheTTL: сколько переиспользуется результат проверок здоровья.
	HealthCacheTTL time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		ShutdownTimeout:             10 * time.Second,
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxConns:            25,
		KafkaTopic:                  kafka.TopicOrderEvents,
		KafkaConsumerGroup:          kafka.DefaultConsumerGroup,
		KafkaMaxRetries:             3,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
		FakeWebhookSecret:           "whsec_dev",
		ReconcileInterval:           time.Minute,
		ReconcileAfter:              15 * time.Minute,
		HealthCacheTTL:              time.Second,
		LogLevel:                    "info",
		LogFormat:                   "text",
	}
}

// EnvLookup читает переменную окружения, как os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// LoadConfig накладывает переменные STOREFRONT_* на DefaultConfig.
// Некорректное значение не прерывает запуск: остаётся значение по умолчанию,
// а в warnings попадает описание проблемы.
func LoadConfig(lookup EnvLookup) (Config, []string) {
	cfg := DefaultConfig()
	l := loader{lookup: lookup}

	l.str("HTTP_ADDR", &cfg.HTTPAddr)
	l.str("GRPC_ADDR", &cfg.GRPCAddr)
	l.str("METRICS_ADDR", &cfg.MetricsAddr)
	l.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, positiveDuration)
	l.list("CORS_ORIGINS", &cfg.AllowedOrigins)

	l.str("STORAGE_DRIVER", &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	l.str("POSTGRES_DSN", &cfg.PostgresDSN)
	l.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	l.integer("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns, positiveInt)

	l.list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	l.str("KAFKA_TOPIC", &cfg.KafkaTopic)
	l.str("KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	l.integer("KAFKA_MAX_RETRIES", &cfg.KafkaMaxRetries, positiveInt)

	l.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval, positiveDuration)
	l.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, positiveInt)
	l.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, positiveInt)
	l.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay, nonNegativeDuration)

	l.duration("IDEMPOTENCY_TTL", &cfg.IdempotencyTTL, positiveDuration)
	l.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval, positiveDuration)
	l.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize, positiveInt)

	l.str("REDIS_ADDR", &cfg.RedisAddr)
	l.str("JAEGER_ENDPOINT", &cfg.JaegerEndpoint)

	l.str("STRIPE_API_KEY", &cfg.StripeAPIKey)
	l.str("STRIPE_WEBHOOK_SECRET", &cfg.StripeWebhookSecret)
	l.str("STRIPE_BASE_URL", &cfg.StripeBaseURL)

	l.str("PAYPAL_CLIENT_ID", &cfg.PayPalClientID)
	l.str("PAYPAL_CLIENT_SECRET", &cfg.PayPalClientSecret)
	l.str("PAYPAL_WEBHOOK_ID", &cfg.PayPalWebhookID)
	l.str("PAYPAL_BASE_URL", &cfg.PayPalBaseURL)
	l.str("PAYPAL_RETURN_URL", &cfg.PayPalReturnURL)
	l.str("PAYPAL_CANCEL_URL", &cfg.PayPalCancelURL)

	l.boolean("FAKE_PROVIDERS", &cfg.FakeProviders)
	l.str("FAKE_WEBHOOK_SECRET", &cfg.FakeWebhookSecret)

	l.duration("RECONCILE_INTERVAL", &cfg.ReconcileInterval, positiveDuration)
	l.duration("RECONCILE_AFTER", &cfg.ReconcileAfter, positiveDuration)
	l.duration("HEALTH_CACHE_TTL", &cfg.HealthCacheTTL, nonNegativeDuration)

	l.str("LOG_LEVEL", &cfg.LogLevel)
	l.str("LOG_FORMAT", &cfg.LogFormat)

	return cfg, l.warnings
}

// Validate сообщает о несовместимых настройках.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires STOREFRONT_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox poll interval, batch size and max attempts must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	if c.ReconcileInterval <= 0 || c.ReconcileAfter <= 0 {
		errs = append(errs, errors.New("reconcile interval and threshold must be positive"))
	}
	if (c.StripeAPIKey == "") != (c.StripeWebhookSecret == "") {
		errs = append(errs, errors.New("stripe requires both api key and webhook secret"))
	}
	if c.PayPalClientID != "" && (c.PayPalClientSecret == "" || c.PayPalWebhookID == "") {
		errs = append(errs, errors.New("paypal requires client secret and webhook id"))
	}
	if c.FakeProviders && c.FakeWebhookSecret == "" {
		errs = append(errs, errors.New("fake providers require a webhook secret"))
	}
	return errors.Join(errs...)
}

type loader struct {
	lookup   EnvLookup
	warnings []string
}

func (l *loader) raw(name string) (string, bool) {
	v, ok := l.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l *loader) warn(name, value string, err error) {
	l.warnings = append(l.warnings, fmt.Sprintf("%s%s=%q ignored: %v", envPrefix, name, value, err))
}

func (l *loader) str(name string, dst *string) {
	if v, ok := l.raw(name); ok {
		*dst = v
	}
}

func (l *loader) list(name string, dst *[]string) {
	v, ok := l.raw(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (l *loader) integer(name string, dst *int, valid func(int) bool) {
	v, ok := l.raw(name)
	if !ok {
		return
	}
	n, err := ParseInt(v, valid)
	if err != nil {
		l.warn(name, v, err)
		return
	}
	*dst = n
}

func (l *loader) duration(name string, dst *time.Duration, valid func(time.Duration) bool) {
	v, ok := l.raw(name)
	if !ok {
		return
	}
	d, err := ParseDuration(v, valid)
	if err != nil {
		l.warn(name, v, err)
		return
	}
	*dst = d
}

func (l *loader) boolean(name string, dst *bool) {
	v, ok := l.raw(name)
	if !ok {
		return
	}
	b, err := ParseBool(v)
	if err != nil {
		l.warn(name, v, err)
		return
	}
	*dst = b
}

var errOutOfRange = errors.New("value out of range")

func positiveInt(v int) bool                   { return v > 0 }
func positiveDuration(v time.Duration) bool    { return v > 0 }
func nonNegativeDuration(v time.Duration) bool { return v >= 0 }

// ParseBool понимает true/false, 1/0, yes/no, on/off.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", raw)
}

// ParseInt разбирает целое и проверяет его valid (nil — без проверки).
func ParseInt(raw string, valid func(int) bool) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(n) {
		return 0, fmt.Errorf("%w: %d", errOutOfRange, n)
	}
	return n, nil
}

// ParseDuration разбирает длительность и проверяет её valid (nil — без проверки).
func ParseDuration(raw string, valid func(time.Duration) bool) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(d) {
		return 0, fmt.Errorf("%w: %s", errOutOfRange, d)
	}
	return d, nil
}
