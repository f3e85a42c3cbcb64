package app

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/broadcast"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/notification"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/payments"
	"github.com/vladislavdragonenkov/storefront/internal/tracing"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const serviceName = "storefront"

// Run поднимает HTTP API, сервер метрик, gRPC probe и фоновые воркеры
// и работает до отмены ctx. При отмене возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	build := version.Current()

	shutdownTracing, err := tracing.InitTracerProvider(serviceName, build.Version, cfg.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	storage, err := openStorage(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer storage.close(logger)

	adapters, err := buildProviders(cfg, logger.WithField("layer", "providers"))
	if err != nil {
		return err
	}

	lifecycle := metrics.NewLifecycle(prometheus.DefaultRegisterer)
	ordersSvc := orders.NewService(storage.store,
		orders.WithMetrics(lifecycle),
		orders.WithLogger(log.WithField("component", "order-service")),
	)
	paymentsSvc := payments.NewService(storage.store, ordersSvc, adapters,
		payments.WithMetrics(lifecycle),
		payments.WithLogger(log.WithField("component", "payment-service")),
	)

	checks := healthcheck.NewHandler(build.Version, healthcheck.WithCacheTTL(cfg.HealthCacheTTL))
	storage.register(checks)

	hub := broadcast.NewHub(
		broadcast.WithChannelFilter(notification.ValidChannel),
		broadcast.WithAllowedOrigins(cfg.AllowedOrigins),
		broadcast.WithHubLogger(log.WithField("component", "ws-hub")),
	)
	defer hub.Close()

	var broadcaster notification.Broadcaster = hub
	var relay *broadcast.RedisRelay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		relay = broadcast.NewRedisRelay(client, hub, log.WithField("component", "redis-relay"))
		broadcaster = relay
		checks.RegisterChecker("redis", healthcheck.NewOptionalChecker("redis", relay.Ping))
	}
	dispatcher := notification.NewDispatcher(
		notification.NewLogMailer(log.WithField("component", "mailer")),
		broadcaster,
		log.WithField("component", "notification-dispatcher"),
	)

	bus, err := openEventBus(cfg, dispatcher, logger.WithField("layer", "events"))
	if err != nil {
		return err
	}
	defer bus.close(logger)

	outboxWorker := outbox.NewWorker(storage.store.Repositories().Outbox, bus.publisher,
		outbox.WithLogger(log.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(bus.dlq),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	idempotencyRepo := storage.store.Repositories().Idempotency
	sweeper := idempotency.NewSweeper(idempotencyRepo,
		idempotency.WithSweepLogger(log.WithField("component", "idempotency-cleanup")),
		idempotency.WithSweepInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithSweepBatch(cfg.IdempotencyCleanupBatchSize),
	)
	reconciler := payments.NewReconcileWorker(paymentsSvc,
		payments.WithReconcileInterval(cfg.ReconcileInterval),
		payments.WithReconcileAfter(cfg.ReconcileAfter),
		payments.WithReconcileLogger(log.WithField("component", "payment-reconciler")),
	)

	router := httpapi.NewRouter(
		httpapi.NewHandler(ordersSvc, paymentsSvc, log.WithField("component", "http-api")),
		httpapi.Config{
			AllowedOrigins: cfg.AllowedOrigins,
			Guard:          idempotency.NewGuard(idempotencyRepo, cfg.IdempotencyTTL),
			WebSocket:      hub,
			Logger:         log.WithField("component", "http"),
		},
	)
	apiSrv := &http.Server{Handler: router, ReadHeaderTimeout: defaultReadHeaderTimeout}
	metricsSrv := newMetricsServer(checks)
	probe := newProbeServer(log.WithField("component", "grpc-probe"))

	listeners, err := listenAll(cfg.HTTPAddr, cfg.MetricsAddr, cfg.GRPCAddr)
	if err != nil {
		return err
	}
	apiLis, metricsLis, grpcLis := listeners[0], listeners[1], listeners[2]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, apiSrv, apiLis, cfg.ShutdownTimeout, logger.WithField("server", "api"))
	})
	g.Go(func() error {
		return serveHTTP(gctx, metricsSrv, metricsLis, cfg.ShutdownTimeout, logger.WithField("server", "metrics"))
	})
	g.Go(func() error {
		return probe.serve(gctx, grpcLis, cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		probe.syncStatus(gctx, checks, probeSyncInterval)
		return nil
	})
	g.Go(func() error {
		outboxWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return bus.run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	logger.WithFields(log.Fields{
		"http_addr":    apiLis.Addr().String(),
		"metrics_addr": metricsLis.Addr().String(),
		"grpc_addr":    grpcLis.Addr().String(),
		"storage":      cfg.StorageDriver,
		"kafka":        bus.usesKafka(),
		"redis":        relay != nil,
	}).Info("storefront started")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("storefront stopped")
	return ctx.Err()
}

// listenAll открывает все адреса или ни одного.
func listenAll(addrs ...string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
	}
	return listeners, nil
}
