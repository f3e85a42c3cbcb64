package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// storageBackend — хранилище, выбранное STOREFRONT_STORAGE_DRIVER, и его проверки здоровья.
type storageBackend struct {
	store    domain.Store
	checkers map[string]healthcheck.Checker
	closeFn  func() error
}

// openStorage открывает хранилище. Для PostgreSQL при PostgresAutoMigrate
// сначала применяются миграции.
func openStorage(ctx context.Context, cfg Config, logger *log.Entry) (*storageBackend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		logger.WithField("driver", StorageDriverMemory).Info("storage ready")
		return &storageBackend{
			store:    store,
			checkers: map[string]healthcheck.Checker{"storage": healthcheck.NewPingChecker("storage", store)},
		}, nil

	case StorageDriverPostgres:
		return openPostgres(ctx, cfg, logger.WithField("driver", StorageDriverPostgres))

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func openPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*storageBackend, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("postgres storage requires dsn")
	}
	store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	probe := schemaProbe(store)
	if err := probe(ctx); err != nil {
		logger.WithError(err).Warn("postgres schema is not current")
	}
	poolStats := store.Collector(serviceName)
	if err := prometheus.Register(poolStats); err != nil {
		logger.WithError(err).Warn("postgres pool metrics are not exported")
		poolStats = nil
	}
	logger.WithFields(log.Fields{
		"auto_migrate": cfg.PostgresAutoMigrate,
		"max_conns":    cfg.PostgresMaxConns,
	}).Info("storage ready")

	return &storageBackend{
		store: store,
		checkers: map[string]healthcheck.Checker{
			"storage": healthcheck.NewPingChecker("storage", store),
			"schema":  healthcheck.NewOptionalChecker("schema", probe),
		},
		closeFn: func() error {
			if poolStats != nil {
				prometheus.Unregister(poolStats)
			}
			return store.Close()
		},
	}, nil
}

type migrationStatuser interface {
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

// schemaProbe сообщает об ошибке, если есть неприменённые или изменённые миграции.
func schemaProbe(s migrationStatuser) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		state, err := s.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		if state.Pending > 0 || state.Modified > 0 {
			return fmt.Errorf("schema at version %d: %d pending, %d modified", state.Version, state.Pending, state.Modified)
		}
		return nil
	}
}

func (b *storageBackend) register(h *healthcheck.Handler) {
	for name, checker := range b.checkers {
		h.RegisterChecker(name, checker)
	}
}

func (b *storageBackend) close(logger *log.Entry) {
	if b == nil || b.closeFn == nil {
		return
	}
	if err := b.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
