// Command migrate применяет, откатывает и проверяет миграции схемы PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

const (
	actionUp     = "up"
	actionDown   = "down"
	actionStatus = "status"
)

// errSchemaNotCurrent возвращается в режиме -check, если есть неприменённые
// или изменённые после применения миграции.
var errSchemaNotCurrent = errors.New("schema is not current")

type options struct {
	action  string
	steps   int
	dsn     string
	check   bool
	timeout time.Duration
}

// parseOptions читает флаги; DSN по умолчанию берётся из STOREFRONT_POSTGRES_DSN.
func parseOptions(args []string, env app.Config) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.action, "direction", actionUp, "up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all) or roll back (0 = one)")
	fs.StringVar(&opts.dsn, "dsn", env.PostgresDSN, "postgres dsn")
	fs.BoolVar(&opts.check, "check", false, "exit non-zero when migrations are pending or modified")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.action = strings.ToLower(strings.TrimSpace(opts.action))
	opts.dsn = strings.TrimSpace(opts.dsn)

	var errs []error
	switch opts.action {
	case actionUp, actionStatus:
	case actionDown:
		opts.steps = max(opts.steps, 1)
	default:
		errs = append(errs, fmt.Errorf("unsupported direction %q (use up|down|status)", opts.action))
	}
	if opts.steps < 0 {
		errs = append(errs, errors.New("steps must be >= 0"))
	}
	if opts.dsn == "" {
		errs = append(errs, errors.New("postgres dsn is required (-dsn or STOREFRONT_POSTGRES_DSN)"))
	}
	if opts.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	return opts, errors.Join(errs...)
}

// schema реализуется *postgres.Store.
type schema interface {
	Migrate(ctx context.Context, direction postgres.MigrationDirection, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

var openSchema = func(ctx context.Context, dsn string) (schema, error) {
	return postgres.Open(ctx, dsn)
}

func migrate(ctx context.Context, opts options, out io.Writer) (postgres.MigrationState, error) {
	store, err := openSchema(ctx, opts.dsn)
	if err != nil {
		return postgres.MigrationState{}, fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = store.Close() }()

	if opts.action != actionStatus {
		if err := store.Migrate(ctx, postgres.MigrationDirection(opts.action), opts.steps); err != nil {
			return postgres.MigrationState{}, fmt.Errorf("migrate %s: %w", opts.action, err)
		}
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return postgres.MigrationState{}, fmt.Errorf("migration status: %w", err)
	}
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d pending=%d modified=%d\n",
		opts.action, state.Version, state.Applied, state.Pending, state.Modified)

	if opts.check && (state.Pending > 0 || state.Modified > 0) {
		return state, errSchemaNotCurrent
	}
	return state, nil
}

func realMain(args []string, lookup app.EnvLookup, out io.Writer) int {
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
		log.WithError(err).Error("invalid migrate options")
		return 2
	}
	logger := log.WithFields(log.Fields{"component": "migrate", "direction": opts.action, "steps": opts.steps})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	state, err := migrate(ctx, opts, out)
	fields := log.Fields{"version": state.Version, "pending": state.Pending, "modified": state.Modified}
	if err != nil {
		logger.WithError(err).WithFields(fields).Error("migrate failed")
		return 1
	}
	logger.WithFields(fields).Debug("migrate finished")
	return 0
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env")
	}
	os.Exit(realMain(os.Args[1:], os.LookupEnv, os.Stdout))
}
