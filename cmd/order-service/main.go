// Command order-service запускает storefront: REST API заказов и платежей,
// вебхуки провайдеров, фоновые воркеры и служебный листенер метрик.
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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const defaultEnvFile = ".env"

type options struct {
	envFiles    []string
	version     bool
	checkConfig bool
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("order-service", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Func("env-file", "env file to load before reading STOREFRONT_* (repeatable, default .env)", func(v string) error {
		if v = strings.TrimSpace(v); v == "" {
			return errors.New("empty env file path")
		}
		opts.envFiles = append(opts.envFiles, v)
		return nil
	})
	fs.BoolVar(&opts.version, "version", false, "print build information and exit")
	fs.BoolVar(&opts.checkConfig, "check-config", false, "validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if len(opts.envFiles) == 0 {
		opts.envFiles = []string{defaultEnvFile}
	}
	return opts, nil
}

// loadEnvFiles подгружает файлы по порядку. Уже заданные переменные не
// перезаписываются, отсутствующий файл не ошибка.
func loadEnvFiles(files ...string) {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("file", file).Warn("failed to load env file")
		}
	}
}

var runApp = app.Run

func realMain(args []string, lookup app.EnvLookup, out io.Writer) int {
	opts, err := parseOptions(args)
	if err != nil {
		log.WithError(err).Error("invalid order-service flags")
		return 2
	}
	if opts.version {
		_, _ = fmt.Fprintln(out, version.Current())
		return 0
	}

	loadEnvFiles(opts.envFiles...)
	cfg, warnings := app.LoadConfig(lookup)
	if err := app.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.WithError(err).Error("invalid logging configuration")
		return 2
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	if opts.checkConfig {
		if err := cfg.Validate(); err != nil {
			log.WithError(err).Error("configuration is invalid")
			return 1
		}
		_, _ = fmt.Fprintln(out, "config ok")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"build":        version.Current().String(),
	}).Info("запускаем storefront")

	if err := runApp(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("приложение завершилось с ошибкой")
		return 1
	}
	log.Info("storefront остановлен")
	return 0
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	os.Exit(realMain(os.Args[1:], os.LookupEnv, os.Stdout))
}
