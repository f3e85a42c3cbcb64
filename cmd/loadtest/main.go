// Команда loadtest прогоняет сценарии покупателя против запущенного
// storefront: оформление заказа, оплату через вебхук фейкового провайдера
// и отмену администратором.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run возвращает код выхода: 2 при ошибке флагов, 1 если доля проваленных
// сценариев выше -max-error-rate или отчёт не записан.
func run(ctx context.Context, args []string, out io.Writer) int {
	cfg, err := parseConfig(args)
	if err != nil {
		log.WithError(err).Error("invalid loadtest config")
		return 2
	}

	log.WithFields(log.Fields{
		"base_url":    cfg.baseURL,
		"mode":        cfg.mode,
		"run":         cfg.target(),
		"concurrency": cfg.concurrency,
	}).Info("load test started")

	result := newRunner(cfg, &http.Client{Timeout: cfg.timeout}).run(ctx)
	result.print(out, cfg)

	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Error("failed to write load test report")
			return 1
		}
	}
	fields := log.Fields{"failed": result.FailedScenarios, "error_rate": result.ErrorRate, "max_error_rate": cfg.maxErrorRate}
	if !cfg.passed(result) {
		log.WithFields(fields).Error("load test failed")
		return 1
	}
	log.WithFields(fields).Info("load test passed")
	return 0
}
