package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const defaultReadHeaderTimeout = 5 * time.Second

// newMetricsServer — служебный листенер: метрики, пробы и сведения о сборке.
func newMetricsServer(checks *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", checks)
	mux.HandleFunc("GET /livez", healthcheck.LivenessHandler)
	mux.HandleFunc("GET /readyz", checks.ReadinessHandler)
	mux.HandleFunc("GET /version", version.Handler)
	return &http.Server{Handler: mux, ReadHeaderTimeout: defaultReadHeaderTimeout}
}

// serveHTTP обслуживает lis до отмены ctx. После отмены ждёт, пока
// Shutdown дождётся активных запросов, но не дольше timeout.
func serveHTTP(ctx context.Context, srv *http.Server, lis net.Listener, timeout time.Duration, logger *log.Entry) error {
	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)
		shutdownHTTP(srv, timeout, logger)
	})

	logger.WithField("addr", lis.Addr().String()).Info("http server listening")
	err := srv.Serve(lis)
	if stop() {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", lis.Addr(), err)
	}
	<-drained
	return nil
}

func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
