package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
)

// probeServiceName регистрируется в grpc.health.v1 вместе с пустым "".
// Компоненты публикуются как "storefront.<имя проверки>".
const probeServiceName = "storefront"

const probeSyncInterval = 5 * time.Second

// grpcServerMetrics регистрируется один раз на процесс: Run может вызываться повторно в тестах.
var grpcServerMetrics = sync.OnceValue(func() *promgrpc.ServerMetrics {
	m := promgrpc.NewServerMetrics()
	if err := prometheus.Register(m); err != nil {
		log.WithError(err).Warn("grpc server metrics are not exported")
	}
	return m
})

// probeServer отдаёт grpc.health.v1 для балансировщиков и grpc-health-probe.
type probeServer struct {
	server *grpc.Server
	health *health.Server
	logger *log.Entry
}

func newProbeServer(logger *log.Entry) *probeServer {
	metrics := grpcServerMetrics()
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	)
	p := &probeServer{server: server, health: health.NewServer(), logger: logger}
	healthpb.RegisterHealthServer(server, p.health)
	reflection.Register(server)
	metrics.InitializeMetrics(server)
	return p
}

func componentService(name string) string {
	return probeServiceName + "." + name
}

func servingStatus(s healthcheck.Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == healthcheck.StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// publish переносит результат проверок в health-сервер. Деградация не
// снимает SERVING, отказ хотя бы одной обязательной проверки снимает.
func (p *probeServer) publish(resp healthcheck.Response) {
	overall := servingStatus(resp.Status)
	p.health.SetServingStatus("", overall)
	p.health.SetServingStatus(probeServiceName, overall)
	for name, check := range resp.Checks {
		p.health.SetServingStatus(componentService(name), servingStatus(check.Status))
	}
}

// serve обслуживает lis до отмены ctx и затем останавливается не дольше timeout.
func (p *probeServer) serve(ctx context.Context, lis net.Listener, timeout time.Duration) error {
	p.publish(healthcheck.Response{Status: healthcheck.StatusHealthy})

	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)
		p.shutdown(timeout)
	})

	p.logger.WithField("addr", lis.Addr().String()).Info("grpc probe server listening")
	err := p.server.Serve(lis)
	if !stop() {
		<-drained
		return nil
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (p *probeServer) shutdown(timeout time.Duration) {
	p.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.server.GracefulStop()
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		p.logger.Warn("grpc graceful stop timed out, closing connections")
		p.server.Stop()
	}
}

// syncStatus публикует результат проверок сразу и затем раз в interval.
func (p *probeServer) syncStatus(ctx context.Context, checks *healthcheck.Handler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.publish(checks.Run(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
