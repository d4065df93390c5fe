// Package app собирает сервис заявок: хранилище, брокер уведомлений,
// HTTP API, фоновые воркеры, метрики и пробы.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/repairdesk/internal/health"
	"github.com/vladislavdragonenkov/repairdesk/internal/metrics"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/ephemeral"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/outbox"
	"github.com/vladislavdragonenkov/repairdesk/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/repairdesk/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	healthSyncInterval = 5 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return err
	}
	lifecycleCfg, err := cfg.LifecycleConfig()
	if err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	notif, err := initNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer notif.close(logger)

	svc := lifecycle.NewService(deps.store, lifecycleCfg,
		lifecycle.WithLogger(logger.WithField("layer", "lifecycle")),
		lifecycle.WithMetrics(metrics.NewLifecycleMetrics()),
		lifecycle.WithOutbox(deps.outbox),
	)
	api := httpapi.NewHandler(svc,
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithIdempotency(deps.ephemeral, cfg.IdempotencyTTL),
	)

	workersCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := startWorkers(workersCtx, cfg, deps, notif, logger)
	defer shutdownWorkers(stopWorkers, workersDone, logger)

	healthHandler := newHealthHandler(cfg, deps)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	grpcServer, healthServer := newGRPCServer(logger)
	go syncServingStatus(ctx, healthHandler, healthServer, healthSyncInterval)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}
	apiSrv := &http.Server{Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", grpcLis.Addr().String()).Info("grpc health server listening")
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.WithField("addr", httpLis.Addr().String()).Info("http api listening")
		errCh <- apiSrv.Serve(httpLis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping servers")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		if errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startWorkers запускает доставку уведомлений и очистку вспомогательных ключей.
func startWorkers(ctx context.Context, cfg Config, deps *runtimeDependencies, notif *notifier, logger *log.Entry) <-chan struct{} {
	done := make(chan struct{})
	cleanup := ephemeral.NewCleanupWorker(deps.ephemeral,
		ephemeral.WithLogger(logger.WithField("worker", "ephemeral-cleanup")),
		ephemeral.WithInterval(cfg.EphemeralCleanupInterval),
		ephemeral.WithBatchSize(cfg.EphemeralCleanupBatchSize),
	)

	var relay *outbox.Worker
	if notif != nil {
		relay = outbox.NewWorker(deps.outbox, notif.publisher,
			outbox.WithLogger(logger.WithField("worker", "outbox-relay")),
			outbox.WithDeadLetter(notif.deadLetter),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
	} else {
		logger.Info("notifier is disabled, order notifications stay in the outbox")
	}

	go func() {
		defer close(done)
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			cleanup.Run(ctx)
		}()
		if relay != nil {
			relay.Run(ctx)
		}
		<-workerDone
	}()
	return done
}

func shutdownWorkers(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("background workers did not stop in time")
	}
}

func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}

// syncServingStatus переносит итог проверок health в статус grpc.health.v1.
func syncServingStatus(ctx context.Context, checks *healthcheck.Handler, server *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, _ := checks.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		server.SetServingStatus("", servingStatus(status))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func servingStatus(status healthcheck.Status) healthpb.HealthCheckResponse_ServingStatus {
	if status == healthcheck.StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("grpc graceful stop timed out, forcing stop")
		server.Stop()
	}
}

// newHealthHandler регистрирует проверку хранилища и backlog уведомлений.
func newHealthHandler(cfg Config, deps *runtimeDependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		handler.RegisterChecker("storage", deps.storageChecker)
	}
	handler.RegisterChecker("outbox", healthcheck.NewBacklogChecker(deps.outbox, cfg.OutboxMaxPending))
	return handler
}

// startMetricsServer поднимает /metrics и пробы здоровья.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("metrics and health probes listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP останавливает HTTP-сервер с таймаутом.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
