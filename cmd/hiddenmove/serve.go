// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/holomush/hiddenmove/internal/api"
	"github.com/holomush/hiddenmove/internal/config"
	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/internal/logging"
	"github.com/holomush/hiddenmove/internal/observability"
	"github.com/holomush/hiddenmove/internal/store"
)

// healthService is the gRPC health service name reported alongside the
// overall "" status.
const healthService = "hiddenmove.Ledger"

// healthInterval is how often store readiness is mirrored into the gRPC
// health service.
const healthInterval = 10 * time.Second

// shutdownTimeout bounds graceful shutdown of every server.
const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return newServeCmd(nil)
}

func newServeCmd(deps *ServeDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger HTTP API",
		Long: `Serve the ledger over HTTP with a websocket watch stream, plus the
metrics/health HTTP endpoints and a gRPC health service. The postgres store
is migrated to the latest schema before serving.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, deps)
		},
	}
}

// openStore opens the store selected by cfg. The postgres store is migrated
// first.
func openStore(ctx context.Context, cfg config.Config, newMigrator func(string) (Migrator, error)) (*StoreHandle, error) {
	if cfg.Store == config.StoreMemory {
		return &StoreHandle{Store: ledger.NewMemoryStore()}, nil
	}

	m, err := newMigrator(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	upErr := m.Up()
	if closeErr := m.Close(); closeErr != nil {
		slog.Warn("failed to close migrator", "error", closeErr)
	}
	if upErr != nil {
		return nil, upErr
	}

	pg, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &StoreHandle{Store: pg, Ready: pg.Ping, Close: pg.Close}, nil
}

// runServeWithDeps serves until ctx is cancelled, SIGINT/SIGTERM arrives or
// a server fails. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()
	logger := logging.SetDefault(serviceName, version, cfg.LogFormat)

	logger.Info("starting ledger",
		"store", cfg.Store,
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"health_addr", cfg.HealthAddr,
	)

	handle, err := deps.StoreFactory(ctx, cfg)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("store", cfg.Store).Wrap(err)
	}
	if handle.Close != nil {
		defer handle.Close()
	}

	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	l := ledger.New(handle.Store, ledger.WithLogger(logger))
	var addrs ServeAddrs

	var obsServer ObservabilityServer
	apiOpts := []api.Option{api.WithLogger(logger)}
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, handle.Ready, ledger.RegisterMetrics, store.RegisterMetrics)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVER_START_FAILED").With("server", "observability").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		apiOpts = append(apiOpts, api.WithMetrics(obsServer.Metrics()))
		addrs.Metrics = obsServer.Addr()
	}

	apiServer := api.New(l, apiOpts...)
	httpListener, err := deps.ListenerFactory("tcp", cfg.HTTPAddr)
	if err != nil {
		stopObservability(obsServer)
		return oops.Code("SERVER_START_FAILED").With("server", "http").With("addr", cfg.HTTPAddr).Wrap(err)
	}
	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErrCh := serveHTTP(httpServer, httpListener)
	go monitorServerErrors(ctx, cancel, httpErrCh, "http")
	addrs.HTTP = httpListener.Addr().String()

	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.HealthAddr != "" {
		healthListener, err := deps.ListenerFactory("tcp", cfg.HealthAddr)
		if err != nil {
			shutdownHTTP(httpServer, apiServer)
			stopObservability(obsServer)
			return oops.Code("SERVER_START_FAILED").With("server", "grpc-health").With("addr", cfg.HealthAddr).Wrap(err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

		grpcErrCh := make(chan error, 1)
		go func() {
			defer close(grpcErrCh)
			if serveErr := grpcServer.Serve(healthListener); serveErr != nil {
				grpcErrCh <- serveErr
			}
		}()
		go monitorServerErrors(ctx, cancel, grpcErrCh, "grpc-health")
		if handle.Ready != nil {
			go watchReadiness(ctx, healthServer, handle.Ready, healthInterval)
		}
		addrs.Health = healthListener.Addr().String()
	}

	cmd.Println("hiddenmove serving on " + addrs.HTTP)
	logger.Info("ledger ready",
		"http_addr", addrs.HTTP,
		"metrics_addr", addrs.Metrics,
		"health_addr", addrs.Health,
	)
	deps.OnReady(addrs)

	<-ctx.Done()
	logger.Info("shutting down...")

	if healthServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}
	shutdownHTTP(httpServer, apiServer)
	stopObservability(obsServer)

	if err := serverFailure(ctx); err != nil {
		logger.Error("shutdown complete after server failure", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// serverFailure returns the error that ended serving, or nil when serving
// ended by signal or parent cancellation.
func serverFailure(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

func serveHTTP(srv *http.Server, listener net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// shutdownHTTP stops accepting requests, then ends watch streams, which
// Shutdown does not track.
func shutdownHTTP(srv *http.Server, apiServer *api.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("error stopping http server", "error", err)
	}
	apiServer.Close()
}

func stopObservability(srv ObservabilityServer) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// watchReadiness mirrors ready into the health service until ctx ends.
func watchReadiness(ctx context.Context, hs *health.Server, ready observability.ReadinessChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, interval/2)
		err := ready(checkCtx)
		cancel()

		next := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next == current {
			continue
		}
		current = next
		slog.Info("health status changed", "status", next.String(), "error", err)
		hs.SetServingStatus("", next)
		hs.SetServingStatus(healthService, next)
	}
}

// monitorServerErrors cancels ctx with the server's error as the cause.
// Only the first cause is kept.
func monitorServerErrors(ctx context.Context, cancel context.CancelCauseFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server error, initiating shutdown", "server", name, "error", err)
			cancel(oops.Code("SERVER_FAILED").With("server", name).Wrap(err))
		}
	case <-ctx.Done():
	}
}

var _ ObservabilityServer = (*observability.Server)(nil)
