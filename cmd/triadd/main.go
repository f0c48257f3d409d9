package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/triadhq/triad/internal/admin"
	"github.com/triadhq/triad/internal/config"
	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/orchestrator"
	"github.com/triadhq/triad/internal/trace"
)

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting triad supervisor",
		"state_dir", cfg.StateDir,
		"components", len(cfg.Components),
		"health_port", cfg.Server.HealthPort,
		"stream_enabled", cfg.EventLog.StreamEnabled,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := trace.Init(context.Background(), "triad", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	orch, err := orchestrator.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := orch.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("all components started")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, orch, logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("supervisor exited with error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("triad supervisor shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, orch *orchestrator.Orchestrator, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := orch.UnifiedHealth()
		w.Header().Set("Content-Type", "application/json")
		if snap.Overall >= health.Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write ready response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	adminSrv := admin.NewServer(orch, logger,
		admin.WithEpochProvider(orch.Epoch()),
		admin.WithEventReplayer(orch.Events()),
		admin.WithBreakerResetter(orch.Breakers()),
		admin.WithComponentLister(orch.Bus()),
		admin.WithResourceInspector(orch.Resources()),
	)
	limiter := admin.NewRateLimitMiddleware(logger)
	defer limiter.Stop()
	mux.Handle("/admin/", limiter.Wrap(admin.AuditMiddleware(logger, orch.Events(), adminSrv.Handler())))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
