package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelx/sentinelx/internal/api"
	"github.com/sentinelx/sentinelx/internal/classify"
	"github.com/sentinelx/sentinelx/internal/config"
	"github.com/sentinelx/sentinelx/internal/contacts"
	"github.com/sentinelx/sentinelx/internal/engine"
	"github.com/sentinelx/sentinelx/internal/metrics"
	"github.com/sentinelx/sentinelx/internal/telephony/sipua"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting sentineld",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	// Open the trusted contacts store and run migrations.
	store, err := contacts.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open contacts store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Risk gateway client for caller classification. Without a URL every
	// lookup errors out and the engine fails closed to suspicious.
	riskClient := classify.NewClient(cfg.RiskGWURL, cfg.RiskGWKey)
	if !riskClient.Configured() {
		slog.Warn("no riskgw-url configured, unknown callers will be flagged as suspicious")
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// SIP adapter behind the telephony port.
	adapter, err := sipua.New(sipua.Options{
		ListenAddr:   fmt.Sprintf("0.0.0.0:%d", cfg.SIPPort),
		Transport:    cfg.SIPTransport,
		Identity:     cfg.SIPIdentity,
		LocalHost:    cfg.SIPHost(),
		UpstreamHost: cfg.UpstreamHost,
		UpstreamPort: cfg.UpstreamPort,
		Username:     cfg.SIPUsername,
		AuthUsername: cfg.SIPAuthUser,
		Password:     cfg.SIPPassword,
		MediaIP:      cfg.MediaIP(),
		MediaPort:    cfg.MediaPort,
	}, logger)
	if err != nil {
		slog.Error("failed to create sip adapter", "error", err)
		os.Exit(1)
	}
	if err := adapter.Start(appCtx); err != nil {
		slog.Error("failed to start sip adapter", "error", err)
		os.Exit(1)
	}

	// Screening engine consuming the telephony lifecycle stream.
	eng := engine.New(adapter, riskClient, store, logger, engine.Options{})
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(appCtx)
	}()

	// Operator API.
	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}
	if cfg.OperatorKey == "" {
		slog.Warn("no operator-key configured, operator login is disabled")
	}
	apiServer := api.NewServer(eng, adapter, store, riskClient, cfg.OperatorKey, jwtSecret)

	// Prometheus metrics on a dedicated registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(eng, eng, eng, eng.StartedAt()))

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Mount("/", apiServer)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	appCancel()
	adapter.Stop()

	select {
	case <-engineDone:
	case <-ctx.Done():
		slog.Warn("engine did not drain before shutdown deadline")
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("sentineld stopped")
}
