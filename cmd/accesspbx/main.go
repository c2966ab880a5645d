package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/accesspbx/internal/api"
	"github.com/flowpbx/accesspbx/internal/cdr"
	"github.com/flowpbx/accesspbx/internal/config"
	"github.com/flowpbx/accesspbx/internal/database"
	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/metrics"
	sipserver "github.com/flowpbx/accesspbx/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take to drain.
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(cfg.LogWriter()))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("accesspbx exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	started := time.Now()
	slog.Info("starting accesspbx",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"ws_port", cfg.WSPort,
		"data_dir", cfg.DataDir,
	)

	// Optional CDR persistence.
	var store database.CDRRepository
	if cfg.DataDir != "" {
		db, err := database.Open(context.Background(), cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		store = database.NewCDRRepository(db)
	} else {
		slog.Warn("no data directory configured, call records are kept in memory only")
	}
	cdrLog := cdr.NewLog(store, logger)

	// Application context for background goroutines, cancelled on signal.
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := events.NewNotifier(cfg.EventBuffer, logger)
	go notifier.Run(appCtx)

	// Initialize SIP server.
	sipSrv := sipserver.NewServer(cfg, cdrLog, notifier, nil)
	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}
	defer sipSrv.Stop()

	// Metrics registry with process, runtime and PBX collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(sipSrv.Dialogs(), sipSrv.Registrar(), cdrLog, notifier, started),
	)

	// The HTTP API shares the per-source limit settings of the SIP listeners
	// but keeps its own buckets.
	var limiter *sipserver.SourceLimiter
	if cfg.RateLimit > 0 {
		limiter = sipserver.NewSourceLimiter(cfg.RateLimit, cfg.RateBurst, logger.With("component", "api"))
		go limiter.Run(appCtx)
	}

	apiOpts := api.Options{
		Registrations: sipSrv.Registrar(),
		Calls:         sipSrv.Dialogs(),
		CDRs:          cdrLog,
		Events:        notifier,
		Metrics:       registry,
		CORSOrigins:   cfg.CORSOrigins,
		StartTime:     started,
		Logger:        logger,
	}
	if limiter != nil {
		apiOpts.Limiter = limiter
	}
	handler := api.NewServer(apiOpts)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	var runErr error
	select {
	case <-appCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down servers")
	handler.Close()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("accesspbx stopped")
	return runErr
}
