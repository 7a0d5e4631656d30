package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outreachd/outreachd/internal/api"
	"github.com/outreachd/outreachd/internal/config"
	"github.com/outreachd/outreachd/internal/dedupe"
	"github.com/outreachd/outreachd/internal/dispatch"
	"github.com/outreachd/outreachd/internal/events"
	"github.com/outreachd/outreachd/internal/metrics"
	"github.com/outreachd/outreachd/internal/provider"
	"github.com/outreachd/outreachd/internal/quota"
	"github.com/outreachd/outreachd/internal/runner"
	"github.com/outreachd/outreachd/internal/sequence"
	"github.com/outreachd/outreachd/internal/store"
	"github.com/outreachd/outreachd/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.Store
	cleaner       *store.Cleaner
	dispatcher    *dispatch.Dispatcher
	poller        *events.Poller
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
	version       string
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cleaner := store.NewCleaner(st, store.CleanerConfig{
		TerminalMaxAge: cfg.Storage.Retention.TerminalMaxAge,
		Interval:       cfg.Storage.Retention.CleanupInterval,
	}, logger.With("component", "cleaner"))

	client := provider.NewHTTPClient(provider.HTTPClientConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        cfg.Provider.Timeout,
		RequestsPerSec: cfg.Provider.RequestsPerSec,
	})

	tracker := quota.New(st, cfg.Quota)
	resolver := dedupe.NewResolver(&dispatch.StoreIndex{Store: st})
	sequencer := sequence.New(st, cfg.Sequence.Jitter, logger.With("component", "sequence"))
	engine := template.NewEngine()

	var transport dispatch.Transport
	if cfg.Runner.Enabled {
		transport = runner.New(runner.Config{
			WebhookURL: cfg.Runner.WebhookURL,
			AuthToken:  cfg.Runner.AuthToken,
			Timeout:    cfg.Runner.Timeout,
		}, logger.With("component", "runner"))
		logger.Info("workflow runner delegation enabled", "webhook_url", cfg.Runner.WebhookURL)
	}

	dispatcher := dispatch.New(st, tracker, resolver, sequencer, engine, client, transport, dispatch.Config{
		Workers:            cfg.Dispatch.Workers,
		TickInterval:       cfg.Dispatch.TickInterval,
		BatchSize:          cfg.Dispatch.BatchSize,
		RetryInterval:      cfg.Dispatch.RetryInterval,
		MaxAttempts:        cfg.Dispatch.MaxAttempts,
		AccountConcurrency: cfg.Dispatch.AccountConcurrency,
		StuckGrace:         cfg.Dispatch.StuckGrace,
		ReapInterval:       cfg.Dispatch.ReapInterval,
	}, logger.With("component", "dispatch"))

	poller := events.NewPoller(st, client, sequencer, events.PollerConfig{
		Schedule:         cfg.Events.PollSchedule,
		DeclineGrace:     cfg.Events.DeclineGrace,
		MaxInvitationAge: cfg.Events.MaxInvitationAge,
	}, logger.With("component", "events"))

	apiServer := api.NewServer(st, dispatcher, sequencer, engine, &cfg.API, cfg.Schedule, version, logger.With("component", "api"))

	app := &App{
		config:     cfg,
		store:      st,
		cleaner:    cleaner,
		dispatcher: dispatcher,
		poller:     poller,
		apiServer:  apiServer,
		logger:     logger,
		version:    version,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		app.collector = metrics.NewCollector(m, st, cfg.Storage.Path, 10*time.Second)
		app.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	return app, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreachd",
		"version", a.version,
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.dispatcher.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if err := a.poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start acceptance poller: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop producing new work before closing the surfaces that report it
	a.poller.Stop()
	a.dispatcher.Stop()
	a.cleaner.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
