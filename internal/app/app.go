// Package app wires all Klaxon components together and owns their
// lifecycle: construction order, startup, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klaxonhq/klaxon/internal/channel"
	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/internal/dispatch"
	"github.com/klaxonhq/klaxon/internal/hub"
	"github.com/klaxonhq/klaxon/internal/ratelimit"
	"github.com/klaxonhq/klaxon/internal/server"
	"github.com/klaxonhq/klaxon/internal/store"
	"github.com/klaxonhq/klaxon/pkg/logger"
)

// App holds every long-lived component and its configuration.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      *store.Store
	Limiter    *ratelimit.Limiter
	Janitor    *ratelimit.Janitor
	Hub        *hub.Hub
	Slack      *channel.Client // nil when no token is configured
	Dispatcher *dispatch.Service

	server  *server.Server
	Version string
}

// Options contains configuration needed when creating a new App instance.
type Options struct {
	ConfigPath string
	Version    string
}

// New loads configuration and builds the logger. Component construction
// happens in Initialize so callers can separate config errors from
// runtime errors.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger.New(cfg.Logging.Level == "debug"),
		Version: opts.Version,
	}, nil
}

// Initialize sets up the store, rate limiter, hub, channel clients,
// dispatcher, and HTTP server.
func (a *App) Initialize(ctx context.Context) error {
	var err error

	// Persistence first. A broken database degrades the service rather
	// than preventing startup: alerts still flow, audit history is lost.
	a.Store, err = store.New(store.Options{
		Config: a.Config.SQLite,
		Logger: a.Logger,
	})
	if err != nil {
		a.Logger.Error("failed to open alert store, continuing without durability",
			"path", a.Config.SQLite.Path, "error", err)
		a.Store = store.NewMemory(a.Logger)
	}

	// One limiter instance serves both the hub's per-connection message
	// caps and the REST per-IP throttle; key prefixes keep them apart.
	a.Limiter = ratelimit.New()

	dedup := store.NewDedupCache(a.Config.Dispatch.DedupTTL)

	a.Janitor, err = ratelimit.NewJanitor(a.Config.RateLimit.CleanupSchedule, a.Logger, a.Limiter, dedup)
	if err != nil {
		return fmt.Errorf("failed to initialize janitor: %w", err)
	}

	a.Hub = hub.New(hub.Options{
		Config:  a.Config.Hub,
		Limiter: a.Limiter,
		Logger:  a.Logger,
	})

	// Slack is optional; without a token the channel stays nil and
	// dispatch reports slack sends as failed.
	a.Slack, err = channel.New(a.Config.Slack, a.Logger)
	if err != nil {
		if !errors.Is(err, channel.ErrNotConfigured) {
			return fmt.Errorf("failed to initialize slack client: %w", err)
		}
		a.Logger.Warn("slack token not configured, slack channel disabled")
	}

	dispatchOpts := dispatch.Options{
		Config: a.Config.Dispatch,
		Hub:    a.Hub,
		Store:  a.Store,
		Dedup:  dedup,
		Logger: a.Logger,
	}
	if a.Slack != nil {
		dispatchOpts.Channel = a.Slack
	}
	a.Dispatcher = dispatch.New(dispatchOpts)

	a.server = server.New(server.Options{
		Config:     a.Config,
		Hub:        a.Hub,
		Dispatcher: a.Dispatcher,
		Store:      a.Store,
		Slack:      a.Slack,
		Limiter:    a.Limiter,
		Logger:     a.Logger,
		Version:    a.Version,
	})

	a.Hub.Start(ctx)
	a.Janitor.Start()

	return nil
}

// Start begins serving HTTP. It blocks until Shutdown is called.
func (a *App) Start() error {
	if a.server == nil {
		return fmt.Errorf("server not initialized")
	}
	a.Logger.Info("starting klaxon",
		"version", a.Version,
		"durable", a.Store.Durable(),
		"slack", a.Slack != nil)
	return a.server.Start()
}

// Shutdown gracefully stops all components: HTTP first so no new alerts
// arrive, then the hub (which closes every client socket), then the
// background jobs and the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if a.server != nil {
		serverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		done := make(chan error, 1)
		go func() {
			done <- a.server.Shutdown(serverCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.Logger.Error("error shutting down http server", "error", err)
			}
		case <-serverCtx.Done():
			a.Logger.Warn("timeout shutting down http server, continuing")
		}
		cancel()
	}

	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Janitor != nil {
		a.Janitor.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("error closing store", "error", err)
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}
