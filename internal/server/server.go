// Package server exposes the HTTP surface: the dispatch REST API, the
// WebSocket endpoint, audit reads, and operational endpoints. Routing and
// request parsing live here; authentication is an external collaborator
// and the user identity arrives pre-resolved.
package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/klaxonhq/klaxon/internal/channel"
	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/internal/dispatch"
	"github.com/klaxonhq/klaxon/internal/hub"
	appmetrics "github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/ratelimit"
	"github.com/klaxonhq/klaxon/internal/store"
)

// Options contains everything the server needs to run.
type Options struct {
	Config     *config.Config
	Hub        *hub.Hub
	Dispatcher *dispatch.Service
	Store      *store.Store
	Slack      *channel.Client // nil when not configured
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
	Version    string
}

// Server wraps the fiber application and its dependencies.
type Server struct {
	app        *fiber.App
	config     *config.Config
	hub        *hub.Hub
	dispatcher *dispatch.Service
	store      *store.Store
	slack      *channel.Client
	limiter    *ratelimit.Limiter
	log        *slog.Logger
	version    string
}

// New builds the fiber app and registers all routes.
func New(opts Options) *Server {
	s := &Server{
		config:     opts.Config,
		hub:        opts.Hub,
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		slack:      opts.Slack,
		limiter:    opts.Limiter,
		log:        opts.Logger.With("component", "server"),
		version:    opts.Version,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "klaxon",
		ReadTimeout:           opts.Config.Server.ReadTimeout,
		DisableStartupMessage: true,
	})
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	api := s.app.Group("/api/v1")
	api.Get("/meta", s.handleGetMeta)

	alerts := api.Group("/alerts", s.rateLimitMiddleware)
	alerts.Post("/dispatch", s.handleDispatchAlert)
	alerts.Get("/recent", s.handleRecentAlerts)
	alerts.Get("/stats", s.handleAlertStats)

	channels := api.Group("/channels")
	channels.Get("/slack/test", s.handleSlackTest)
	channels.Get("/slack/channels", s.handleSlackChannels)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		// Identity is resolved upstream; we only require it to be present.
		userID := c.Query("user_id")
		if userID == "" {
			userID = c.Get("X-User-ID")
		}
		c.Locals("user_id", userID)
		return c.Next()
	})
	api.Get("/ws", websocket.New(s.handleWebSocket))
}

// Start begins listening. It blocks until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.log.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return SendSuccess(c, fiber.StatusOK, fiber.Map{
		"status":  "ok",
		"durable": s.store.Durable(),
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var buf bytes.Buffer
	appmetrics.WritePrometheus(&buf)
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.Send(buf.Bytes())
}
