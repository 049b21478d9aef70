package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/klaxonhq/klaxon/pkg/models"
)

// MetaResponse describes the server build and its effective limits so
// clients can configure themselves without guessing.
type MetaResponse struct {
	Version           string `json:"version"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	MaxConnsPerUser   int    `json:"max_connections_per_user"`
	DedupTTL          string `json:"dedup_ttl"`
	SlackConfigured   bool   `json:"slack_configured"`
	Durable           bool   `json:"durable"`
}

func (s *Server) handleGetMeta(c *fiber.Ctx) error {
	return SendSuccess(c, fiber.StatusOK, MetaResponse{
		Version:           s.version,
		HeartbeatInterval: s.config.Hub.HeartbeatInterval.String(),
		MaxConnsPerUser:   s.config.Hub.MaxConnsPerUser,
		DedupTTL:          s.config.Dispatch.DedupTTL.String(),
		SlackConfigured:   s.slack != nil,
		Durable:           s.store.Durable(),
	})
}

func (s *Server) handleSlackTest(c *fiber.Ctx) error {
	if s.slack == nil {
		return SendErrorWithType(c, fiber.StatusServiceUnavailable, "Slack channel is not configured", models.GeneralErrorType)
	}
	if err := s.slack.Ping(c.Context()); err != nil {
		s.log.Warn("slack connectivity test failed", "error", err)
		return SendErrorWithType(c, fiber.StatusBadGateway, err.Error(), models.DeliveryErrorType)
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"connected": true})
}

func (s *Server) handleSlackChannels(c *fiber.Ctx) error {
	if s.slack == nil {
		return SendErrorWithType(c, fiber.StatusServiceUnavailable, "Slack channel is not configured", models.GeneralErrorType)
	}
	names, err := s.slack.ListChannels(c.Context())
	if err != nil {
		s.log.Warn("slack channel listing failed", "error", err)
		return SendErrorWithType(c, fiber.StatusBadGateway, err.Error(), models.DeliveryErrorType)
	}
	return SendSuccess(c, fiber.StatusOK, names)
}
