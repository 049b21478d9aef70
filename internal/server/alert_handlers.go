package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/klaxonhq/klaxon/pkg/models"
)

func (s *Server) handleDispatchAlert(c *fiber.Ctx) error {
	var req models.CreateAlertRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}

	alert, err := models.NewAlert(&req)
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	}

	result, err := s.dispatcher.Dispatch(c.Context(), alert)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrValidation):
			return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
		case errors.Is(err, models.ErrDeliveryFailed):
			s.log.Error("alert delivery failed on all channels", "alert_id", alert.ID, "error", err)
			return SendErrorWithType(c, fiber.StatusBadGateway, "Alert could not be delivered", models.DeliveryErrorType)
		case errors.Is(err, models.ErrPersistence):
			s.log.Error("alert persistence failed", "alert_id", alert.ID, "error", err)
			return SendErrorWithType(c, fiber.StatusServiceUnavailable, "Alert could not be recorded", models.GeneralErrorType)
		default:
			s.log.Error("dispatch failed", "alert_id", alert.ID, "error", err)
			return SendErrorWithType(c, fiber.StatusInternalServerError, "Failed to dispatch alert", models.GeneralErrorType)
		}
	}
	return SendSuccess(c, fiber.StatusOK, result)
}

func (s *Server) handleRecentAlerts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	alerts, err := s.store.ListRecent(c.Context(), limit)
	if err != nil {
		s.log.Error("failed to list recent alerts", "error", err)
		return SendErrorWithType(c, fiber.StatusInternalServerError, "Failed to list alerts", models.GeneralErrorType)
	}
	return SendSuccess(c, fiber.StatusOK, alerts)
}

func (s *Server) handleAlertStats(c *fiber.Ctx) error {
	counts, err := s.store.CountByStatus(c.Context())
	if err != nil {
		s.log.Error("failed to aggregate dispatch stats", "error", err)
		return SendErrorWithType(c, fiber.StatusInternalServerError, "Failed to load stats", models.GeneralErrorType)
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{
		"dispatch_counts": counts,
		"connections":     s.hub.ConnectionCount(),
		"subscriptions":   s.hub.SubscriptionCount(),
	})
}
