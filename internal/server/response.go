package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/klaxonhq/klaxon/pkg/models"
)

// SendSuccess writes the uniform success envelope.
func SendSuccess(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(models.APIResponse{
		Status: "success",
		Data:   data,
	})
}

// SendErrorWithType writes the uniform error envelope with a typed error
// category for clients.
func SendErrorWithType(c *fiber.Ctx, status int, message string, errorType models.APIErrorType) error {
	return c.Status(status).JSON(models.APIResponse{
		Status:    "error",
		Message:   message,
		ErrorType: errorType,
	})
}
