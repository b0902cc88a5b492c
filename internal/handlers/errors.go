package handlers

import (
	"errors"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeWriteDenied        = "write_denied"
	CodeNotFound           = "not_found"
	CodeInvalidInput       = "invalid_input"
	CodeStorageUnavailable = "storage_unavailable"
	CodeConflict           = "conflict"
	CodeInternal           = "internal"
)

func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message, "code": code})
}

func invalidInput(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusBadRequest, CodeInvalidInput, message)
}

// mapChatError turns a service error into the public error taxonomy.
func mapChatError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
	case errors.Is(err, services.ErrWriteDenied):
		return errorResponse(c, fiber.StatusForbidden, CodeWriteDenied, "Write access denied")
	case errors.Is(err, services.ErrForbidden):
		return errorResponse(c, fiber.StatusForbidden, CodeForbidden, "Forbidden")
	case errors.Is(err, services.ErrNotFound):
		return errorResponse(c, fiber.StatusNotFound, CodeNotFound, "Not found")
	case errors.Is(err, services.ErrInvalidInput):
		return invalidInput(c, err.Error())
	case errors.Is(err, services.ErrStorageUnavailable):
		return errorResponse(c, fiber.StatusServiceUnavailable, CodeStorageUnavailable, "Storage service is not available")
	default:
		logger.Error("chat request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return errorResponse(c, fiber.StatusInternalServerError, CodeInternal, "Failed to process chat request")
	}
}
