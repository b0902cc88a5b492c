package handlers

import (
	"context"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/services"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type mediaApplicationService interface {
	Register(ctx context.Context, actorID string, input services.RegisterMediaInput) (*models.MediaRegistration, error)
	Complete(ctx context.Context, actorID, mediaID, fileURL string) (*models.MediaUpload, error)
	Download(ctx context.Context, actorID, mediaID string) (*services.MediaDownload, error)
}

type MediaHandler struct {
	service mediaApplicationService
	logger  *zap.Logger
}

type registerMediaRequest struct {
	ChatID   *string               `json:"chat_id"`
	Kind     models.AttachmentKind `json:"kind"`
	Filename string                `json:"filename"`
	MimeType string                `json:"mime_type"`
	Size     int64                 `json:"size"`
}

type completeMediaRequest struct {
	URL string `json:"url"`
}

func NewMediaHandler(service mediaApplicationService, logger *zap.Logger) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{service: service, logger: logger}
}

func (h *MediaHandler) Register(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req registerMediaRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, "Invalid request body")
	}

	registration, err := h.service.Register(c.Context(), userID, services.RegisterMediaInput{
		ChatID:   req.ChatID,
		Kind:     req.Kind,
		Filename: req.Filename,
		MimeType: req.MimeType,
		Size:     req.Size,
	})
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(registration)
}

func (h *MediaHandler) Complete(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req completeMediaRequest
	if err := c.BodyParser(&req); err != nil || req.URL == "" {
		return invalidInput(c, "url is required")
	}

	media, err := h.service.Complete(c.Context(), userID, pathParam(c, "id"), req.URL)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"media": media})
}

func (h *MediaHandler) Download(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	download, err := h.service.Download(c.Context(), userID, pathParam(c, "id"))
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(download)
}
