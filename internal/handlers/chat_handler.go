package handlers

import (
	"context"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/services"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type chatApplicationService interface {
	ListChats(ctx context.Context, actorID string, input services.ListChatsInput) (*models.ChatPage, error)
	CreateDirectChat(ctx context.Context, actorID, participantID string) (*models.Chat, error)
	CreateGroupChat(ctx context.Context, actorID string, input services.CreateGroupChatInput) (*models.Chat, error)
	UpdateChat(ctx context.Context, actorID, chatID string, input services.UpdateChatInput) (*models.Chat, error)
	ArchiveChat(ctx context.Context, actorID, chatID string) (*models.Chat, error)
	UnarchiveChat(ctx context.Context, actorID, chatID string) (*models.Chat, error)
	SetParticipantWrite(ctx context.Context, actorID, chatID, userID string, canWrite bool) (*models.Chat, error)
	UpdatePreferences(ctx context.Context, actorID, chatID string, input services.PreferencesInput) (*models.Chat, error)
	ListMessages(ctx context.Context, actorID, chatID, cursor string, limit int) (*models.MessagePage, error)
	SendMessage(ctx context.Context, actorID, chatID string, draft models.MessageDraft) (*models.Message, error)
	DeleteMessage(ctx context.Context, actorID, chatID, messageID string) error
	MarkRead(ctx context.Context, actorID, chatID string, lastReadMessageID *string) (*models.Message, error)
	ListReadReceipts(ctx context.Context, actorID, chatID, messageID string) ([]models.ReadReceipt, error)
	Search(ctx context.Context, actorID string, input services.SearchInput) (*models.MessagePage, error)
}

type ChatHandler struct {
	service chatApplicationService
	logger  *zap.Logger
}

type createDirectChatRequest struct {
	ParticipantID string `json:"participant_id"`
}

type createGroupChatRequest struct {
	Title          string             `json:"title"`
	ParticipantIDs []string           `json:"participant_ids"`
	WritePolicy    models.WritePolicy `json:"write_policy"`
	TemporaryUntil *time.Time         `json:"temporary_until"`
	WriterIDs      []string           `json:"writer_ids"`
}

type updateChatRequest struct {
	Title                *string             `json:"title"`
	WritePolicy          *models.WritePolicy `json:"write_policy"`
	TemporaryUntil       *time.Time          `json:"temporary_until"`
	ClearTemporaryUntil  bool                `json:"clear_temporary_until"`
	AddParticipantIDs    []string            `json:"add_participant_ids"`
	RemoveParticipantIDs []string            `json:"remove_participant_ids"`
}

type preferencesRequest struct {
	Pinned    *bool      `json:"pinned"`
	MuteUntil *time.Time `json:"mute_until"`
	ClearMute bool       `json:"clear_mute"`
}

type participantWriteRequest struct {
	CanWrite *bool `json:"can_write"`
}

type markReadRequest struct {
	LastReadMessageID *string `json:"last_read_message_id"`
}

func NewChatHandler(service chatApplicationService, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{service: service, logger: logger}
}

func (h *ChatHandler) ListChats(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	page := parsePageQuery(c)
	result, err := h.service.ListChats(c.Context(), userID, services.ListChatsInput{
		Cursor:          page.Cursor,
		Limit:           page.Limit,
		IncludeArchived: page.IncludeArchived,
		Query:           page.Query,
	})
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(result)
}

func (h *ChatHandler) CreateDirectChat(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req createDirectChatRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, "Invalid request body")
	}

	chat, err := h.service.CreateDirectChat(c.Context(), userID, req.ParticipantID)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

func (h *ChatHandler) CreateGroupChat(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req createGroupChatRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, "Invalid request body")
	}
	if req.WritePolicy == "" {
		req.WritePolicy = models.WritePolicyAllMembers
	}

	chat, err := h.service.CreateGroupChat(c.Context(), userID, services.CreateGroupChatInput{
		Title:          req.Title,
		ParticipantIDs: req.ParticipantIDs,
		WritePolicy:    req.WritePolicy,
		TemporaryUntil: req.TemporaryUntil,
		WriterIDs:      req.WriterIDs,
	})
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"chat": chat})
}

func (h *ChatHandler) UpdateChat(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req updateChatRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, "Invalid request body")
	}

	chat, err := h.service.UpdateChat(c.Context(), userID, pathParam(c, "id"), services.UpdateChatInput{
		Title:                req.Title,
		WritePolicy:          req.WritePolicy,
		TemporaryUntil:       req.TemporaryUntil,
		ClearTemporary:       req.ClearTemporaryUntil,
		AddParticipantIDs:    req.AddParticipantIDs,
		RemoveParticipantIDs: req.RemoveParticipantIDs,
	})
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

func (h *ChatHandler) ArchiveChat(c *fiber.Ctx) error {
	return h.archive(c, true)
}

func (h *ChatHandler) UnarchiveChat(c *fiber.Ctx) error {
	return h.archive(c, false)
}

func (h *ChatHandler) archive(c *fiber.Ctx, archived bool) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var chat *models.Chat
	var err error
	if archived {
		chat, err = h.service.ArchiveChat(c.Context(), userID, pathParam(c, "id"))
	} else {
		chat, err = h.service.UnarchiveChat(c.Context(), userID, pathParam(c, "id"))
	}
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

func (h *ChatHandler) SetParticipantWrite(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req participantWriteRequest
	if err := c.BodyParser(&req); err != nil || req.CanWrite == nil {
		return invalidInput(c, "can_write is required")
	}

	chat, err := h.service.SetParticipantWrite(c.Context(), userID, pathParam(c, "id"), pathParam(c, "userId"), *req.CanWrite)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

func (h *ChatHandler) UpdatePreferences(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req preferencesRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, "Invalid request body")
	}

	chat, err := h.service.UpdatePreferences(c.Context(), userID, pathParam(c, "id"), services.PreferencesInput{
		Pinned:    req.Pinned,
		MuteUntil: req.MuteUntil,
		ClearMute: req.ClearMute,
	})
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

func (h *ChatHandler) ListMessages(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	page := parsePageQuery(c)
	result, err := h.service.ListMessages(c.Context(), userID, pathParam(c, "id"), page.Cursor, page.Limit)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(result)
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var draft models.MessageDraft
	if err := c.BodyParser(&draft); err != nil {
		return invalidInput(c, "Invalid message: "+err.Error())
	}

	message, err := h.service.SendMessage(c.Context(), userID, pathParam(c, "id"), draft)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) DeleteMessage(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	if err := h.service.DeleteMessage(c.Context(), userID, pathParam(c, "id"), pathParam(c, "messageId")); err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	var req markReadRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidInput(c, "Invalid request body")
		}
	}

	message, err := h.service.MarkRead(c.Context(), userID, pathParam(c, "id"), req.LastReadMessageID)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) ListReadReceipts(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	receipts, err := h.service.ListReadReceipts(c.Context(), userID, pathParam(c, "id"), pathParam(c, "messageId"))
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"read_receipts": receipts})
}

func (h *ChatHandler) Search(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	page := parsePageQuery(c)
	result, err := h.service.Search(c.Context(), userID, services.SearchInput{
		Query:           page.Query,
		Cursor:          page.Cursor,
		Limit:           page.Limit,
		IncludeArchived: page.IncludeArchived,
	})
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(result)
}
