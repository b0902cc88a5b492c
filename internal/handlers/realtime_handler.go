package handlers

import (
	"context"
	"strings"

	chatws "github.com/LuyxT/PitchOS-apple--sub002/internal/websocket"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type realtimeTokenService interface {
	Issue(ctx context.Context, userID string) (*models.RealtimeToken, error)
	Consume(ctx context.Context, token string) (string, error)
}

type RealtimeHandler struct {
	tokens realtimeTokenService
	hub    *chatws.Hub
	logger *zap.Logger
}

func NewRealtimeHandler(tokens realtimeTokenService, hub *chatws.Hub, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{tokens: tokens, hub: hub, logger: logger}
}

func (h *RealtimeHandler) IssueToken(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	token, err := h.tokens.Issue(c.Context(), userID)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(token)
}

// WebSocketAuth redeems the single-use realtime token passed as the token
// query parameter. Access tokens are not accepted here.
func (h *RealtimeHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return errorResponse(c, fiber.StatusUpgradeRequired, CodeInvalidInput, "WebSocket upgrade required")
	}

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Missing token")
	}

	userID, err := h.tokens.Consume(c.Context(), token)
	if err != nil {
		h.logger.Debug("realtime token rejected", zap.Error(err))
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token")
	}

	c.Locals("user_id", userID)
	return c.Next()
}

func (h *RealtimeHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	client := chatws.NewClient(h.hub, conn, userID)

	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}
	h.logger.Info("realtime stream opened", zap.String("user_id", userID))
	go client.WritePump()
	client.ReadPump()
	h.logger.Info("realtime stream closed", zap.String("user_id", userID))
}
