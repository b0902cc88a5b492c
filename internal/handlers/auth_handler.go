package handlers

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/repository"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type userDirectory interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// AuthHandler seeds the user directory and mints access tokens. It is only
// mounted in development; production identities come from the account
// service that shares JWT_SECRET.
type AuthHandler struct {
	users     userDirectory
	jwtSecret string
	logger    *zap.Logger
}

func NewAuthHandler(users userDirectory, jwtSecret string, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{users: users, jwtSecret: jwtSecret, logger: logger}
}

type devTokenRequest struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	PlayerID    *string `json:"player_id"`
}

func (h *AuthHandler) DevToken(c *fiber.Ctx) error {
	var req devTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidInput(c, "Invalid request body")
	}

	user, err := h.existingUser(c.Context(), strings.TrimSpace(req.ID))
	if err != nil {
		return mapChatError(c, h.logger, err)
	}
	if user == nil {
		parsedEmail, err := mail.ParseAddress(strings.TrimSpace(req.Email))
		if err != nil {
			return invalidInput(c, "Invalid email format")
		}
		displayName := strings.TrimSpace(req.DisplayName)
		if displayName == "" {
			return invalidInput(c, "display_name is required")
		}
		role := strings.ToLower(strings.TrimSpace(req.Role))
		if role == "" {
			role = "player"
		}

		user = &models.User{
			ID:          strings.TrimSpace(req.ID),
			Email:       strings.ToLower(parsedEmail.Address),
			DisplayName: displayName,
			Role:        role,
			PlayerID:    req.PlayerID,
		}
		if user.ID == "" {
			user.ID = uuid.NewString()
		}
		if err := h.users.CreateUser(c.Context(), user); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return errorResponse(c, fiber.StatusConflict, CodeConflict, "User already exists")
			}
			return mapChatError(c, h.logger, err)
		}
		h.logger.Info("directory user created", zap.String("user_id", user.ID), zap.String("role", user.Role))
	}

	token, err := utils.GenerateToken(user.ID, user.Role, h.jwtSecret)
	if err != nil {
		return mapChatError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{
		"token": token,
		"user":  user,
	})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID, ok := actorID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid token")
	}

	user, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorResponse(c, fiber.StatusNotFound, CodeNotFound, "User not found")
		}
		return mapChatError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"user": user})
}

func (h *AuthHandler) existingUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, nil
	}
	user, err := h.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return user, err
}
