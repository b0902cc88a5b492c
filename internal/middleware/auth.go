package middleware

import (
	"strings"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// AuthRequired accepts bearer access tokens. Realtime stream tokens are
// rejected because they only open the websocket.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Missing authorization header")
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthorized(c, "Invalid authorization header format")
		}

		claims, err := utils.ValidateToken(parts[1], secret)
		if err != nil {
			return unauthorized(c, "Invalid or expired token")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": message,
		"code":  "unauthorized",
	})
}
