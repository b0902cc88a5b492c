package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimiter keys on the authenticated user, falling back to the client IP.
func RateLimiter(max int, expiration time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
				return userID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later",
				"code":  "rate_limited",
			})
		},
	})
}

// SendRateLimiter guards message sends.
func SendRateLimiter() fiber.Handler {
	return RateLimiter(60, time.Minute)
}

// TokenRateLimiter guards realtime token issuance.
func TokenRateLimiter() fiber.Handler {
	return RateLimiter(20, time.Minute)
}
