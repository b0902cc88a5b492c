package handlers

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

type pageQuery struct {
	Cursor          string
	Limit           int
	IncludeArchived bool
	Query           string
}

func parsePageQuery(c *fiber.Ctx) pageQuery {
	return pageQuery{
		Cursor:          strings.TrimSpace(c.Query("cursor")),
		Limit:           parsePositiveInt(c.Query("limit"), 0),
		IncludeArchived: parseBool(c.Query("include_archived")),
		Query:           strings.TrimSpace(c.Query("q")),
	}
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// pathParam returns a route parameter with percent-escapes decoded, so ids
// containing reserved characters round-trip from the client.
func pathParam(c *fiber.Ctx, key string) string {
	raw := c.Params(key)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func actorID(c *fiber.Ctx) (string, bool) {
	userID, ok := c.Locals("user_id").(string)
	return userID, ok && userID != ""
}
