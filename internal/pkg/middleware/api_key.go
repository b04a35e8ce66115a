package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
)

// OpsAPIKeyMiddleware admits requests whose X-API-Key (or bearer token)
// matches the configured key. A configured value starting with "$2" is
// treated as a bcrypt hash so the plain key need not live in the env file.
func OpsAPIKeyMiddleware(configured string) fiber.Handler {
	configured = strings.TrimSpace(configured)
	hashed := strings.HasPrefix(configured, "$2")

	return func(c *fiber.Ctx) error {
		if configured == "" {
			log.Error("[Ops] OPS_API_KEY is not configured; rejecting request")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Ops API disabled"})
		}
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if !keyMatches(configured, apiKey, hashed) {
			log.Warnf("[Ops] Rejected API key from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

func keyMatches(configured, given string, hashed bool) bool {
	if hashed {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
