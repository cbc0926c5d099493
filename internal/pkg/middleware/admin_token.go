package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/internal/pkg/usercontext"
)

const defaultAdminID = "admin"

var adminIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,100}$`)

// AdminTokenMiddleware authenticates admin API calls carrying the shared admin
// token. The X-Admin-User header names the acting admin in the audit log.
func AdminTokenMiddleware(token string) fiber.Handler {
	expected := sha256.Sum256([]byte(token))
	disabled := strings.TrimSpace(token) == ""
	if disabled {
		log.Warn("[Admin] ADMIN_API_TOKEN is not set, admin API is disabled")
	}

	return func(c *fiber.Ctx) error {
		if disabled {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "admin_api_disabled"})
		}
		provided := extractTokenFromHeader(c)
		if provided == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing admin token"})
		}
		got := sha256.Sum256([]byte(provided))
		if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid admin token"})
		}

		adminID := strings.TrimSpace(c.Get("X-Admin-User"))
		if adminID == "" {
			adminID = defaultAdminID
		}
		if !adminIDPattern.MatchString(adminID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_admin_user"})
		}
		c.Locals(usercontext.KeyFromProtected, true)
		c.Locals(usercontext.KeyAdminID, adminID)
		return c.Next()
	}
}

func extractTokenFromHeader(c *fiber.Ctx) string {
	if token := strings.TrimSpace(c.Get("X-API-Key")); token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
