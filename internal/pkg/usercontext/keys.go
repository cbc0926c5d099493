package usercontext

import "github.com/gofiber/fiber/v2"

// Shared Locals keys used across controllers and middlewares
const (
	KeyAdminID       = "admin_id"
	KeyFromProtected = "from_protected"
)

// AdminID returns the admin identity set by the admin token middleware.
func AdminID(c *fiber.Ctx) string {
	if v, ok := c.Locals(KeyAdminID).(string); ok {
		return v
	}
	return ""
}
