package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MemberFox/internal/pkg/usercontext"
)

func newTestApp(token string) *fiber.App {
	app := fiber.New()
	app.Get("/", AdminTokenMiddleware(token), func(c *fiber.Ctx) error {
		return c.SendString(usercontext.AdminID(c))
	})
	return app
}

func TestAdminTokenMiddleware(t *testing.T) {
	app := newTestApp("s3cret")

	tests := []struct {
		name   string
		header map[string]string
		status int
	}{
		{"missing token", nil, fiber.StatusUnauthorized},
		{"wrong token", map[string]string{"X-API-Key": "nope"}, fiber.StatusUnauthorized},
		{"api key header", map[string]string{"X-API-Key": "s3cret"}, fiber.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer s3cret"}, fiber.StatusOK},
		{"bad admin user", map[string]string{"X-API-Key": "s3cret", "X-Admin-User": "a b"}, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAdminTokenMiddlewareDisabledWithoutToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "")
	resp, err := newTestApp("").Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
