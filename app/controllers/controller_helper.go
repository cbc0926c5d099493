package controllers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// requestTimeout bounds the store and provider work of a single request.
const requestTimeout = 15 * time.Second

// errorStatus maps an error kind to the HTTP status returned by the JSON APIs.
func errorStatus(err error) int {
	kind, _ := apperror.KindOf(err)
	switch kind {
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindValidation:
		return fiber.StatusBadRequest
	case apperror.KindDuplicateEvent:
		return fiber.StatusConflict
	case apperror.KindProvider:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError renders err as {"error": ..., "message": ...}. Internal failures
// are logged and their message is not exposed.
func writeError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	kind, _ := apperror.KindOf(err)
	body := fiber.Map{"error": kind.String()}
	if status == fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		body["error"] = "internal_error"
	} else {
		body["message"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

func queryInt(c *fiber.Ctx, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryDate parses a YYYY-MM-DD or RFC3339 query value. Empty values yield nil.
func queryDate(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, apperror.Validation("controllers.queryDate", key+" must be YYYY-MM-DD or RFC3339")
}

// ClientIP determines the client address behind Cloudflare or a reverse proxy.
func ClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(c.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return strings.TrimPrefix(c.IP(), "::ffff:")
}
