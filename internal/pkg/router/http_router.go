package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/MemberFox/app/controllers"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
)

type HttpRouter struct {
	webhooks *controllers.WebhookController
	backend  string
	metrics  *metrics.Metrics
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "store": h.backend})
	})

	// Stripe signs the raw body, so nothing may rewrite it before the handler.
	app.Post("/webhooks/stripe", h.webhooks.HandleStripeWebhook)

	if h.metrics != nil {
		handlers := []fiber.Handler{}
		if password := env.GetEnv("METRICS_PASSWORD", ""); password != "" {
			handlers = append(handlers, basicauth.New(basicauth.Config{
				Users: map[string]string{
					env.GetEnv("METRICS_USER", "metrics"): password,
				},
			}))
		}
		handlers = append(handlers, adaptor.HTTPHandler(h.metrics.Handler()))
		app.Get("/metrics", handlers...)
	}
}

func NewHttpRouter(webhooks *controllers.WebhookController, backend string, m *metrics.Metrics) *HttpRouter {
	return &HttpRouter{webhooks: webhooks, backend: backend, metrics: m}
}
