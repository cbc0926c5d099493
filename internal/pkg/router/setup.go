package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MemberFox/app/controllers"
	"github.com/ManuelReschke/MemberFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers the public endpoints, the webhook receiver and the
// admin API on app.
func InstallRouter(app *fiber.App, svc *bootstrap.Services) {
	webhooks := controllers.NewWebhookController(svc.Webhooks, env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
	cards := controllers.NewCardController(svc.Store, svc.Signer)
	admin := controllers.NewAdminController(controllers.AdminDeps{
		Store:      svc.Store,
		Maintainer: svc.Maintainer,
		Stats:      svc.Stats,
		Gate:       svc.Gate,
		Processor:  svc.Processor,
		Catalog:    svc.Catalog,
		Metrics:    svc.Metrics,
	})

	setup(app,
		NewHttpRouter(webhooks, svc.Store.Backend(), svc.Metrics),
		NewApiRouter(admin, cards, env.GetEnv("ADMIN_API_TOKEN", "")),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
