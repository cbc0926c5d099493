package router

import (
	"context"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/MemberFox/app/controllers"
	"github.com/ManuelReschke/MemberFox/internal/pkg/cache"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
	"github.com/ManuelReschke/MemberFox/internal/pkg/middleware"
)

// limiterDatabase keeps rate limit counters apart from the stats cache in DB 0.
const limiterDatabase = 1

type ApiRouter struct {
	admin      *controllers.AdminController
	cards      *controllers.CardController
	adminToken string
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:          env.GetEnvInt("API_RATE_LIMIT", 120),
		Expiration:   time.Minute,
		KeyGenerator: controllers.ClientIP,
		Storage:      newLimiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	api.Get("/cards/verify", h.cards.HandleVerifyCard)

	admin := api.Group("/admin", middleware.AdminTokenMiddleware(h.adminToken))
	admin.Get("/stats", h.admin.HandleStats)
	admin.Post("/stats/refresh", h.admin.HandleRefreshStats)
	admin.Get("/memberships", h.admin.HandleListMemberships)
	admin.Get("/memberships/expiring", h.admin.HandleExpiringMemberships)
	admin.Patch("/memberships/:id", h.admin.HandleUpdateMembership)
	admin.Get("/members/:userID", h.admin.HandleMemberDetail)
	admin.Get("/members/:userID/audit", h.admin.HandleMemberAuditLog)
	admin.Delete("/members/:userID", h.admin.HandleDeleteMember)
	admin.Get("/webhook-events/:eventID", h.admin.HandleWebhookEvent)
	admin.Delete("/webhook-events", h.admin.HandleCleanupWebhookEvents)
}

func NewApiRouter(admin *controllers.AdminController, cards *controllers.CardController, adminToken string) *ApiRouter {
	return &ApiRouter{admin: admin, cards: cards, adminToken: adminToken}
}

// newLimiterStorage shares the rate limit counters across instances through
// the cache server. Without a reachable cache the limiter keeps them in memory.
func newLimiterStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	if cacheClient == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cacheClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: rate limiter falls back to memory storage: %v", err)
		return nil
	}

	host, port := "localhost", 6379
	if h, p, err := net.SplitHostPort(cacheClient.Options().Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: cacheClient.Options().Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
