package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/MemberFox/internal/pkg/billing"
	"github.com/ManuelReschke/MemberFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MemberFox/internal/pkg/cache"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
	"github.com/ManuelReschke/MemberFox/internal/pkg/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, svc := NewApplication(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Printf("Error while closing store: %v", err)
		}
	}()

	if interval := env.GetEnvDuration("WEBHOOK_CLEANUP_INTERVAL", 0); interval > 0 {
		retention := env.GetEnvInt("WEBHOOK_RETENTION_DAYS", billing.DefaultRetentionDays)
		go billing.CleanupLoop(ctx, svc.Gate, retention, interval, svc.Metrics)
	}

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication(ctx context.Context) (*fiber.App, *bootstrap.Services) {
	env.SetupEnvFile()
	cache.SetupCache()

	svc, err := bootstrap.Setup(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "MemberFox",
		BodyLimit: 1 << 20, // provider events are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if docPath := findAPIDocument(); docPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: docPath,
			Path:     "v1",
		}))
	}

	// ROUTER
	router.InstallRouter(app, svc)

	return app, svc
}

// findAPIDocument looks for the OpenAPI document from the project root or a
// cmd/ subdirectory.
func findAPIDocument() string {
	for _, base := range []string{"./", "../../", "../../../"} {
		path := base + "docs/openapi.yml"
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	log.Printf("OpenAPI document not found, /docs/api is disabled")
	return ""
}
