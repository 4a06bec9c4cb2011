package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat-sync/internal/config"
	"github.com/noah-isme/gema-chat-sync/internal/handler"
	"github.com/noah-isme/gema-chat-sync/internal/middleware"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
)

// Dependencies groups router dependencies for registration. Nil handlers are skipped, so the
// receipt API and the engine host share one router.
type Dependencies struct {
	ReceiptHandler *handler.ReceiptHandler
	SyncHandler    *handler.SyncHandler
	HealthProbes   []handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))
	app.Get("/metrics", observability.MetricsHandler())

	if deps.ReceiptHandler != nil {
		deps.ReceiptHandler.Register(api.Group("/receipts", middleware.RateLimit("receipts", cfg.ReceiptRateLimit, time.Second)))
	}

	if deps.SyncHandler != nil {
		deps.SyncHandler.Register(api.Group("/sync"))
	}
}
