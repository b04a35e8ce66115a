package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/middleware"
)

type HttpRouter struct {
	h Handlers
}

func (r HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(r.h.Metrics.Handler()))

	// Gateway notifications are signature-verified in the controller. Any
	// other method on /webhook is a reachability check.
	app.Post("/webhook", r.h.Webhook.HandleWebhook)
	app.All("/webhook", r.h.Webhook.HandleWebhookProbe)
	app.Post("/webhook/react", r.h.Webhook.HandleReact)
	app.Get("/webhook/pending", middleware.OpsAPIKeyMiddleware(r.h.OpsAPIKey), r.h.Webhook.HandlePending)
}

func NewHttpRouter(h Handlers) *HttpRouter {
	return &HttpRouter{h: h}
}
