package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HangarLedger/app/controllers"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Handlers carries everything the routers mount.
type Handlers struct {
	Webhook        *controllers.WebhookController
	Ops            *controllers.OpsController
	Metrics        *metrics.Collector
	OpsAPIKey      string
	// LimiterStorage backs the API rate limiter. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, h Handlers) {
	setup(app, NewHttpRouter(h), NewApiRouter(h))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
