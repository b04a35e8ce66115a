package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/middleware"
)

type ApiRouter struct {
	h Handlers
}

func (r ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    r.h.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "HangarLedger ops api",
		})
	})

	v1 := api.Group("/v1", middleware.OpsAPIKeyMiddleware(r.h.OpsAPIKey))
	ops := r.h.Ops

	v1.Post("/rental-invoices/:id/cancel", ops.HandleCancelInvoice)
	v1.Post("/rental-invoices/:id/waive", ops.HandleWaiveInvoice)
	v1.Post("/rental-invoices/:id/pay", ops.HandlePayInvoice)

	v1.Post("/rental-agreements/:id/invoices", ops.HandleCreateInvoice)
	v1.Post("/rental-agreements/:id/reconcile", ops.HandleReconcileAgreement)
	v1.Post("/rental-agreements/:id/subscription", ops.HandleStartSubscription)
	v1.Post("/rental-agreements/:id/cancel-open-invoices", ops.HandleCancelOpenInvoices)
	v1.Get("/rental-agreements/:id/paid-through", ops.HandlePaidThrough)

	v1.Post("/airports/:id/reconcile", ops.HandleReconcileAirport)
}

func NewApiRouter(h Handlers) *ApiRouter {
	return &ApiRouter{h: h}
}
