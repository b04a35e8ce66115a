package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/events"
)

const (
	webhookTimeout = 15 * time.Second
	drainLimit     = 100
	pendingLimit   = 200
)

// WebhookController receives gateway notifications and exposes the
// unprocessed backlog to operators.
type WebhookController struct {
	ingestor   *events.Ingestor
	processor  *events.Processor
	pendingAge time.Duration
	now        func() time.Time
}

func NewWebhookController(ingestor *events.Ingestor, processor *events.Processor, pendingAge time.Duration) *WebhookController {
	return &WebhookController{
		ingestor:   ingestor,
		processor:  processor,
		pendingAge: pendingAge,
		now:        time.Now,
	}
}

// HandleWebhookProbe answers the gateway's reachability check.
func (wc *WebhookController) HandleWebhookProbe(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleWebhook stores one signed notification. It answers before any
// gateway call is made.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, "Stripe-Signature", "Signature")

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := wc.ingestor.Ingest(ctx, payload, signature)
	switch {
	case errors.Is(err, events.ErrMissingSignature):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_signature", "message": "Missing signature header"})
	case errors.Is(err, events.ErrSignature):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature", "message": "Signature verification failed"})
	case errors.Is(err, events.ErrMissingObjectID):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "invalid_payload", "message": "Event has no object id"})
	case err != nil:
		log.Errorf("[Webhook] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed", "message": "Could not store event"})
	}

	if res.Ignored {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "event": res.EventID})
}

// HandleReact processes the unprocessed backlog synchronously.
func (wc *WebhookController) HandleReact(c *fiber.Ctx) error {
	n, err := wc.processor.DrainUnprocessed(c.UserContext(), drainLimit)
	if err != nil {
		log.Errorf("[Webhook] Drain failed after %d events: %v", n, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "drain_failed", "message": err.Error(), "processed_events": n})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"processed_events": n})
}

// HandlePending lists events still unprocessed after the pending age, each
// with its latest recorded error.
func (wc *WebhookController) HandlePending(c *fiber.Ctx) error {
	pending, err := wc.processor.ListPending(c.UserContext(), wc.now().Add(-wc.pendingAge), pendingLimit)
	if err != nil {
		log.Errorf("[Webhook] List pending failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not list pending events"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": pending, "count": len(pending)})
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		if v := c.Get(k); v != "" {
			return v
		}
	}
	return ""
}
