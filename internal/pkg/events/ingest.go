package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
)

// Ingestor authenticates notifications, stores them and hands them to the queue.
// It never calls the gateway over the network.
type Ingestor struct {
	repos    *repository.Repositories
	verifier gateway.EventVerifier
	queue    Enqueuer
	metrics  *metrics.Collector
}

// IngestResult tells the caller what happened to one notification.
type IngestResult struct {
	EventID uint
	Ignored bool
	// Enqueued is false when the row was stored but the queue push failed.
	Enqueued bool
}

func NewIngestor(repos *repository.Repositories, verifier gateway.EventVerifier, queue Enqueuer, collector *metrics.Collector) *Ingestor {
	return &Ingestor{repos: repos, verifier: verifier, queue: queue, metrics: collector}
}

// Ingest verifies payload against signature and stores a webhook event row.
func (in *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*IngestResult, error) {
	if strings.TrimSpace(signature) == "" {
		in.metrics.WebhookReceived("", "rejected")
		return nil, ErrMissingSignature
	}
	env, err := in.verifier.ConstructEvent(payload, signature)
	if err != nil {
		in.metrics.WebhookReceived("", "rejected")
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	objectType := string(env.ObjectType)

	if IsIgnored(env.ObjectType) {
		log.Debugf("[Webhook] Ignoring %s event %s on %s", env.EventType, env.EventID, env.RawObjectType)
		in.metrics.WebhookReceived(objectType, "ignored")
		return &IngestResult{Ignored: true}, nil
	}

	objectID := env.ObjectID
	if env.ObjectType == gateway.ObjectBalance || (env.ObjectType == gateway.ObjectAccount && objectID == "") {
		objectID = env.AccountID
	}
	if objectID == "" {
		log.Errorf("[Webhook] Event %s (%s) has no object id", env.EventID, env.EventType)
		in.metrics.WebhookReceived(objectType, "invalid")
		return nil, ErrMissingObjectID
	}

	event := &models.BillingWebhookEvent{
		EventID:    env.EventID,
		EventType:  env.EventType,
		ObjectType: objectType,
		ObjectID:   objectID,
		Payload:    string(payload),
	}
	if env.AccountID != "" {
		account := env.AccountID
		event.AccountID = &account
	}
	if err := in.repos.WebhookEvents.Create(ctx, event); err != nil {
		in.metrics.WebhookReceived(objectType, "error")
		return nil, fmt.Errorf("store webhook event %s: %w", env.EventID, err)
	}
	in.metrics.WebhookReceived(objectType, "stored")

	res := &IngestResult{EventID: event.ID}
	_, err = in.queue.EnqueueJob(ctx, jobqueue.JobTypeProcessWebhookEvent,
		jobqueue.WebhookEventJobPayload{WebhookEventID: event.ID}.ToMap())
	if err != nil {
		// The row is durable; the pending rescan and /webhook/react pick it up.
		log.Errorf("[Webhook] Stored event %d (%s) but could not enqueue it: %v", event.ID, env.EventID, err)
		return res, nil
	}
	res.Enqueued = true
	log.Infof("[Webhook] Stored %s event %s as %d", env.EventType, env.EventID, event.ID)
	return res, nil
}
