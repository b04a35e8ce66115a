package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/cache"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/ledger"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
)

// handlerFunc applies the local effects of a refreshed object. It returns
// true when the event is fully handled.
type handlerFunc func(ctx context.Context, r *run, res *billing.RefreshResult) (bool, error)

// Processor runs stored webhook events: it refreshes the projection from the
// gateway and dispatches the object to its handler.
type Processor struct {
	repos    *repository.Repositories
	provider gateway.Provider
	billing  *billing.Service
	ledger   *ledger.Service
	locker   cache.Locker
	queue    Enqueuer
	archive  bool
	metrics  *metrics.Collector
	now      func() time.Time

	handlers map[gateway.ObjectType]handlerFunc
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithQueue lets the processor enqueue follow-up jobs and rescans.
func WithQueue(q Enqueuer) ProcessorOption {
	return func(p *Processor) { p.queue = q }
}

// WithArchive enqueues a payload archive job for every processed event.
func WithArchive(enabled bool) ProcessorOption {
	return func(p *Processor) { p.archive = enabled }
}

func WithMetrics(c *metrics.Collector) ProcessorOption {
	return func(p *Processor) { p.metrics = c }
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(repos *repository.Repositories, provider gateway.Provider, billingSvc *billing.Service, ledgerSvc *ledger.Service, locker cache.Locker, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repos:    repos,
		provider: provider,
		billing:  billingSvc,
		ledger:   ledgerSvc,
		locker:   locker,
		now:      time.Now,
	}
	p.handlers = map[gateway.ObjectType]handlerFunc{
		gateway.ObjectCustomer:        p.handleCustomer,
		gateway.ObjectSubscription:    p.handleSubscription,
		gateway.ObjectInvoice:         p.handleInvoice,
		gateway.ObjectCheckoutSession: p.handleCheckoutSession,
		gateway.ObjectAccount:         p.handleAccount,
		gateway.ObjectBalance:         p.handleAccount,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one webhook event under the lock of its object. A processed
// event is a no-op, so duplicate deliveries and retries are harmless.
func (p *Processor) Process(ctx context.Context, eventID uint) error {
	start := p.now()
	ev, err := p.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}

	lock, err := p.locker.Acquire(ctx, billing.ObjectLockName(ev.ObjectID))
	if err != nil {
		return fmt.Errorf("lock %s: %w", ev.ObjectID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("[EventProcessor] %v", err)
		}
	}()

	// Another worker may have finished the event while we waited.
	ev, err = p.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	objectType := gateway.ParseObjectType(ev.ObjectType)
	if ev.Processed {
		p.metrics.EventProcessed(string(objectType), "skipped", p.now().Sub(start))
		return nil
	}

	handler, handled := p.handlers[objectType]
	if !handled {
		if err := p.repos.WebhookEvents.MarkIgnored(ctx, ev.ID); err != nil {
			return err
		}
		p.metrics.EventProcessed(string(objectType), "ignored", p.now().Sub(start))
		return nil
	}

	r := newRun(p.repos, p.provider, ev, objectType)
	res, err := p.refresh(ctx, r)
	if err != nil {
		p.metrics.EventProcessed(string(objectType), "failed", p.now().Sub(start))
		return fmt.Errorf("refresh %s %s: %w", objectType, ev.ObjectID, err)
	}

	done, err := handler(ctx, r, res)
	if err != nil {
		p.metrics.EventProcessed(string(objectType), "failed", p.now().Sub(start))
		return fmt.Errorf("handle %s %s: %w", objectType, ev.ObjectID, err)
	}
	if !done {
		if err := p.repos.WebhookEvents.MarkRefreshed(ctx, ev.ID); err != nil {
			return err
		}
		p.metrics.EventProcessed(string(objectType), "refreshed", p.now().Sub(start))
		return nil
	}
	if err := p.repos.WebhookEvents.MarkProcessed(ctx, ev.ID); err != nil {
		return err
	}
	p.metrics.EventProcessed(string(objectType), "processed", p.now().Sub(start))
	log.Infof("[EventProcessor] Processed %s event %s (%d)", ev.EventType, ev.EventID, ev.ID)

	p.enqueueArchive(ctx, ev)
	return nil
}

func (p *Processor) loadEvent(ctx context.Context, eventID uint) (*models.BillingWebhookEvent, error) {
	ev, err := p.repos.WebhookEvents.GetByID(ctx, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobqueue.Permanent(fmt.Errorf("%w: %d", ErrEventNotFound, eventID))
	}
	return ev, err
}

// refresh pulls the current object through the event's account. A deletion
// event whose object is already gone marks the projection deleted instead.
func (p *Processor) refresh(ctx context.Context, r *run) (*billing.RefreshResult, error) {
	res, err := p.billing.Refresh(ctx, r.gw, r.account, r.objectType, r.event.ObjectID)
	if err == nil {
		return res, nil
	}
	if !gateway.IsNotFound(err) || !r.event.IsDeletion() {
		return nil, err
	}
	if err := p.billing.MarkDeleted(ctx, r.objectType, r.event.ObjectID); err != nil {
		return nil, err
	}
	log.Infof("[EventProcessor] %s %s is gone; marked deleted", r.objectType, r.event.ObjectID)
	res = &billing.RefreshResult{}
	if r.objectType == gateway.ObjectInvoice {
		if inv, err := p.repos.Invoices.GetByRemoteID(ctx, r.event.ObjectID); err == nil {
			res.Invoice = inv
		}
	}
	return res, nil
}

func (p *Processor) enqueueArchive(ctx context.Context, ev *models.BillingWebhookEvent) {
	if !p.archive || p.queue == nil || ev.ArchivedAt != nil {
		return
	}
	_, err := p.queue.EnqueueJob(ctx, jobqueue.JobTypeArchivePayload,
		jobqueue.ArchivePayloadJobPayload{WebhookEventID: ev.ID}.ToMap())
	if err != nil {
		log.Warnf("[EventProcessor] Could not enqueue archive of event %d: %v", ev.ID, err)
	}
}

// HandleJob adapts Process to the job queue.
func (p *Processor) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.WebhookEventJobPayloadFromMap(job.Payload)
	if err != nil || payload.WebhookEventID == 0 {
		return jobqueue.Permanent(fmt.Errorf("bad webhook event payload %v: %v", job.Payload, err))
	}
	return p.Process(ctx, payload.WebhookEventID)
}

// OnJobFailure records an event whose job will not run again. The event stays
// unprocessed and shows up in the pending list.
func (p *Processor) OnJobFailure(ctx context.Context, job *jobqueue.Job, jobErr error) {
	if job.Type != jobqueue.JobTypeProcessWebhookEvent {
		return
	}
	payload, err := jobqueue.WebhookEventJobPayloadFromMap(job.Payload)
	if err != nil {
		log.Errorf("[EventProcessor] Exhausted job %s has an unreadable payload: %v", job.ID, err)
		return
	}
	p.recordFailure(ctx, payload.WebhookEventID, jobErr)
}

func (p *Processor) recordFailure(ctx context.Context, eventID uint, cause error) {
	objectType := string(gateway.ObjectUnknown)
	if ev, err := p.repos.WebhookEvents.GetByID(ctx, eventID); err == nil {
		objectType = ev.ObjectType
	}
	kind := failureKind(cause)
	p.metrics.EventExhausted(objectType, kind)
	log.Errorf("[EventProcessor] Event %d failed terminally (%s): %v", eventID, kind, cause)

	row := &models.BillingError{
		Context:   models.BillingErrorContextWebhookEvent,
		Reference: strconv.FormatUint(uint64(eventID), 10),
		Kind:      kind,
		Message:   cause.Error(),
	}
	if err := p.repos.Errors.Create(ctx, row); err != nil {
		log.Errorf("[EventProcessor] Could not record failure of event %d: %v", eventID, err)
	}
}

// DrainUnprocessed processes up to limit unprocessed events oldest first and
// returns how many it finished. Failures are recorded and skipped.
func (p *Processor) DrainUnprocessed(ctx context.Context, limit int) (int, error) {
	pending, err := p.repos.WebhookEvents.ListUnprocessed(ctx, p.now(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := p.Process(ctx, ev.ID); err != nil {
			p.recordFailure(ctx, ev.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// PendingEvent is an unprocessed event with the newest error recorded for it.
type PendingEvent struct {
	Event     models.BillingWebhookEvent `json:"event"`
	LastError *models.BillingError       `json:"last_error,omitempty"`
}

// ListPending returns unprocessed events created before olderThan.
func (p *Processor) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]PendingEvent, error) {
	events, err := p.repos.WebhookEvents.ListUnprocessed(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	refs := make([]string, len(events))
	for i, ev := range events {
		refs[i] = strconv.FormatUint(uint64(ev.ID), 10)
	}
	latest, err := p.repos.Errors.LatestByReference(ctx, models.BillingErrorContextWebhookEvent, refs)
	if err != nil {
		return nil, err
	}
	out := make([]PendingEvent, len(events))
	for i, ev := range events {
		out[i] = PendingEvent{Event: ev}
		if e, ok := latest[refs[i]]; ok {
			e := e
			out[i].LastError = &e
		}
	}
	return out, nil
}

// RescanPending re-enqueues unprocessed events older than age that never
// failed, which recovers events whose enqueue was lost at ingress. Events
// with a recorded failure are left for operators.
func (p *Processor) RescanPending(ctx context.Context, age time.Duration, limit int) (int, error) {
	if p.queue == nil {
		return 0, nil
	}
	pending, err := p.ListPending(ctx, p.now().Add(-age), limit)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, pe := range pending {
		if pe.LastError != nil {
			continue
		}
		_, err := p.queue.EnqueueJob(ctx, jobqueue.JobTypeProcessWebhookEvent,
			jobqueue.WebhookEventJobPayload{WebhookEventID: pe.Event.ID}.ToMap())
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Infof("[EventProcessor] Re-enqueued %d pending events", enqueued)
	}
	return enqueued, nil
}
