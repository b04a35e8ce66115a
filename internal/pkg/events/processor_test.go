package events

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/app/repository/repositorytest"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/cache"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway/gatewaytest"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/ledger"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
)

var fixedNow = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

type procEnv struct {
	proc      *Processor
	repos     *repository.Repositories
	store     *repositorytest.Store
	fake      *gatewaytest.Fake
	queue     *recordingQueue
	metrics   *metrics.Collector
	airport   uint
	agreement uint
}

func newProcEnv(t *testing.T, opts ...ProcessorOption) *procEnv {
	t.Helper()
	repos, store := repositorytest.New()
	store.SetClock(func() time.Time { return fixedNow })
	fake := gatewaytest.New()
	clock := func() time.Time { return fixedNow }
	collector := metrics.New()
	queue := &recordingQueue{}

	billingSvc := billing.NewService(repos, fake, billing.Settings{Currency: "usd"}, billing.WithClock(clock))
	ledgerSvc := ledger.NewService(repos, fake, billingSvc, ledger.Settings{Currency: "usd", DaysUntilDue: 7}, ledger.WithClock(clock))
	opts = append([]ProcessorOption{WithQueue(queue), WithMetrics(collector), WithClock(clock)}, opts...)
	proc := NewProcessor(repos, fake, billingSvc, ledgerSvc, cache.NewLocalLocker(), opts...)

	airportID := store.AddAirport(models.Airport{Identifier: "KAPA", TimeZone: "America/Denver", RemoteAccountID: "acct_kapa"})
	agreementID := store.AddRentalAgreement(models.RentalAgreement{
		AirportID:   airportID,
		HangarCode:  "B-14",
		TenantEmail: "tenant@example.com",
		Rent:        decimal.NewFromInt(1200),
		StartDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	periodStart := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC)
	md := map[string]string{models.MetadataRentalAgreementKey: strconv.FormatUint(uint64(agreementID), 10)}
	fake.Customers["cus_1"] = &gateway.Customer{ID: "cus_1", Email: "tenant@example.com"}
	fake.Subscriptions["sub_1"] = &gateway.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", AmountMinor: 120000, Metadata: md}
	fake.Invoices["in_1"] = &gateway.Invoice{
		ID:              "in_1",
		CustomerID:      "cus_1",
		SubscriptionID:  "sub_1",
		Status:          "open",
		TotalMinor:      120000,
		AmountRemaining: 120000,
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
	}
	fake.Accounts["acct_kapa"] = &gateway.Account{ID: "acct_kapa", ChargesEnabled: true}

	return &procEnv{
		proc: proc, repos: repos, store: store, fake: fake, queue: queue, metrics: collector,
		airport: airportID, agreement: agreementID,
	}
}

func (e *procEnv) event(t *testing.T, eventType, objectType, objectID string) uint {
	t.Helper()
	ev := &models.BillingWebhookEvent{
		EventID:    "evt_" + strconv.Itoa(len(e.store.WebhookEvents)+1),
		EventType:  eventType,
		ObjectType: objectType,
		ObjectID:   objectID,
		Payload:    "{}",
	}
	require.NoError(t, e.repos.WebhookEvents.Create(context.Background(), ev))
	return ev.ID
}

func (e *procEnv) rentalInvoices(t *testing.T) []models.RentalInvoice {
	t.Helper()
	out, err := e.repos.RentalInvoices.ListByAgreement(context.Background(), e.agreement)
	require.NoError(t, err)
	return out
}

func TestEveryObjectTypeIsHandledOrIgnored(t *testing.T) {
	e := newProcEnv(t)
	for _, ot := range gateway.AllObjectTypes {
		_, handled := e.proc.handlers[ot]
		assert.True(t, handled != IsIgnored(ot), "object type %q needs exactly one of handler or ignore entry", ot)
	}
	assert.Len(t, e.proc.handlers, len(gateway.AllObjectTypes)-len(ignoredObjects))
}

func TestProcessInvoiceEventCreatesLedgerRow(t *testing.T) {
	e := newProcEnv(t)
	id := e.event(t, "invoice.finalized", "invoice", "in_1")

	require.NoError(t, e.proc.Process(context.Background(), id))

	ev := e.store.Event(id)
	assert.True(t, ev.Refreshed)
	assert.True(t, ev.Processed)
	rows := e.rentalInvoices(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.RentalInvoiceOpen, rows[0].StatusCode)
	assert.True(t, decimal.NewFromInt(1200).Equal(rows[0].AmountCharged))

	// The refresh pulled in the customer and the subscription it had never seen.
	sub, err := e.repos.Subscriptions.GetByRemoteID(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub.RentalAgreementID)
	assert.Equal(t, e.agreement, *sub.RentalAgreementID)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EventsProcessed.WithLabelValues("invoice", "processed")))
}

func TestProcessFollowsPaymentAndIsIdempotent(t *testing.T) {
	e := newProcEnv(t)
	ctx := context.Background()
	require.NoError(t, e.proc.Process(ctx, e.event(t, "invoice.finalized", "invoice", "in_1")))

	e.fake.Invoices["in_1"].Status = "paid"
	e.fake.Invoices["in_1"].AmountPaid = 120000
	e.fake.Invoices["in_1"].AmountRemaining = 0
	paid := e.event(t, "invoice.paid", "invoice", "in_1")
	require.NoError(t, e.proc.Process(ctx, paid))

	// Same notification delivered again.
	dup := e.event(t, "invoice.paid", "invoice", "in_1")
	require.NoError(t, e.proc.Process(ctx, dup))

	rows := e.rentalInvoices(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.RentalInvoicePaid, rows[0].StatusCode)
	assert.True(t, decimal.NewFromInt(1200).Equal(rows[0].AmountPaid))
	require.NotNil(t, rows[0].DatePaid)

	calls := e.fake.CallCount("get invoice")
	require.NoError(t, e.proc.Process(ctx, paid))
	assert.Equal(t, calls, e.fake.CallCount("get invoice"), "a processed event must not touch the gateway")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EventsProcessed.WithLabelValues("invoice", "skipped")))
}

func TestProcessKeepsWaivedAgainstLaterPayment(t *testing.T) {
	e := newProcEnv(t)
	ctx := context.Background()
	require.NoError(t, e.proc.Process(ctx, e.event(t, "invoice.finalized", "invoice", "in_1")))
	rows := e.rentalInvoices(t)
	require.Len(t, rows, 1)
	e.store.RentalInvoices[rows[0].ID].StatusCode = models.RentalInvoiceWaived

	e.fake.Invoices["in_1"].Status = "paid"
	require.NoError(t, e.proc.Process(ctx, e.event(t, "invoice.paid", "invoice", "in_1")))
	assert.Equal(t, models.RentalInvoiceWaived, e.store.Rental(rows[0].ID).StatusCode)
}

func TestProcessTransientFailureMarksNothing(t *testing.T) {
	e := newProcEnv(t)
	e.fake.SetError("get invoice", gateway.NewError(gateway.Transient, "get invoice", "rate limited"))
	id := e.event(t, "invoice.paid", "invoice", "in_1")

	err := e.proc.Process(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, gateway.Transient, gateway.KindOf(err))

	ev := e.store.Event(id)
	assert.False(t, ev.Refreshed)
	assert.False(t, ev.Processed)
	assert.Empty(t, e.rentalInvoices(t))
}

func TestProcessDeletedInvoiceMarksProjection(t *testing.T) {
	e := newProcEnv(t)
	ctx := context.Background()
	require.NoError(t, e.proc.Process(ctx, e.event(t, "invoice.created", "invoice", "in_1")))
	delete(e.fake.Invoices, "in_1")

	id := e.event(t, "invoice.deleted", "invoice", "in_1")
	require.NoError(t, e.proc.Process(ctx, id))

	inv, err := e.repos.Invoices.GetByRemoteID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceDeleted, inv.Status)
	rows := e.rentalInvoices(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.RentalInvoiceCancelled, rows[0].StatusCode)
	assert.True(t, e.store.Event(id).Processed)
}

func TestProcessDeletedCustomerAndSubscription(t *testing.T) {
	e := newProcEnv(t)
	ctx := context.Background()
	require.NoError(t, e.proc.Process(ctx, e.event(t, "customer.subscription.created", "subscription", "sub_1")))
	delete(e.fake.Subscriptions, "sub_1")
	delete(e.fake.Customers, "cus_1")

	require.NoError(t, e.proc.Process(ctx, e.event(t, "customer.subscription.deleted", "subscription", "sub_1")))
	require.NoError(t, e.proc.Process(ctx, e.event(t, "customer.deleted", "customer", "cus_1")))

	sub, err := e.repos.Subscriptions.GetByRemoteID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	c, err := e.repos.Customers.GetByRemoteID(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, c.Deleted)
}

func TestProcessNotFoundOnUpdateIsTerminal(t *testing.T) {
	e := newProcEnv(t)
	id := e.event(t, "invoice.updated", "invoice", "in_missing")

	err := e.proc.Process(context.Background(), id)
	require.Error(t, err)
	assert.True(t, gateway.IsNotFound(err))
	assert.False(t, isRetryableForTest(err))
	assert.False(t, e.store.Event(id).Processed)
}

func TestProcessStoredIgnoredEventIsMarkedWithoutGateway(t *testing.T) {
	e := newProcEnv(t)
	id := e.event(t, "charge.succeeded", "charge", "ch_1")

	require.NoError(t, e.proc.Process(context.Background(), id))
	ev := e.store.Event(id)
	assert.True(t, ev.Processed)
	assert.False(t, ev.Refreshed, "nothing was refreshed for an ignored object")
	assert.Empty(t, e.fake.Calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EventsProcessed.WithLabelValues("charge", "ignored")))
}

func TestProcessUnknownEventIsPermanent(t *testing.T) {
	e := newProcEnv(t)
	err := e.proc.Process(context.Background(), 999)
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.False(t, isRetryableForTest(err))
}

func TestProcessAccountAndBalanceEvents(t *testing.T) {
	e := newProcEnv(t)
	ctx := context.Background()

	ev := &models.BillingWebhookEvent{EventID: "evt_bal", EventType: "balance.available", ObjectType: "balance", ObjectID: "acct_kapa"}
	account := "acct_kapa"
	ev.AccountID = &account
	require.NoError(t, e.repos.WebhookEvents.Create(ctx, ev))

	require.NoError(t, e.proc.Process(ctx, ev.ID))
	acct, err := e.repos.ConnectedAccounts.GetByRemoteID(ctx, "acct_kapa")
	require.NoError(t, err)
	assert.True(t, acct.ChargesEnabled)
	assert.Contains(t, e.fake.Scopes, "acct_kapa")
}

func TestProcessCheckoutSession(t *testing.T) {
	e := newProcEnv(t)
	e.fake.CheckoutSessions["cs_1"] = &gateway.CheckoutSession{ID: "cs_1", CustomerID: "cus_1", Status: "complete", SubscriptionID: "sub_1"}

	id := e.event(t, "checkout.session.completed", "checkout.session", "cs_1")
	require.NoError(t, e.proc.Process(context.Background(), id))

	cs, err := e.repos.CheckoutSessions.GetByRemoteID(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", cs.SubscriptionRemoteID)
	assert.True(t, e.store.Event(id).Processed)
}

func TestProcessEnqueuesArchiveWhenEnabled(t *testing.T) {
	e := newProcEnv(t, WithArchive(true))
	id := e.event(t, "customer.updated", "customer", "cus_1")

	require.NoError(t, e.proc.Process(context.Background(), id))
	jobs := e.queue.ofType(jobqueue.JobTypeArchivePayload)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].payload["webhook_event_id"])

	off := newProcEnv(t)
	require.NoError(t, off.proc.Process(context.Background(), off.event(t, "customer.updated", "customer", "cus_1")))
	assert.Empty(t, off.queue.ofType(jobqueue.JobTypeArchivePayload))
}

func TestHandleJobRejectsBadPayload(t *testing.T) {
	e := newProcEnv(t)
	err := e.proc.HandleJob(context.Background(), &jobqueue.Job{Type: jobqueue.JobTypeProcessWebhookEvent, Payload: map[string]interface{}{}})
	require.Error(t, err)
	assert.False(t, isRetryableForTest(err))

	id := e.event(t, "customer.updated", "customer", "cus_1")
	job := &jobqueue.Job{Type: jobqueue.JobTypeProcessWebhookEvent, Payload: map[string]interface{}{"webhook_event_id": float64(id)}}
	require.NoError(t, e.proc.HandleJob(context.Background(), job))
	assert.True(t, e.store.Event(id).Processed)
}

func TestOnJobFailureRecordsErrorAndMetric(t *testing.T) {
	e := newProcEnv(t)
	id := e.event(t, "invoice.paid", "invoice", "in_1")
	job := &jobqueue.Job{Type: jobqueue.JobTypeProcessWebhookEvent, Payload: jobqueue.WebhookEventJobPayload{WebhookEventID: id}.ToMap()}

	e.proc.OnJobFailure(context.Background(), job, gateway.NewError(gateway.AuthFailure, "get invoice", "bad key"))

	require.Len(t, e.store.Errors, 1)
	row := e.store.Errors[0]
	assert.Equal(t, models.BillingErrorContextWebhookEvent, row.Context)
	assert.Equal(t, strconv.FormatUint(uint64(id), 10), row.Reference)
	assert.Equal(t, "auth_failure", row.Kind)
	assert.Contains(t, row.Message, "bad key")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EventsExhausted.WithLabelValues("invoice", "auth_failure")))

	// Other job types are not webhook events.
	e.proc.OnJobFailure(context.Background(), &jobqueue.Job{Type: jobqueue.JobTypeReconcileAirport}, assert.AnError)
	assert.Len(t, e.store.Errors, 1)
}

func TestDrainUnprocessedSkipsFailures(t *testing.T) {
	e := newProcEnv(t)
	ok := e.event(t, "customer.updated", "customer", "cus_1")
	bad := e.event(t, "invoice.updated", "invoice", "in_missing")
	ok2 := e.event(t, "invoice.finalized", "invoice", "in_1")

	n, err := e.proc.DrainUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, e.store.Event(ok).Processed)
	assert.True(t, e.store.Event(ok2).Processed)
	assert.False(t, e.store.Event(bad).Processed)
	require.Len(t, e.store.Errors, 1)
	assert.Equal(t, "not_found", e.store.Errors[0].Kind)

	n, err = e.proc.DrainUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListPendingAndRescan(t *testing.T) {
	e := newProcEnv(t)
	ctx := context.Background()
	failed := e.event(t, "invoice.updated", "invoice", "in_missing")
	lost := e.event(t, "customer.updated", "customer", "cus_1")
	_, err := e.proc.DrainUnprocessed(ctx, 1)
	require.NoError(t, err)

	pending, err := e.proc.ListPending(ctx, fixedNow, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, failed, pending[0].Event.ID)
	require.NotNil(t, pending[0].LastError)
	assert.Nil(t, pending[1].LastError)

	// Nothing is old enough yet.
	n, err := e.proc.RescanPending(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.proc.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	n, err = e.proc.RescanPending(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs := e.queue.ofType(jobqueue.JobTypeProcessWebhookEvent)
	require.Len(t, jobs, 1)
	assert.Equal(t, lost, jobs[0].payload["webhook_event_id"])
}

func isRetryableForTest(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
