package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) subscriptionInvoice(t *testing.T, remoteID string, status models.InvoiceStatus, paid string) *models.BillingInvoice {
	t.Helper()
	ctx := context.Background()
	sub, err := e.repos.Subscriptions.GetByRemoteID(ctx, "sub_1")
	if err != nil {
		sub = &models.BillingSubscription{
			RemoteID:          "sub_1",
			CustomerID:        e.customer.ID,
			RentalAgreementID: &e.agreement,
			Status:            models.SubscriptionActive,
		}
		require.NoError(t, e.repos.Subscriptions.Upsert(ctx, sub))
	}
	start := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)
	end := time.Date(2024, 7, 1, 14, 30, 0, 0, time.UTC)
	inv := &models.BillingInvoice{
		RemoteID:       remoteID,
		CustomerID:     e.customer.ID,
		SubscriptionID: &sub.ID,
		Status:         status,
		AmountCharged:  money("1200"),
		AmountPaid:     money(paid),
		PeriodStart:    &start,
		PeriodEnd:      &end,
	}
	require.NoError(t, e.repos.Invoices.Upsert(ctx, inv))
	return inv
}

func TestSyncFromInvoiceCreatesLedgerRowOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv := e.subscriptionInvoice(t, "in_sub", models.InvoicePaid, "1200")

	ri, err := e.svc.SyncFromInvoice(ctx, inv)
	require.NoError(t, err)
	require.NotNil(t, ri)
	assert.Equal(t, e.agreement, ri.RentalAgreementID)
	assert.Equal(t, models.RentalInvoicePaid, ri.StatusCode)
	assert.True(t, money("1200").Equal(ri.AmountPaid))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), ri.PeriodStartDate)
	require.NotNil(t, ri.PaymentMethodCode)
	assert.Equal(t, models.PaymentGateway, *ri.PaymentMethodCode)
	require.NotNil(t, ri.DatePaid)

	again, err := e.svc.SyncFromInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, ri.ID, again.ID)
	assert.Len(t, e.store.RentalInvoices, 1)
}

func TestSyncFromInvoiceFollowsRemoteStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv := e.subscriptionInvoice(t, "in_sub", models.InvoiceDraft, "0")

	ri, err := e.svc.SyncFromInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceDraft, ri.StatusCode)

	inv.Status = models.InvoiceOpen
	ri, err = e.svc.SyncFromInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceOpen, ri.StatusCode)
	assert.Nil(t, ri.DatePaid)
}

func TestSyncFromInvoiceKeepsWaived(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.remoteInvoice(t, "in_1", 30000, "open", models.RentalInvoiceOpen)
	_, err := e.svc.Waive(ctx, id, "")
	require.NoError(t, err)

	// The full credit makes the gateway report the invoice paid.
	inv := e.projection(t, "in_1")
	assert.Equal(t, models.InvoicePaid, inv.Status)

	ri, err := e.svc.SyncFromInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceWaived, ri.StatusCode)
	assert.Nil(t, ri.DatePaid)
}

func TestSyncFromInvoiceIgnoresUnrelatedInvoices(t *testing.T) {
	e := newEnv(t)
	inv := &models.BillingInvoice{RemoteID: "in_other", CustomerID: e.customer.ID, Status: models.InvoiceOpen}
	require.NoError(t, e.repos.Invoices.Upsert(context.Background(), inv))

	ri, err := e.svc.SyncFromInvoice(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, ri)
	assert.Empty(t, e.store.RentalInvoices)
}

func TestSyncRentalAgreementInvoices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	openID := e.remoteInvoice(t, "in_open", 10000, "open", models.RentalInvoiceOpen)
	paidID := e.localInvoice(t, "50", models.RentalInvoicePaid)
	e.subscriptionInvoice(t, "in_sub_1", models.InvoiceOpen, "0")
	e.subscriptionInvoice(t, "in_sub_2", models.InvoicePaid, "1200")

	// The projection moved on without a webhook reaching the ledger.
	proj := e.projection(t, "in_open")
	proj.Status = models.InvoiceUncollectible
	require.NoError(t, e.repos.Invoices.Upsert(ctx, proj))

	res, err := e.svc.SyncRentalAgreementInvoices(ctx, e.agreement)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, models.RentalInvoiceUncollectible, e.store.Rental(openID).StatusCode)
	assert.Equal(t, models.RentalInvoicePaid, e.store.Rental(paidID).StatusCode)

	res, err = e.svc.SyncRentalAgreementInvoices(ctx, e.agreement)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
}

func TestCreateRentalInvoiceManual(t *testing.T) {
	e := newEnv(t)
	ri, err := e.svc.CreateRentalInvoice(context.Background(), NewInvoice{
		AgreementID:   e.agreement,
		PeriodStart:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		Amount:        money("1200.004"),
		InvoiceNumber: "KAPA-0042",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceOpen, ri.StatusCode)
	assert.True(t, money("1200").Equal(ri.AmountCharged))
	assert.False(t, ri.IsRemote())
	assert.Empty(t, e.fake.Calls)
}

func TestCreateRentalInvoiceRemote(t *testing.T) {
	e := newEnv(t)
	ri, err := e.svc.CreateRentalInvoice(context.Background(), NewInvoice{
		AgreementID: e.agreement,
		PeriodStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		Amount:      money("1200"),
		Remote:      true,
	})
	require.NoError(t, err)
	require.True(t, ri.IsRemote())
	require.NotNil(t, ri.Invoice)

	remote := e.fake.Invoices[ri.Invoice.RemoteID]
	require.NotNil(t, remote)
	assert.Equal(t, int64(120000), remote.TotalMinor)
	assert.Equal(t, "manual", remote.Metadata["type"])
	assert.NotEmpty(t, remote.Metadata[MetadataRentalInvoiceKey])
	assert.Equal(t, ri.InvoiceID, e.store.Rental(ri.ID).InvoiceID)
}

func TestCreateRentalInvoiceRemoteFailureKeepsManualRow(t *testing.T) {
	e := newEnv(t)
	e.fake.SetError("create invoice", gateway.NewError(gateway.Transient, "create invoice", "timeout"))

	ri, err := e.svc.CreateRentalInvoice(context.Background(), NewInvoice{
		AgreementID: e.agreement,
		PeriodStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		Amount:      money("1200"),
		Remote:      true,
	})
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	require.NotNil(t, ri)
	stored := e.store.Rental(ri.ID)
	require.NotNil(t, stored)
	assert.Nil(t, stored.InvoiceID)
	assert.Len(t, e.store.Errors, 1)
}

func TestCreateRentalInvoiceValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	may1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.svc.CreateRentalInvoice(ctx, NewInvoice{AgreementID: e.agreement, PeriodStart: may1, PeriodEnd: may1.AddDate(0, 0, -1), Amount: money("1")})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = e.svc.CreateRentalInvoice(ctx, NewInvoice{AgreementID: e.agreement, PeriodStart: may1, PeriodEnd: may1, Amount: money("0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.svc.CreateRentalInvoice(ctx, NewInvoice{AgreementID: 404, PeriodStart: may1, PeriodEnd: may1, Amount: money("1")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelOpenInvoicesSkipsPartiallyPaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	open := e.localInvoice(t, "100", models.RentalInvoiceOpen)
	partial := e.localInvoice(t, "100", models.RentalInvoiceOpen)
	paid := e.localInvoice(t, "100", models.RentalInvoicePaid)
	refused := e.remoteInvoice(t, "in_paid", 10000, "paid", models.RentalInvoiceOpen)
	amount := money("40")
	_, err := e.svc.Pay(ctx, partial, Payment{Amount: &amount})
	require.NoError(t, err)

	res, err := e.svc.CancelOpenInvoices(ctx, e.agreement)
	require.NoError(t, err)
	assert.Equal(t, []uint{open}, res.Cancelled)
	assert.Equal(t, []uint{partial}, res.Skipped)
	require.Contains(t, res.Failed, refused)
	assert.Equal(t, models.RentalInvoicePaid, e.store.Rental(paid).StatusCode)
	assert.Equal(t, models.RentalInvoiceCancelled, e.store.Rental(open).StatusCode)
}

func TestPaidThroughAndNextCollectionStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	next, err := e.svc.NextCollectionStartDate(ctx, e.agreement)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), next)

	for _, p := range []struct {
		end    time.Time
		status models.RentalInvoiceStatus
	}{
		{time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), models.RentalInvoicePaid},
		{time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), models.RentalInvoiceWaived},
		{time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), models.RentalInvoiceOpen},
	} {
		ri := &models.RentalInvoice{
			RentalAgreementID: e.agreement,
			PeriodStartDate:   p.end.AddDate(0, -1, 1),
			PeriodEndDate:     p.end,
			AmountCharged:     money("1200"),
			StatusCode:        p.status,
		}
		require.NoError(t, e.repos.RentalInvoices.Create(ctx, ri))
	}

	through, err := e.svc.PaidThroughDate(ctx, e.agreement)
	require.NoError(t, err)
	require.NotNil(t, through)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), *through)

	next, err = e.svc.NextCollectionStartDate(ctx, e.agreement)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestSyncReadsProjectionAgainInsideLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.remoteInvoice(t, "in_1", 120000, "open", models.RentalInvoiceOpen)
	stale := *e.projection(t, "in_1")

	fresh := e.projection(t, "in_1")
	fresh.Status = models.InvoicePaid
	fresh.AmountPaid = money("1200")
	fresh.AmountRemaining = money("0")
	require.NoError(t, e.repos.Invoices.Upsert(ctx, fresh))
	ri, err := e.svc.SyncFromInvoice(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, models.RentalInvoicePaid, ri.StatusCode)

	// A sweep that listed the row before the webhook landed still holds the open copy.
	ri, changed, err := e.svc.applyRemote(ctx, id, &stale)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.RentalInvoicePaid, ri.StatusCode)
	stored := e.store.Rental(id)
	assert.Equal(t, models.RentalInvoicePaid, stored.StatusCode)
	assert.NotNil(t, stored.DatePaid)
}

func TestSyncNeverMovesSettledRowsBack(t *testing.T) {
	cases := []struct {
		local  models.RentalInvoiceStatus
		remote string
		want   models.RentalInvoiceStatus
	}{
		{models.RentalInvoicePaid, "open", models.RentalInvoicePaid},
		{models.RentalInvoicePaid, "void", models.RentalInvoicePaid},
		{models.RentalInvoiceCancelled, "open", models.RentalInvoiceCancelled},
		{models.RentalInvoiceCancelled, "paid", models.RentalInvoiceCancelled},
		{models.RentalInvoiceUncollectible, "open", models.RentalInvoiceUncollectible},
		{models.RentalInvoiceOpen, "draft", models.RentalInvoiceOpen},
		{models.RentalInvoiceUncollectible, "paid", models.RentalInvoicePaid},
		{models.RentalInvoiceUncollectible, "void", models.RentalInvoiceCancelled},
		{models.RentalInvoiceDraft, "paid", models.RentalInvoicePaid},
	}
	for _, tc := range cases {
		t.Run(tc.local.Label()+" to "+tc.remote, func(t *testing.T) {
			e := newEnv(t)
			id := e.remoteInvoice(t, "in_1", 120000, tc.remote, tc.local)

			ri, err := e.svc.SyncFromInvoice(context.Background(), e.projection(t, "in_1"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ri.StatusCode)
			assert.Equal(t, tc.want, e.store.Rental(id).StatusCode)
		})
	}
}

func TestSyncPaidAfterLocalPartialPaymentCoversCharge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.remoteInvoice(t, "in_1", 120000, "open", models.RentalInvoiceOpen)
	part := money("500")
	_, err := e.svc.Pay(ctx, id, Payment{Amount: &part, Method: models.PaymentCash})
	require.NoError(t, err)

	// The tenant pays the rest on the gateway, which only sees the 700 left after the credit note.
	inv := e.projection(t, "in_1")
	inv.Status = models.InvoicePaid
	inv.AmountPaid = money("700")
	inv.AmountRemaining = money("0")
	require.NoError(t, e.repos.Invoices.Upsert(ctx, inv))

	ri, err := e.svc.SyncFromInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoicePaid, ri.StatusCode)
	assert.True(t, money("1200").Equal(ri.AmountPaid), "amount paid %s", ri.AmountPaid)
	assert.True(t, ri.AmountDue().IsZero())
	require.NotNil(t, ri.PaymentMethodCode)
	assert.Equal(t, models.PaymentCash, *ri.PaymentMethodCode)
}
