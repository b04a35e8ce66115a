package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/app/repository/repositorytest"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway/gatewaytest"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

type testEnv struct {
	svc       *Service
	repos     *repository.Repositories
	store     *repositorytest.Store
	fake      *gatewaytest.Fake
	agreement uint
	customer  *models.BillingCustomer
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	repos, store := repositorytest.New()
	fake := gatewaytest.New()
	clock := func() time.Time { return fixedNow }
	billingSvc := billing.NewService(repos, fake, billing.Settings{Currency: "usd"}, billing.WithClock(clock))
	svc := NewService(repos, fake, billingSvc, Settings{Currency: "usd", DaysUntilDue: 7},
		WithClock(clock), WithMetrics(metrics.New()))

	airportID := store.AddAirport(models.Airport{Identifier: "KAPA", TimeZone: "America/Denver"})
	customerID := store.AddCustomer(models.BillingCustomer{RemoteID: "cus_1", Email: "tenant@example.com"})
	agreementID := store.AddRentalAgreement(models.RentalAgreement{
		AirportID:   airportID,
		CustomerID:  &customerID,
		HangarCode:  "B-14",
		TenantEmail: "tenant@example.com",
		Rent:        decimal.NewFromInt(1200),
		StartDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	fake.Customers["cus_1"] = &gateway.Customer{ID: "cus_1", Email: "tenant@example.com"}
	customer, err := repos.Customers.GetByID(context.Background(), customerID)
	require.NoError(t, err)

	return &testEnv{svc: svc, repos: repos, store: store, fake: fake, agreement: agreementID, customer: customer}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (e *testEnv) localInvoice(t *testing.T, charged string, status models.RentalInvoiceStatus) uint {
	t.Helper()
	ri := &models.RentalInvoice{
		RentalAgreementID: e.agreement,
		PeriodStartDate:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEndDate:     time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		AmountCharged:     money(charged),
		StatusCode:        status,
	}
	require.NoError(t, e.repos.RentalInvoices.Create(context.Background(), ri))
	return ri.ID
}

// remoteInvoice seeds a gateway invoice, its projection and a linked ledger row.
func (e *testEnv) remoteInvoice(t *testing.T, remoteID string, cents int64, remoteStatus string, local models.RentalInvoiceStatus) uint {
	t.Helper()
	ctx := context.Background()
	e.fake.Invoices[remoteID] = &gateway.Invoice{
		ID: remoteID, CustomerID: "cus_1", Status: remoteStatus, TotalMinor: cents, AmountRemaining: cents,
	}
	inv := &models.BillingInvoice{
		RemoteID:        remoteID,
		CustomerID:      e.customer.ID,
		Status:          models.InvoiceStatus(remoteStatus),
		AmountCharged:   billing.MinorToDecimal(cents),
		AmountRemaining: billing.MinorToDecimal(cents),
	}
	require.NoError(t, e.repos.Invoices.Upsert(ctx, inv))
	ri := &models.RentalInvoice{
		RentalAgreementID: e.agreement,
		InvoiceID:         &inv.ID,
		PeriodStartDate:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEndDate:     time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		AmountCharged:     billing.MinorToDecimal(cents),
		StatusCode:        local,
	}
	require.NoError(t, e.repos.RentalInvoices.Create(ctx, ri))
	return ri.ID
}

func (e *testEnv) projection(t *testing.T, remoteID string) *models.BillingInvoice {
	t.Helper()
	inv, err := e.repos.Invoices.GetByRemoteID(context.Background(), remoteID)
	require.NoError(t, err)
	return inv
}

func TestPartialPaymentsAccumulateToPaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.localInvoice(t, "1200.00", models.RentalInvoiceOpen)

	first := money("500.00")
	ri, err := e.svc.Pay(ctx, id, Payment{Amount: &first, Method: models.PaymentCheck})
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceOpen, ri.StatusCode)
	assert.True(t, money("500").Equal(ri.AmountPaid))
	assert.Nil(t, ri.DatePaid)

	second := money("700.00")
	ri, err = e.svc.Pay(ctx, id, Payment{Amount: &second})
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoicePaid, ri.StatusCode)
	assert.True(t, money("1200").Equal(ri.AmountPaid))
	require.NotNil(t, ri.DatePaid)
	assert.Equal(t, fixedNow, *ri.DatePaid)
	require.NotNil(t, ri.PaymentMethodCode)
	assert.Equal(t, models.PaymentCheck, *ri.PaymentMethodCode)

	assert.Empty(t, e.fake.Calls)
}

func TestPartialPaymentOnRemoteInvoiceIsCreditNote(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.remoteInvoice(t, "in_1", 120000, "open", models.RentalInvoiceOpen)

	first := money("500")
	_, err := e.svc.Pay(ctx, id, Payment{Amount: &first, Method: models.PaymentCash})
	require.NoError(t, err)
	require.Len(t, e.fake.CreditNotes, 1)
	assert.Equal(t, int64(50000), e.fake.CreditNotes[0].AmountMinor)
	assert.Equal(t, "Partial out-of-band payment", e.fake.CreditNotes[0].Memo)
	assert.Zero(t, e.fake.CallCount("mark invoice paid"))
	assert.True(t, money("700").Equal(e.projection(t, "in_1").AmountRemaining))

	ri, err := e.svc.Pay(ctx, id, Payment{})
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoicePaid, ri.StatusCode)
	assert.True(t, money("1200").Equal(ri.AmountPaid))
	assert.Equal(t, 1, e.fake.CallCount("mark invoice paid"))
	assert.Equal(t, models.InvoicePaid, e.projection(t, "in_1").Status)
}

func TestPayIsIdempotentOnPaidInvoice(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 5000, "paid", models.RentalInvoicePaid)

	ri, err := e.svc.Pay(context.Background(), id, Payment{})
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoicePaid, ri.StatusCode)
	assert.Empty(t, e.fake.Calls)
}

func TestPayRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	open := e.localInvoice(t, "100", models.RentalInvoiceOpen)
	cancelled := e.localInvoice(t, "100", models.RentalInvoiceCancelled)

	zero := decimal.Zero
	_, err := e.svc.Pay(ctx, open, Payment{Amount: &zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.svc.Pay(ctx, open, Payment{Method: "ZZ"})
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)

	_, err = e.svc.Pay(ctx, cancelled, Payment{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = e.svc.Pay(ctx, 9999, Payment{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemotePaymentFailureLeavesLedgerUnchanged(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 10000, "open", models.RentalInvoiceOpen)
	e.fake.SetError("mark invoice paid", gateway.NewError(gateway.Transient, "mark invoice paid", "timeout"))

	_, err := e.svc.Pay(context.Background(), id, Payment{})
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Contains(t, err.Error(), "record payment failed: remote state was not changed")

	ri := e.store.Rental(id)
	assert.Equal(t, models.RentalInvoiceOpen, ri.StatusCode)
	assert.True(t, ri.AmountPaid.IsZero())
}

func TestCancelPaidRemoteInvoiceIsRefused(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 10000, "open", models.RentalInvoiceOpen)
	e.fake.Invoices["in_1"].Status = "paid"

	_, err := e.svc.Cancel(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot void a paid invoice.")
	var perr *PermanentError
	require.True(t, errors.As(err, &perr))
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "cancel invoice", rerr.Operation)

	assert.Equal(t, models.RentalInvoiceOpen, e.store.Rental(id).StatusCode)
	assert.Zero(t, e.fake.CallCount("void invoice"))
}

func TestCancelVoidsOpenRemoteInvoice(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 10000, "open", models.RentalInvoiceOpen)

	ri, err := e.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceCancelled, ri.StatusCode)
	assert.Equal(t, "void", e.fake.Invoices["in_1"].Status)
	assert.Equal(t, models.InvoiceVoid, e.projection(t, "in_1").Status)

	again, err := e.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceCancelled, again.StatusCode)
	assert.Equal(t, 1, e.fake.CallCount("void invoice"))
}

func TestCancelDeletesRemoteDraft(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 10000, "draft", models.RentalInvoiceDraft)

	ri, err := e.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceCancelled, ri.StatusCode)
	assert.NotContains(t, e.fake.Invoices, "in_1")
	assert.Equal(t, models.InvoiceDeleted, e.projection(t, "in_1").Status)
}

func TestCancelRemoteFailureKeepsLocalStatus(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 10000, "open", models.RentalInvoiceOpen)
	e.fake.SetError("void invoice", gateway.NewError(gateway.Transient, "void invoice", "connection reset"))

	_, err := e.svc.Cancel(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel invoice failed: remote state was not changed")
	assert.Equal(t, models.RentalInvoiceOpen, e.store.Rental(id).StatusCode)
}

func TestCancelRejectsPaidLocalInvoice(t *testing.T) {
	e := newEnv(t)
	id := e.localInvoice(t, "100", models.RentalInvoicePaid)

	_, err := e.svc.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestWaiveIsFixedPoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.remoteInvoice(t, "in_1", 30000, "open", models.RentalInvoiceOpen)

	first, err := e.svc.Waive(ctx, id, "")
	require.NoError(t, err)
	second, err := e.svc.Waive(ctx, id, "")
	require.NoError(t, err)

	assert.Equal(t, models.RentalInvoiceWaived, first.StatusCode)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	require.Len(t, e.fake.CreditNotes, 1)
	assert.Equal(t, int64(30000), e.fake.CreditNotes[0].AmountMinor)
	assert.Equal(t, "Remaining balance waived.", e.fake.CreditNotes[0].Memo)
}

func TestWaivePaidInvoiceIssuesNoCredit(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 30000, "paid", models.RentalInvoicePaid)
	e.fake.Invoices["in_1"].AmountRemaining = 0

	ri, err := e.svc.Waive(context.Background(), id, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, models.RentalInvoiceWaived, ri.StatusCode)
	assert.Empty(t, e.fake.CreditNotes)
}

func TestWaiveRejectsDraft(t *testing.T) {
	e := newEnv(t)
	id := e.localInvoice(t, "100", models.RentalInvoiceDraft)

	_, err := e.svc.Waive(context.Background(), id, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestWaiveRemoteFailure(t *testing.T) {
	e := newEnv(t)
	id := e.remoteInvoice(t, "in_1", 30000, "open", models.RentalInvoiceOpen)
	e.fake.SetError("apply credit", gateway.NewError(gateway.Permanent, "apply credit", "invoice locked"))

	_, err := e.svc.Waive(context.Background(), id, "")
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, gateway.Permanent, gateway.KindOf(err))
	assert.Equal(t, models.RentalInvoiceOpen, e.store.Rental(id).StatusCode)
}
