package billing

import (
	"context"
	"testing"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository/repositorytest"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAgreement(t *testing.T, store *repositorytest.Store, start time.Time) uint {
	t.Helper()
	airportID := store.AddAirport(models.Airport{
		Identifier:      "KAPA",
		TimeZone:        "America/Denver",
		RemoteAccountID: "acct_kapa",
		FeePercent:      decimal.RequireFromString("0.05"),
	})
	return store.AddRentalAgreement(models.RentalAgreement{
		AirportID:   airportID,
		HangarCode:  "B-14",
		TenantEmail: "tenant@example.com",
		Rent:        decimal.RequireFromString("450.00"),
		StartDate:   start,
	})
}

func TestStartRentalSubscriptionFutureStart(t *testing.T) {
	svc, store, fake := newTestService(t)
	raID := seedAgreement(t, store, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	sub, err := svc.StartRentalSubscription(context.Background(), raID, nil)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionTrialing, sub.Status)
	assert.True(t, decimal.NewFromInt(450).Equal(sub.Amount))
	require.NotNil(t, sub.RentalAgreementID)
	assert.Equal(t, raID, *sub.RentalAgreementID)

	remote := fake.Subscriptions[sub.RemoteID]
	require.NotNil(t, remote)
	assert.Equal(t, "KAPA", remote.Metadata[models.MetadataAirportKey])
	assert.Equal(t, "B-14", remote.Metadata[models.MetadataHangarKey])
	assert.NotContains(t, remote.Metadata, MetadataBackdateStartDate)
}

func TestStartRentalSubscriptionPastStartRecordsBackdate(t *testing.T) {
	svc, store, fake := newTestService(t)
	raID := seedAgreement(t, store, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	collect := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	sub, err := svc.StartRentalSubscription(context.Background(), raID, &collect)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionActive, sub.Status)
	remote := fake.Subscriptions[sub.RemoteID]
	assert.Equal(t, "2024-05-01", remote.Metadata[MetadataBackdateStartDate])
	assert.Equal(t, "9", remote.Metadata[MetadataBackdateDays])
}

func TestStartRentalSubscriptionRejectsSecondActive(t *testing.T) {
	svc, store, fake := newTestService(t)
	raID := seedAgreement(t, store, fixedNow)

	_, err := svc.StartRentalSubscription(context.Background(), raID, nil)
	require.NoError(t, err)

	_, err = svc.StartRentalSubscription(context.Background(), raID, nil)
	assert.ErrorIs(t, err, ErrActiveSubscription)
	_, err = svc.CreateSubscriptionCheckout(context.Background(), raID, nil)
	assert.ErrorIs(t, err, ErrActiveSubscription)
	assert.Equal(t, 1, fake.CallCount("create subscription"))
	assert.Equal(t, 1, fake.CallCount("create customer"))
}

func TestStartRentalSubscriptionAfterCancel(t *testing.T) {
	svc, store, _ := newTestService(t)
	raID := seedAgreement(t, store, fixedNow)

	first, err := svc.StartRentalSubscription(context.Background(), raID, nil)
	require.NoError(t, err)
	require.NoError(t, svc.MarkDeleted(context.Background(), gateway.ObjectSubscription, first.RemoteID))

	second, err := svc.StartRentalSubscription(context.Background(), raID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RemoteID, second.RemoteID)
}

func TestStartRentalSubscriptionUnknownAgreement(t *testing.T) {
	svc, _, fake := newTestService(t)

	_, err := svc.StartRentalSubscription(context.Background(), 404, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fake.Calls)
}

func TestStartRentalSubscriptionGatewayFailureWritesNothing(t *testing.T) {
	svc, store, fake := newTestService(t)
	raID := seedAgreement(t, store, fixedNow)
	fake.SetError("create subscription", gateway.NewError(gateway.Permanent, "create subscription", "no such price"))

	_, err := svc.StartRentalSubscription(context.Background(), raID, nil)
	require.Error(t, err)
	assert.Equal(t, gateway.Permanent, gateway.KindOf(err))
	assert.Empty(t, store.Subscriptions)
}

func TestCreateSubscriptionCheckout(t *testing.T) {
	svc, store, fake := newTestService(t)
	raID := seedAgreement(t, store, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	cs, err := svc.CreateSubscriptionCheckout(context.Background(), raID, nil)
	require.NoError(t, err)

	assert.Equal(t, "open", cs.Status)
	assert.Contains(t, cs.URL, "https://checkout.example/")
	require.NotNil(t, cs.RentalAgreementID)
	assert.Equal(t, raID, *cs.RentalAgreementID)
	require.NotNil(t, cs.CustomerID)
	assert.Equal(t, 1, fake.CallCount("create checkout session"))
	assert.Zero(t, fake.CallCount("create subscription"))
}
