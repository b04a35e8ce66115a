package gateway

import (
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestStripeProviderConstructEvent(t *testing.T) {
	p := NewStripeProvider("sk_test_dummy", testWebhookSecret)
	payload := `{"id":"evt_1","object":"event","type":"invoice.created","account":"acct_9","data":{"object":{"id":"in_1","object":"invoice"}}}`

	env, err := p.ConstructEvent([]byte(payload), signedPayload(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", env.EventID)
	assert.Equal(t, "invoice.created", env.EventType)
	assert.Equal(t, ObjectInvoice, env.ObjectType)
	assert.Equal(t, "invoice", env.RawObjectType)
	assert.Equal(t, "in_1", env.ObjectID)
	assert.Equal(t, "acct_9", env.AccountID)
}

func TestStripeProviderConstructEventBadSignature(t *testing.T) {
	p := NewStripeProvider("sk_test_dummy", testWebhookSecret)
	payload := `{"id":"evt_1","object":"event","type":"invoice.created","data":{"object":{"id":"in_1","object":"invoice"}}}`

	_, err := p.ConstructEvent([]byte(payload), "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.Equal(t, AuthFailure, KindOf(err))
}

func TestEnvelopeBalanceEventHasNoObjectID(t *testing.T) {
	env := envelopeFromEvent(&stripe.Event{
		ID:      "evt_2",
		Type:    "balance.available",
		Account: "acct_7",
		Data:    &stripe.EventData{Object: map[string]interface{}{"object": "balance"}},
	})
	assert.Equal(t, ObjectBalance, env.ObjectType)
	assert.Equal(t, "", env.ObjectID)
	assert.Equal(t, "acct_7", env.AccountID)
}

func TestSubscriptionFromStripe(t *testing.T) {
	s := subscriptionFromStripe(&stripe.Subscription{
		ID:                  "sub_1",
		Customer:            &stripe.Customer{ID: "cus_1"},
		Status:              stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd:   true,
		CancellationDetails: &stripe.SubscriptionCancellationDetails{Reason: "cancellation_requested"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{Price: &stripe.Price{UnitAmount: 45000}, Quantity: 1, CurrentPeriodStart: 1700000000, CurrentPeriodEnd: 1702592000},
			{Price: &stripe.Price{UnitAmount: 2500}, Quantity: 2, CurrentPeriodStart: 1699990000, CurrentPeriodEnd: 1702000000},
		}},
	})

	assert.Equal(t, "cus_1", s.CustomerID)
	assert.Equal(t, "active", s.Status)
	assert.Equal(t, int64(50000), s.AmountMinor)
	assert.Equal(t, "cancellation_requested", s.CancellationReason)
	require.NotNil(t, s.CurrentPeriodStart)
	require.NotNil(t, s.CurrentPeriodEnd)
	assert.Equal(t, int64(1699990000), s.CurrentPeriodStart.Unix())
	assert.Equal(t, int64(1702592000), s.CurrentPeriodEnd.Unix())
	assert.Nil(t, s.TrialEnd)
}

func TestInvoiceFromStripe(t *testing.T) {
	inv := invoiceFromStripe(&stripe.Invoice{
		ID:              "in_1",
		Customer:        &stripe.Customer{ID: "cus_1"},
		Status:          stripe.InvoiceStatusOpen,
		Total:           120000,
		AmountRemaining: 70000,
		AmountPaid:      50000,
		DueDate:         1702592000,
		Metadata:        map[string]string{"rental_agreement_id": "7"},
		Parent: &stripe.InvoiceParent{
			SubscriptionDetails: &stripe.InvoiceParentSubscriptionDetails{
				Subscription: &stripe.Subscription{ID: "sub_1"},
			},
		},
	})

	assert.Equal(t, "cus_1", inv.CustomerID)
	assert.Equal(t, "sub_1", inv.SubscriptionID)
	assert.Equal(t, "open", inv.Status)
	assert.Equal(t, int64(120000), inv.TotalMinor)
	assert.Equal(t, "7", inv.Metadata["rental_agreement_id"])
	require.NotNil(t, inv.DueDate)

	deleted := invoiceFromStripe(&stripe.Invoice{ID: "in_2", Deleted: true})
	assert.Equal(t, "deleted", deleted.Status)
}
