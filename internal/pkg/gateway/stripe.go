package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/creditnote"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/invoiceitem"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider on top of stripe-go.
type StripeProvider struct {
	webhookSecret string
}

// NewStripeProvider configures the stripe-go API key and returns a provider
// that verifies webhooks with webhookSecret.
func NewStripeProvider(apiKey, webhookSecret string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{webhookSecret: webhookSecret}
}

// ForAccount returns a gateway acting on behalf of the connected account.
func (p *StripeProvider) ForAccount(accountID string) Gateway {
	return &stripeGateway{account: accountID}
}

// ConstructEvent verifies the signature and extracts the event identity.
func (p *StripeProvider) ConstructEvent(payload []byte, signatureHeader string) (*Envelope, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &Error{Kind: AuthFailure, Operation: "construct event", Message: "signature verification failed", Err: err}
	}
	return envelopeFromEvent(&event), nil
}

func envelopeFromEvent(event *stripe.Event) *Envelope {
	env := &Envelope{
		EventID:   event.ID,
		EventType: string(event.Type),
		AccountID: event.Account,
	}
	if event.Data != nil && event.Data.Object != nil {
		if raw, ok := event.Data.Object["object"].(string); ok {
			env.RawObjectType = raw
		}
		if id, ok := event.Data.Object["id"].(string); ok {
			env.ObjectID = id
		}
	}
	env.ObjectType = ParseObjectType(env.RawObjectType)
	return env
}

type stripeGateway struct {
	account string
}

// scoped applies the connected account header to any params value.
func (g *stripeGateway) scoped(p interface{ SetStripeAccount(string) }) {
	if g.account != "" {
		p.SetStripeAccount(g.account)
	}
}

func (g *stripeGateway) CreateCustomer(ctx context.Context, in CustomerParams) (*Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(in.Email),
	}
	if in.Name != "" {
		params.Name = stripe.String(in.Name)
	}
	params.Metadata = copyMetadata(in.Metadata)
	params.Context = ctx
	g.scoped(params)
	c, err := customer.New(params)
	if err != nil {
		return nil, classify("create customer", err)
	}
	return customerFromStripe(c), nil
}

func (g *stripeGateway) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	g.scoped(params)
	c, err := customer.Get(id, params)
	if err != nil {
		return nil, classify("get customer", err)
	}
	return customerFromStripe(c), nil
}

func (g *stripeGateway) CreateSubscription(ctx context.Context, in SubscriptionParams) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{{
			PriceData: &stripe.SubscriptionItemPriceDataParams{
				Currency:   stripe.String(in.Price.Currency),
				Product:    stripe.String(in.Price.ProductID),
				UnitAmount: stripe.Int64(in.Price.UnitAmount),
				Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
					Interval: stripe.String(in.Price.Interval),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	applyStartSettings(in.Start, func(days int64) { params.TrialPeriodDays = stripe.Int64(days) },
		func(anchor int64) { params.BillingCycleAnchor = stripe.Int64(anchor) },
		func(behavior string) { params.ProrationBehavior = stripe.String(behavior) })
	params.Metadata = copyMetadata(in.Start.Metadata)
	if in.ChargeAutomatically {
		params.CollectionMethod = stripe.String(string(stripe.SubscriptionCollectionMethodChargeAutomatically))
	} else {
		params.CollectionMethod = stripe.String(string(stripe.SubscriptionCollectionMethodSendInvoice))
		params.DaysUntilDue = stripe.Int64(in.DaysUntilDue)
	}
	if in.DestinationAccount != "" {
		params.OnBehalfOf = stripe.String(in.DestinationAccount)
		params.TransferData = &stripe.SubscriptionTransferDataParams{Destination: stripe.String(in.DestinationAccount)}
	}
	if in.ApplicationFeePercent > 0 {
		params.ApplicationFeePercent = stripe.Float64(in.ApplicationFeePercent)
	}
	params.Context = ctx
	g.scoped(params)
	s, err := subscription.New(params)
	if err != nil {
		return nil, classify("create subscription", err)
	}
	return subscriptionFromStripe(s), nil
}

func (g *stripeGateway) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	g.scoped(params)
	s, err := subscription.Get(id, params)
	if err != nil {
		return nil, classify("get subscription", err)
	}
	return subscriptionFromStripe(s), nil
}

func (g *stripeGateway) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	g.scoped(params)
	s, err := subscription.Cancel(id, params)
	if err != nil {
		return nil, classify("cancel subscription", err)
	}
	return subscriptionFromStripe(s), nil
}

func (g *stripeGateway) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]*Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(int64(limit))
	params.Single = true
	params.Context = ctx
	g.scoped(params)

	var out []*Subscription
	it := subscription.List(params)
	for it.Next() {
		out = append(out, subscriptionFromStripe(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, classify("list subscriptions", err)
	}
	return out, nil
}

func (g *stripeGateway) CreateInvoice(ctx context.Context, in InvoiceParams) (*Invoice, error) {
	params := &stripe.InvoiceParams{
		Customer:         stripe.String(in.CustomerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:     stripe.Int64(in.DaysUntilDue),
		AutoAdvance:      stripe.Bool(false),
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	params.Metadata = copyMetadata(in.Metadata)
	params.Context = ctx
	g.scoped(params)
	inv, err := invoice.New(params)
	if err != nil {
		return nil, classify("create invoice", err)
	}

	itemParams := &stripe.InvoiceItemParams{
		Customer:    stripe.String(in.CustomerID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(in.AmountMinor),
		Currency:    stripe.String(in.Currency),
		Description: stripe.String(in.Description),
	}
	itemParams.Context = ctx
	g.scoped(itemParams)
	if _, err := invoiceitem.New(itemParams); err != nil {
		return nil, classify("create invoice item", err)
	}

	finalize := &stripe.InvoiceFinalizeInvoiceParams{}
	finalize.Context = ctx
	g.scoped(finalize)
	inv, err = invoice.FinalizeInvoice(inv.ID, finalize)
	if err != nil {
		return nil, classify("finalize invoice", err)
	}
	return invoiceFromStripe(inv), nil
}

func (g *stripeGateway) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	g.scoped(params)
	inv, err := invoice.Get(id, params)
	if err != nil {
		return nil, classify("get invoice", err)
	}
	return invoiceFromStripe(inv), nil
}

func (g *stripeGateway) VoidInvoice(ctx context.Context, id string) (*Invoice, error) {
	params := &stripe.InvoiceVoidInvoiceParams{}
	params.Context = ctx
	g.scoped(params)
	inv, err := invoice.VoidInvoice(id, params)
	if err != nil {
		return nil, classify("void invoice", err)
	}
	return invoiceFromStripe(inv), nil
}

func (g *stripeGateway) DeleteDraftInvoice(ctx context.Context, id string) error {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	g.scoped(params)
	if _, err := invoice.Del(id, params); err != nil {
		return classify("delete draft invoice", err)
	}
	return nil
}

func (g *stripeGateway) ApplyCredit(ctx context.Context, invoiceID string, amountMinor int64, reason string) (*CreditNote, error) {
	params := &stripe.CreditNoteParams{
		Invoice: stripe.String(invoiceID),
		Amount:  stripe.Int64(amountMinor),
		Memo:    stripe.String(reason),
	}
	params.Context = ctx
	g.scoped(params)
	cn, err := creditnote.New(params)
	if err != nil {
		return nil, classify("apply credit", err)
	}
	return &CreditNote{ID: cn.ID, InvoiceID: invoiceID, AmountMinor: cn.Amount, Memo: cn.Memo}, nil
}

func (g *stripeGateway) MarkInvoicePaid(ctx context.Context, id string) (*Invoice, error) {
	params := &stripe.InvoicePayParams{PaidOutOfBand: stripe.Bool(true)}
	params.Context = ctx
	g.scoped(params)
	inv, err := invoice.Pay(id, params)
	if err != nil {
		return nil, classify("mark invoice paid", err)
	}
	return invoiceFromStripe(inv), nil
}

func (g *stripeGateway) ListInvoices(ctx context.Context, customerID string, limit int) ([]*Invoice, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Limit = stripe.Int64(int64(limit))
	params.Single = true
	params.Context = ctx
	g.scoped(params)

	var out []*Invoice
	it := invoice.List(params)
	for it.Next() {
		out = append(out, invoiceFromStripe(it.Invoice()))
	}
	if err := it.Err(); err != nil {
		return nil, classify("list invoices", err)
	}
	return out, nil
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*CheckoutSession, error) {
	data := &stripe.CheckoutSessionSubscriptionDataParams{}
	applyStartSettings(in.Start, func(days int64) { data.TrialPeriodDays = stripe.Int64(days) },
		func(anchor int64) { data.BillingCycleAnchor = stripe.Int64(anchor) },
		func(behavior string) { data.ProrationBehavior = stripe.String(behavior) })
	data.Metadata = copyMetadata(in.Start.Metadata)
	if in.DestinationAccount != "" {
		data.OnBehalfOf = stripe.String(in.DestinationAccount)
		data.TransferData = &stripe.CheckoutSessionSubscriptionDataTransferDataParams{
			Destination: stripe.String(in.DestinationAccount),
		}
	}
	if in.ApplicationFeePercent > 0 {
		data.ApplicationFeePercent = stripe.Float64(in.ApplicationFeePercent)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(in.CustomerID),
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(in.Price.Currency),
				Product:    stripe.String(in.Price.ProductID),
				UnitAmount: stripe.Int64(in.Price.UnitAmount),
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String(in.Price.Interval),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: data,
	}
	params.Metadata = copyMetadata(in.Start.Metadata)
	params.Context = ctx
	g.scoped(params)
	cs, err := session.New(params)
	if err != nil {
		return nil, classify("create checkout session", err)
	}
	return checkoutSessionFromStripe(cs), nil
}

func (g *stripeGateway) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	g.scoped(params)
	cs, err := session.Get(id, params)
	if err != nil {
		return nil, classify("get checkout session", err)
	}
	return checkoutSessionFromStripe(cs), nil
}

func (g *stripeGateway) GetAccount(ctx context.Context, id string) (*Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	a, err := account.GetByID(id, params)
	if err != nil {
		return nil, classify("get account", err)
	}
	return &Account{
		ID:               a.ID,
		Email:            a.Email,
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
		DetailsSubmitted: a.DetailsSubmitted,
	}, nil
}

func applyStartSettings(s StartSettings, trial func(int64), anchor func(int64), proration func(string)) {
	if s.TrialDays > 0 {
		trial(s.TrialDays)
	}
	if s.BillingCycleAnchor != nil {
		anchor(s.BillingCycleAnchor.Unix())
	}
	if s.ProrationBehavior != "" {
		proration(s.ProrationBehavior)
	}
}

// classify maps a stripe-go error onto the local error kinds.
func classify(operation string, err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		log.Warnf("[Gateway] %s: transport failure: %v", operation, err)
		return &Error{Kind: Transient, Operation: operation, Err: err}
	}

	kind := Permanent
	switch {
	case serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing:
		kind = NotFound
	case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
		kind = AuthFailure
	case serr.HTTPStatusCode == http.StatusTooManyRequests,
		serr.HTTPStatusCode == http.StatusConflict,
		serr.HTTPStatusCode >= http.StatusInternalServerError:
		kind = Transient
	}
	return &Error{
		Kind:      kind,
		Operation: operation,
		Message:   fmt.Sprintf("%s (status %d)", serr.Msg, serr.HTTPStatusCode),
		Err:       err,
	}
}
