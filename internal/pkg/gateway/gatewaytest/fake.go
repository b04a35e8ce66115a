// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
)

// ValidSignature is the only signature header Fake.ConstructEvent accepts.
const ValidSignature = "t=1,v1=valid"

// Fake implements gateway.Provider and gateway.Gateway over in-memory maps.
// Set Errors[operation] to make calls of that operation fail until cleared.
type Fake struct {
	mu sync.Mutex

	Customers        map[string]*gateway.Customer
	Subscriptions    map[string]*gateway.Subscription
	Invoices         map[string]*gateway.Invoice
	CheckoutSessions map[string]*gateway.CheckoutSession
	Accounts         map[string]*gateway.Account
	CreditNotes      []*gateway.CreditNote

	Errors map[string]error
	Calls  []string
	Scopes []string

	seq int
}

// New returns an empty fake gateway.
func New() *Fake {
	return &Fake{
		Customers:        map[string]*gateway.Customer{},
		Subscriptions:    map[string]*gateway.Subscription{},
		Invoices:         map[string]*gateway.Invoice{},
		CheckoutSessions: map[string]*gateway.CheckoutSession{},
		Accounts:         map[string]*gateway.Account{},
		Errors:           map[string]error{},
	}
}

func (f *Fake) ForAccount(accountID string) gateway.Gateway {
	f.mu.Lock()
	f.Scopes = append(f.Scopes, accountID)
	f.mu.Unlock()
	return f
}

// ConstructEvent accepts ValidSignature and decodes the envelope fields the
// real provider would extract.
func (f *Fake) ConstructEvent(payload []byte, signatureHeader string) (*gateway.Envelope, error) {
	if signatureHeader != ValidSignature {
		return nil, gateway.NewError(gateway.AuthFailure, "construct event", "signature verification failed")
	}
	var raw struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Account string `json:"account"`
		Data    struct {
			Object struct {
				ID     string `json:"id"`
				Object string `json:"object"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, gateway.NewError(gateway.Permanent, "construct event", err.Error())
	}
	return &gateway.Envelope{
		EventID:       raw.ID,
		EventType:     raw.Type,
		ObjectType:    gateway.ParseObjectType(raw.Data.Object.Object),
		RawObjectType: raw.Data.Object.Object,
		ObjectID:      raw.Data.Object.ID,
		AccountID:     raw.Account,
	}, nil
}

// CallCount returns how many times operation was invoked.
func (f *Fake) CallCount(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == operation {
			n++
		}
	}
	return n
}

// SetError makes operation fail with err; a nil err clears it.
func (f *Fake) SetError(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, operation)
		return
	}
	f.Errors[operation] = err
}

func (f *Fake) call(operation string) error {
	f.Calls = append(f.Calls, operation)
	return f.Errors[operation]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func notFound(operation, id string) error {
	return gateway.NewError(gateway.NotFound, operation, "no such object: "+id)
}

func (f *Fake) CreateCustomer(_ context.Context, params gateway.CustomerParams) (*gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("create customer"); err != nil {
		return nil, err
	}
	c := &gateway.Customer{ID: f.nextID("cus"), Email: params.Email, Name: params.Name, Metadata: params.Metadata}
	f.Customers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *Fake) GetCustomer(_ context.Context, id string) (*gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get customer"); err != nil {
		return nil, err
	}
	c, ok := f.Customers[id]
	if !ok {
		return nil, notFound("get customer", id)
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) CreateSubscription(_ context.Context, params gateway.SubscriptionParams) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("create subscription"); err != nil {
		return nil, err
	}
	status := "active"
	if params.Start.BillingCycleAnchor != nil || params.Start.TrialDays > 0 {
		status = "trialing"
	}
	s := &gateway.Subscription{
		ID:          f.nextID("sub"),
		CustomerID:  params.CustomerID,
		Status:      status,
		AmountMinor: params.Price.UnitAmount,
		Metadata:    params.Start.Metadata,
	}
	f.Subscriptions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *Fake) GetSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get subscription"); err != nil {
		return nil, err
	}
	s, ok := f.Subscriptions[id]
	if !ok {
		return nil, notFound("get subscription", id)
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) CancelSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("cancel subscription"); err != nil {
		return nil, err
	}
	s, ok := f.Subscriptions[id]
	if !ok {
		return nil, notFound("cancel subscription", id)
	}
	s.Status = "canceled"
	cp := *s
	return &cp, nil
}

func (f *Fake) ListSubscriptions(_ context.Context, customerID string, limit int) ([]*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("list subscriptions"); err != nil {
		return nil, err
	}
	var out []*gateway.Subscription
	for _, s := range f.Subscriptions {
		if s.CustomerID == customerID && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) CreateInvoice(_ context.Context, params gateway.InvoiceParams) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("create invoice"); err != nil {
		return nil, err
	}
	inv := &gateway.Invoice{
		ID:              f.nextID("in"),
		CustomerID:      params.CustomerID,
		Status:          "open",
		TotalMinor:      params.AmountMinor,
		AmountRemaining: params.AmountMinor,
		Metadata:        params.Metadata,
	}
	f.Invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (f *Fake) GetInvoice(_ context.Context, id string) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get invoice"); err != nil {
		return nil, err
	}
	inv, ok := f.Invoices[id]
	if !ok {
		return nil, notFound("get invoice", id)
	}
	cp := *inv
	return &cp, nil
}

func (f *Fake) VoidInvoice(_ context.Context, id string) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("void invoice"); err != nil {
		return nil, err
	}
	inv, ok := f.Invoices[id]
	if !ok {
		return nil, notFound("void invoice", id)
	}
	if inv.Status != "open" && inv.Status != "uncollectible" {
		return nil, gateway.NewError(gateway.Permanent, "void invoice", "invoice is "+inv.Status)
	}
	inv.Status = "void"
	cp := *inv
	return &cp, nil
}

func (f *Fake) DeleteDraftInvoice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("delete draft invoice"); err != nil {
		return err
	}
	inv, ok := f.Invoices[id]
	if !ok {
		return notFound("delete draft invoice", id)
	}
	if inv.Status != "draft" {
		return gateway.NewError(gateway.Permanent, "delete draft invoice", "invoice is "+inv.Status)
	}
	delete(f.Invoices, id)
	return nil
}

// ApplyCredit reduces the remaining amount; an invoice credited to zero
// reads as paid, as the real gateway reports it.
func (f *Fake) ApplyCredit(_ context.Context, invoiceID string, amountMinor int64, reason string) (*gateway.CreditNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("apply credit"); err != nil {
		return nil, err
	}
	inv, ok := f.Invoices[invoiceID]
	if !ok {
		return nil, notFound("apply credit", invoiceID)
	}
	inv.AmountRemaining -= amountMinor
	if inv.AmountRemaining <= 0 {
		inv.AmountRemaining = 0
		inv.Status = "paid"
	}
	cn := &gateway.CreditNote{ID: f.nextID("cn"), InvoiceID: invoiceID, AmountMinor: amountMinor, Memo: reason}
	f.CreditNotes = append(f.CreditNotes, cn)
	cp := *cn
	return &cp, nil
}

func (f *Fake) MarkInvoicePaid(_ context.Context, id string) (*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("mark invoice paid"); err != nil {
		return nil, err
	}
	inv, ok := f.Invoices[id]
	if !ok {
		return nil, notFound("mark invoice paid", id)
	}
	inv.AmountPaid += inv.AmountRemaining
	inv.AmountRemaining = 0
	inv.Status = "paid"
	cp := *inv
	return &cp, nil
}

func (f *Fake) ListInvoices(_ context.Context, customerID string, limit int) ([]*gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("list invoices"); err != nil {
		return nil, err
	}
	var out []*gateway.Invoice
	for _, inv := range f.Invoices {
		if inv.CustomerID == customerID && len(out) < limit {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("create checkout session"); err != nil {
		return nil, err
	}
	cs := &gateway.CheckoutSession{
		ID:         f.nextID("cs"),
		CustomerID: params.CustomerID,
		Status:     "open",
		URL:        "https://checkout.example/" + params.CustomerID,
		Metadata:   params.Start.Metadata,
	}
	f.CheckoutSessions[cs.ID] = cs
	cp := *cs
	return &cp, nil
}

func (f *Fake) GetCheckoutSession(_ context.Context, id string) (*gateway.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get checkout session"); err != nil {
		return nil, err
	}
	cs, ok := f.CheckoutSessions[id]
	if !ok {
		return nil, notFound("get checkout session", id)
	}
	cp := *cs
	return &cp, nil
}

func (f *Fake) GetAccount(_ context.Context, id string) (*gateway.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("get account"); err != nil {
		return nil, err
	}
	a, ok := f.Accounts[id]
	if !ok {
		return nil, notFound("get account", id)
	}
	cp := *a
	return &cp, nil
}
