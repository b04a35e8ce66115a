// Package gateway is the typed boundary to the external payment gateway. The
// rest of the module only sees the domain types declared here.
package gateway

import (
	"context"
	"time"
)

// Gateway is the set of remote operations the billing engine performs. Every
// method fails with *Error.
type Gateway interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string, limit int) ([]*Subscription, error)

	CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	VoidInvoice(ctx context.Context, id string) (*Invoice, error)
	DeleteDraftInvoice(ctx context.Context, id string) error
	ApplyCredit(ctx context.Context, invoiceID string, amountMinor int64, reason string) (*CreditNote, error)
	MarkInvoicePaid(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]*Invoice, error)

	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)

	GetAccount(ctx context.Context, id string) (*Account, error)
}

// Provider hands out gateways scoped to a connected account. An empty account
// id addresses the platform account.
type Provider interface {
	ForAccount(accountID string) Gateway
	EventVerifier
}

// EventVerifier authenticates a raw webhook body against its signature header.
type EventVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (*Envelope, error)
}

// Envelope is the authenticated, identified part of an inbound notification.
type Envelope struct {
	EventID       string
	EventType     string
	ObjectType    ObjectType
	RawObjectType string
	ObjectID      string
	AccountID     string
}

type Customer struct {
	ID            string
	Email         string
	Name          string
	Balance       int64
	Delinquent    bool
	InvoicePrefix string
	Deleted       bool
	Metadata      map[string]string
}

type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	AmountMinor        int64
	StartDate          *time.Time
	TrialEnd           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	EndedAt            *time.Time
	CancelAt           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CancellationReason string
	Metadata           map[string]string
}

type Invoice struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	Status          string
	TotalMinor      int64
	AmountPaid      int64
	AmountRemaining int64
	DueDate         *time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	HostedURL       string
	Metadata        map[string]string
}

type CreditNote struct {
	ID          string
	InvoiceID   string
	AmountMinor int64
	Memo        string
}

type CheckoutSession struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	URL            string
	Metadata       map[string]string
}

type Account struct {
	ID               string
	Email            string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// RecurringPrice describes the inline rent price of a subscription.
type RecurringPrice struct {
	ProductID   string
	Currency    string
	UnitAmount  int64
	Interval    string
	Description string
}

// StartSettings are the billing start parameters computed for a subscription.
type StartSettings struct {
	TrialDays          int64
	BillingCycleAnchor *time.Time
	ProrationBehavior  string
	Metadata           map[string]string
}

type SubscriptionParams struct {
	CustomerID            string
	Price                 RecurringPrice
	Start                 StartSettings
	DaysUntilDue          int64
	ChargeAutomatically   bool
	ApplicationFeePercent float64
	DestinationAccount    string
}

type InvoiceParams struct {
	CustomerID   string
	AmountMinor  int64
	Currency     string
	Description  string
	DaysUntilDue int64
	Metadata     map[string]string
}

type CheckoutParams struct {
	CustomerID            string
	Price                 RecurringPrice
	Start                 StartSettings
	SuccessURL            string
	CancelURL             string
	ApplicationFeePercent float64
	DestinationAccount    string
}
