package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
)

// WebhookEventRepository defines the operations on the append-only webhook log
type WebhookEventRepository interface {
	Create(ctx context.Context, event *models.BillingWebhookEvent) error
	GetByID(ctx context.Context, id uint) (*models.BillingWebhookEvent, error)
	MarkRefreshed(ctx context.Context, id uint) error
	MarkProcessed(ctx context.Context, id uint) error
	// MarkIgnored sets processed without refreshed, for events nothing handles.
	MarkIgnored(ctx context.Context, id uint) error
	MarkArchived(ctx context.Context, id uint, at time.Time) error
	// ListUnprocessed returns events created before olderThan, oldest first.
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingWebhookEvent, error)
}

// CustomerRepository defines the operations on customer projections
type CustomerRepository interface {
	Upsert(ctx context.Context, customer *models.BillingCustomer) error
	GetByID(ctx context.Context, id uint) (*models.BillingCustomer, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingCustomer, error)
	GetByEmail(ctx context.Context, email string) (*models.BillingCustomer, error)
	MarkDeleted(ctx context.Context, remoteID string) error
}

// SubscriptionRepository defines the operations on subscription projections
type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *models.BillingSubscription) error
	GetByID(ctx context.Context, id uint) (*models.BillingSubscription, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingSubscription, error)
	MarkCanceled(ctx context.Context, remoteID string, at time.Time) error
	ListByRentalAgreement(ctx context.Context, agreementID uint) ([]models.BillingSubscription, error)
}

// InvoiceRepository defines the operations on invoice projections
type InvoiceRepository interface {
	Upsert(ctx context.Context, invoice *models.BillingInvoice) error
	GetByID(ctx context.Context, id uint) (*models.BillingInvoice, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingInvoice, error)
	MarkDeleted(ctx context.Context, remoteID string) error
	ListBySubscription(ctx context.Context, subscriptionID uint) ([]models.BillingInvoice, error)
}

// RentalInvoiceRepository defines the operations on the local rent ledger
type RentalInvoiceRepository interface {
	Create(ctx context.Context, ri *models.RentalInvoice) error
	GetByID(ctx context.Context, id uint) (*models.RentalInvoice, error)
	// GetByIDForUpdate locks the row until the surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id uint) (*models.RentalInvoice, error)
	Update(ctx context.Context, ri *models.RentalInvoice) error
	GetByInvoiceID(ctx context.Context, invoiceID uint) (*models.RentalInvoice, error)
	ListByAgreement(ctx context.Context, agreementID uint) ([]models.RentalInvoice, error)
}

// RentalAgreementRepository defines the read side of rental agreements
type RentalAgreementRepository interface {
	GetByID(ctx context.Context, id uint) (*models.RentalAgreement, error)
	ListActiveByAirport(ctx context.Context, airportID uint, day time.Time) ([]models.RentalAgreement, error)
	SetCustomer(ctx context.Context, agreementID, customerID uint) error
}

// AirportRepository defines the read side of airports
type AirportRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Airport, error)
	GetByRemoteAccountID(ctx context.Context, accountID string) (*models.Airport, error)
	List(ctx context.Context) ([]models.Airport, error)
}

// CheckoutSessionRepository defines the operations on checkout session projections
type CheckoutSessionRepository interface {
	Upsert(ctx context.Context, session *models.BillingCheckoutSession) error
	GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingCheckoutSession, error)
}

// ConnectedAccountRepository defines the operations on connected account projections
type ConnectedAccountRepository interface {
	Upsert(ctx context.Context, account *models.BillingConnectedAccount) error
	GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingConnectedAccount, error)
}

// BillingErrorRepository defines the operations on the operator error log
type BillingErrorRepository interface {
	Create(ctx context.Context, e *models.BillingError) error
	// LatestByReference returns the newest error per reference within one context.
	LatestByReference(ctx context.Context, errContext string, references []string) (map[string]models.BillingError, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	WebhookEvents     WebhookEventRepository
	Customers         CustomerRepository
	Subscriptions     SubscriptionRepository
	Invoices          InvoiceRepository
	RentalInvoices    RentalInvoiceRepository
	RentalAgreements  RentalAgreementRepository
	Airports          AirportRepository
	CheckoutSessions  CheckoutSessionRepository
	ConnectedAccounts ConnectedAccountRepository
	Errors            BillingErrorRepository

	// transact runs fn with repositories bound to one transaction.
	transact func(ctx context.Context, fn func(*Repositories) error) error
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	repos := &Repositories{
		WebhookEvents:     NewWebhookEventRepository(db),
		Customers:         NewCustomerRepository(db),
		Subscriptions:     NewSubscriptionRepository(db),
		Invoices:          NewInvoiceRepository(db),
		RentalInvoices:    NewRentalInvoiceRepository(db),
		RentalAgreements:  NewRentalAgreementRepository(db),
		Airports:          NewAirportRepository(db),
		CheckoutSessions:  NewCheckoutSessionRepository(db),
		ConnectedAccounts: NewConnectedAccountRepository(db),
		Errors:            NewBillingErrorRepository(db),
	}
	repos.transact = func(ctx context.Context, fn func(*Repositories) error) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(NewRepositories(tx))
		})
	}
	return repos
}

// WithTransactor replaces how Transaction opens a unit of work. Stores without
// transactions use it to run fn directly.
func (r *Repositories) WithTransactor(fn func(ctx context.Context, fn func(*Repositories) error) error) *Repositories {
	r.transact = fn
	return r
}

// Transaction runs fn inside one database transaction. fn receives
// repositories bound to that transaction; returning an error rolls back.
func (r *Repositories) Transaction(ctx context.Context, fn func(*Repositories) error) error {
	if r.transact == nil {
		return fn(r)
	}
	return r.transact(ctx, fn)
}

// reloadByRemoteID reads the stored row back into dst. A fresh value is
// scanned so the primary key left behind by the upsert does not narrow the query.
func reloadByRemoteID[T any](db *gorm.DB, remoteID string, dst *T) error {
	var stored T
	if err := db.Where("remote_id = ?", remoteID).First(&stored).Error; err != nil {
		return err
	}
	*dst = stored
	return nil
}
