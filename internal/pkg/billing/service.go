package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

var (
	// ErrUnsupportedObject is returned for object types without a projection.
	ErrUnsupportedObject = errors.New("billing: object type has no local projection")
	// ErrActiveSubscription blocks a second rent subscription per agreement.
	ErrActiveSubscription = errors.New("billing: rental agreement already has an active subscription")
	// ErrNoTenantEmail means no gateway customer can be created for the tenant.
	ErrNoTenantEmail = errors.New("billing: rental agreement has no tenant email")
	// ErrCustomerDeleted means the tenant's customer is gone on the gateway.
	ErrCustomerDeleted = errors.New("billing: customer deleted")
	// ErrNotFound wraps missing local rows at the service boundary.
	ErrNotFound = errors.New("billing: not found")
)

// Settings are the product-level parameters of rent subscriptions.
type Settings struct {
	ProductID    string
	Currency     string
	SuccessURL   string
	CancelURL    string
	DaysUntilDue int64
}

// Service keeps the local projections in step with the gateway and creates
// rent subscriptions.
type Service struct {
	repos    *repository.Repositories
	provider gateway.Provider
	settings Settings
	now      func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandSeed makes billing anchor selection reproducible.
func WithRandSeed(seed int64) Option {
	return func(s *Service) { s.rand = rand.New(rand.NewSource(seed)) }
}

// NewService creates a billing service from injected repositories and gateway.
func NewService(repos *repository.Repositories, provider gateway.Provider, settings Settings, opts ...Option) *Service {
	s := &Service{
		repos:    repos,
		provider: provider,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(s.now().UnixNano()))
	}
	return s
}

// Refresh fetches the remote object through gw and upserts its projection.
// accountID is the connected account the object lives on, "" for the platform.
func (s *Service) Refresh(ctx context.Context, gw gateway.Gateway, accountID string, objectType gateway.ObjectType, objectID string) (*RefreshResult, error) {
	switch objectType {
	case gateway.ObjectCustomer:
		return s.RefreshCustomer(ctx, gw, accountID, objectID)
	case gateway.ObjectSubscription:
		return s.RefreshSubscription(ctx, gw, accountID, objectID)
	case gateway.ObjectInvoice:
		return s.RefreshInvoice(ctx, gw, accountID, objectID)
	case gateway.ObjectCheckoutSession:
		return s.RefreshCheckoutSession(ctx, gw, accountID, objectID)
	case gateway.ObjectAccount, gateway.ObjectBalance:
		return s.RefreshAccount(ctx, gw, objectID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedObject, objectType)
	}
}

// MarkDeleted records that the remote object no longer exists.
func (s *Service) MarkDeleted(ctx context.Context, objectType gateway.ObjectType, objectID string) error {
	switch objectType {
	case gateway.ObjectCustomer:
		return s.repos.Customers.MarkDeleted(ctx, objectID)
	case gateway.ObjectInvoice:
		return s.repos.Invoices.MarkDeleted(ctx, objectID)
	case gateway.ObjectSubscription:
		return s.repos.Subscriptions.MarkCanceled(ctx, objectID, s.now())
	default:
		return nil
	}
}

func (s *Service) RefreshCustomer(ctx context.Context, gw gateway.Gateway, accountID, remoteID string) (*RefreshResult, error) {
	remote, err := gw.GetCustomer(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	c, created, err := s.UpsertCustomer(ctx, remote, accountID)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{Customer: c, Created: created}, nil
}

// UpsertCustomer writes the projection of a remote customer. The owning user
// link is kept from the stored row.
func (s *Service) UpsertCustomer(ctx context.Context, remote *gateway.Customer, accountID string) (*models.BillingCustomer, bool, error) {
	return s.upsertCustomer(ctx, remote, accountID, nil)
}

func (s *Service) upsertCustomer(ctx context.Context, remote *gateway.Customer, accountID string, userID *uint) (*models.BillingCustomer, bool, error) {
	created, err := s.isNew(s.repos.Customers.GetByRemoteID(ctx, remote.ID))
	if err != nil {
		return nil, false, err
	}
	c := &models.BillingCustomer{
		RemoteID:          remote.ID,
		Email:             customerEmail(remote),
		AccountID:         accountID,
		DisplayName:       remote.Name,
		BalanceMinorUnits: remote.Balance,
		Delinquent:        remote.Delinquent,
		InvoicePrefix:     remote.InvoicePrefix,
		Metadata:          jsonMap(remote.Metadata),
		Deleted:           remote.Deleted,
		UserID:            userID,
	}
	if err := s.repos.Customers.Upsert(ctx, c); err != nil {
		return nil, false, fmt.Errorf("upsert customer %s: %w", remote.ID, err)
	}
	return c, created, nil
}

func (s *Service) RefreshSubscription(ctx context.Context, gw gateway.Gateway, accountID, remoteID string) (*RefreshResult, error) {
	remote, err := gw.GetSubscription(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	sub, created, err := s.UpsertSubscription(ctx, gw, accountID, remote)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{Subscription: sub, Created: created}, nil
}

// UpsertSubscription writes the projection of a remote subscription, pulling
// in its customer first when that has never been seen.
func (s *Service) UpsertSubscription(ctx context.Context, gw gateway.Gateway, accountID string, remote *gateway.Subscription) (*models.BillingSubscription, bool, error) {
	customer, err := s.ensureCustomer(ctx, gw, accountID, remote.CustomerID)
	if err != nil {
		return nil, false, err
	}
	created, err := s.isNew(s.repos.Subscriptions.GetByRemoteID(ctx, remote.ID))
	if err != nil {
		return nil, false, err
	}
	sub := &models.BillingSubscription{
		RemoteID:           remote.ID,
		CustomerID:         customer.ID,
		Status:             models.SubscriptionStatus(remote.Status),
		Amount:             MinorToDecimal(remote.AmountMinor),
		StartDate:          remote.StartDate,
		TrialEndDate:       remote.TrialEnd,
		CurrentPeriodStart: remote.CurrentPeriodStart,
		CurrentPeriodEnd:   remote.CurrentPeriodEnd,
		EndedAt:            remote.EndedAt,
		CancelAt:           remote.CancelAt,
		CancelAtPeriodEnd:  remote.CancelAtPeriodEnd,
		CanceledAt:         remote.CanceledAt,
		CancellationReason: remote.CancellationReason,
		Metadata:           jsonMap(remote.Metadata),
	}
	if id, ok := AgreementIDFromMetadata(remote.Metadata); ok {
		sub.RentalAgreementID = &id
	}
	if err := s.repos.Subscriptions.Upsert(ctx, sub); err != nil {
		return nil, false, fmt.Errorf("upsert subscription %s: %w", remote.ID, err)
	}
	return sub, created, nil
}

func (s *Service) RefreshInvoice(ctx context.Context, gw gateway.Gateway, accountID, remoteID string) (*RefreshResult, error) {
	remote, err := gw.GetInvoice(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	inv, created, err := s.UpsertInvoice(ctx, gw, accountID, remote)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{Invoice: inv, Created: created}, nil
}

// UpsertInvoice writes the projection of a remote invoice, pulling in its
// customer and subscription first when those have never been seen.
func (s *Service) UpsertInvoice(ctx context.Context, gw gateway.Gateway, accountID string, remote *gateway.Invoice) (*models.BillingInvoice, bool, error) {
	customer, err := s.ensureCustomer(ctx, gw, accountID, remote.CustomerID)
	if err != nil {
		return nil, false, err
	}
	var subscriptionID *uint
	if remote.SubscriptionID != "" {
		sub, err := s.ensureSubscription(ctx, gw, accountID, remote.SubscriptionID)
		if err != nil {
			return nil, false, err
		}
		subscriptionID = &sub.ID
	}
	created, err := s.isNew(s.repos.Invoices.GetByRemoteID(ctx, remote.ID))
	if err != nil {
		return nil, false, err
	}
	inv := &models.BillingInvoice{
		RemoteID:        remote.ID,
		CustomerID:      customer.ID,
		SubscriptionID:  subscriptionID,
		Status:          models.InvoiceStatus(remote.Status),
		AmountCharged:   MinorToDecimal(remote.TotalMinor),
		AmountPaid:      MinorToDecimal(remote.AmountPaid),
		AmountRemaining: MinorToDecimal(remote.AmountRemaining),
		PeriodStart:     remote.PeriodStart,
		PeriodEnd:       remote.PeriodEnd,
		DueDate:         remote.DueDate,
		HostedURL:       remote.HostedURL,
		Metadata:        jsonMap(remote.Metadata),
	}
	if err := s.repos.Invoices.Upsert(ctx, inv); err != nil {
		return nil, false, fmt.Errorf("upsert invoice %s: %w", remote.ID, err)
	}
	return inv, created, nil
}

func (s *Service) RefreshCheckoutSession(ctx context.Context, gw gateway.Gateway, accountID, remoteID string) (*RefreshResult, error) {
	remote, err := gw.GetCheckoutSession(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	cs, created, err := s.UpsertCheckoutSession(ctx, gw, accountID, remote)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{CheckoutSession: cs, Created: created}, nil
}

func (s *Service) UpsertCheckoutSession(ctx context.Context, gw gateway.Gateway, accountID string, remote *gateway.CheckoutSession) (*models.BillingCheckoutSession, bool, error) {
	created, err := s.isNew(s.repos.CheckoutSessions.GetByRemoteID(ctx, remote.ID))
	if err != nil {
		return nil, false, err
	}
	cs := &models.BillingCheckoutSession{
		RemoteID:             remote.ID,
		SubscriptionRemoteID: remote.SubscriptionID,
		Status:               remote.Status,
		URL:                  remote.URL,
		Metadata:             jsonMap(remote.Metadata),
	}
	if remote.CustomerID != "" {
		customer, err := s.ensureCustomer(ctx, gw, accountID, remote.CustomerID)
		if err != nil {
			return nil, false, err
		}
		cs.CustomerID = &customer.ID
	}
	if id, ok := AgreementIDFromMetadata(remote.Metadata); ok {
		cs.RentalAgreementID = &id
	}
	if err := s.repos.CheckoutSessions.Upsert(ctx, cs); err != nil {
		return nil, false, fmt.Errorf("upsert checkout session %s: %w", remote.ID, err)
	}
	return cs, created, nil
}

func (s *Service) RefreshAccount(ctx context.Context, gw gateway.Gateway, remoteID string) (*RefreshResult, error) {
	remote, err := gw.GetAccount(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	created, err := s.isNew(s.repos.ConnectedAccounts.GetByRemoteID(ctx, remote.ID))
	if err != nil {
		return nil, err
	}
	acct := &models.BillingConnectedAccount{
		RemoteID:         remote.ID,
		Email:            remote.Email,
		ChargesEnabled:   remote.ChargesEnabled,
		PayoutsEnabled:   remote.PayoutsEnabled,
		DetailsSubmitted: remote.DetailsSubmitted,
	}
	if err := s.repos.ConnectedAccounts.Upsert(ctx, acct); err != nil {
		return nil, fmt.Errorf("upsert account %s: %w", remote.ID, err)
	}
	return &RefreshResult{Account: acct, Created: created}, nil
}

// GetOrCreateCustomer returns the tenant's customer for an agreement, creating
// it on the platform account on first use and linking it to the agreement.
func (s *Service) GetOrCreateCustomer(ctx context.Context, ra *models.RentalAgreement) (*models.BillingCustomer, error) {
	if ra.Customer != nil && !ra.Customer.Deleted {
		return ra.Customer, nil
	}
	email := strings.TrimSpace(strings.ToLower(ra.TenantEmail))
	if email == "" {
		return nil, ErrNoTenantEmail
	}

	customer, err := s.repos.Customers.GetByEmail(ctx, email)
	switch {
	case err == nil && customer.Deleted:
		return nil, fmt.Errorf("%w: customer %s for %s was deleted on the gateway", ErrCustomerDeleted, customer.RemoteID, email)
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		remote, err := s.provider.ForAccount("").CreateCustomer(ctx, gateway.CustomerParams{
			Email:    email,
			Name:     ra.TenantName,
			Metadata: AgreementMetadata(ra),
		})
		if err != nil {
			return nil, err
		}
		customer, _, err = s.upsertCustomer(ctx, remote, "", ra.TenantUserID)
		if err != nil {
			return nil, err
		}
		log.Infof("[Billing] Created customer %s for rental agreement %d", customer.RemoteID, ra.ID)
	default:
		return nil, err
	}

	if ra.CustomerID == nil || *ra.CustomerID != customer.ID {
		if err := s.repos.RentalAgreements.SetCustomer(ctx, ra.ID, customer.ID); err != nil {
			return nil, fmt.Errorf("link customer to rental agreement %d: %w", ra.ID, err)
		}
		ra.CustomerID = &customer.ID
	}
	ra.Customer = customer
	return customer, nil
}

func (s *Service) ensureCustomer(ctx context.Context, gw gateway.Gateway, accountID, remoteID string) (*models.BillingCustomer, error) {
	if remoteID == "" {
		return nil, gateway.NewError(gateway.Permanent, "resolve customer", "remote object has no customer")
	}
	c, err := s.repos.Customers.GetByRemoteID(ctx, remoteID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	res, err := s.RefreshCustomer(ctx, gw, accountID, remoteID)
	if err != nil {
		return nil, err
	}
	return res.Customer, nil
}

func (s *Service) ensureSubscription(ctx context.Context, gw gateway.Gateway, accountID, remoteID string) (*models.BillingSubscription, error) {
	sub, err := s.repos.Subscriptions.GetByRemoteID(ctx, remoteID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	res, err := s.RefreshSubscription(ctx, gw, accountID, remoteID)
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// isNew turns a by-remote-id lookup into "was this missing".
func (s *Service) isNew(_ any, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	return false, err
}

// customerEmail keeps the unique email column usable for customers the
// gateway holds without an address.
func customerEmail(c *gateway.Customer) string {
	if e := strings.TrimSpace(strings.ToLower(c.Email)); e != "" {
		return e
	}
	return c.ID + "@customers.invalid"
}

func (s *Service) anchorRand() (*rand.Rand, func()) {
	s.randMu.Lock()
	return s.rand, s.randMu.Unlock
}
