// Package repositorytest provides in-memory repositories for service tests.
package repositorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"gorm.io/gorm"
)

// Store holds every table in memory. Rows are copied on the way in and out so
// callers cannot mutate stored state by accident.
type Store struct {
	mu     sync.Mutex
	nextID uint
	now    func() time.Time

	WebhookEvents     map[uint]*models.BillingWebhookEvent
	Customers         map[uint]*models.BillingCustomer
	Subscriptions     map[uint]*models.BillingSubscription
	Invoices          map[uint]*models.BillingInvoice
	RentalInvoices    map[uint]*models.RentalInvoice
	RentalAgreements  map[uint]*models.RentalAgreement
	Airports          map[uint]*models.Airport
	CheckoutSessions  map[uint]*models.BillingCheckoutSession
	ConnectedAccounts map[uint]*models.BillingConnectedAccount
	Errors            []models.BillingError
}

// New returns an empty store and repositories reading from it. Transaction
// runs its function directly against the same store.
func New() (*repository.Repositories, *Store) {
	s := &Store{
		now:               time.Now,
		WebhookEvents:     map[uint]*models.BillingWebhookEvent{},
		Customers:         map[uint]*models.BillingCustomer{},
		Subscriptions:     map[uint]*models.BillingSubscription{},
		Invoices:          map[uint]*models.BillingInvoice{},
		RentalInvoices:    map[uint]*models.RentalInvoice{},
		RentalAgreements:  map[uint]*models.RentalAgreement{},
		Airports:          map[uint]*models.Airport{},
		CheckoutSessions:  map[uint]*models.BillingCheckoutSession{},
		ConnectedAccounts: map[uint]*models.BillingConnectedAccount{},
	}
	repos := &repository.Repositories{
		WebhookEvents:     webhookEvents{s},
		Customers:         customers{s},
		Subscriptions:     subscriptions{s},
		Invoices:          invoices{s},
		RentalInvoices:    rentalInvoices{s},
		RentalAgreements:  rentalAgreements{s},
		Airports:          airports{s},
		CheckoutSessions:  checkoutSessions{s},
		ConnectedAccounts: connectedAccounts{s},
		Errors:            billingErrors{s},
	}
	repos.WithTransactor(func(ctx context.Context, fn func(*repository.Repositories) error) error {
		return fn(repos)
	})
	return repos, s
}

// SetClock overrides the timestamps assigned on insert.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// AddAirport seeds an airport and returns its id.
func (s *Store) AddAirport(a models.Airport) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.Airports[a.ID] = &a
	return a.ID
}

// AddRentalAgreement seeds an agreement and returns its id.
func (s *Store) AddRentalAgreement(ra models.RentalAgreement) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ra.ID == 0 {
		ra.ID = s.id()
	}
	ra.Airport, ra.Customer = nil, nil
	s.RentalAgreements[ra.ID] = &ra
	return ra.ID
}

// AddCustomer seeds a customer and returns its id.
func (s *Store) AddCustomer(c models.BillingCustomer) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.Customers[c.ID] = &c
	return c.ID
}

// Rental returns a copy of a stored rental invoice, or nil.
func (s *Store) Rental(id uint) *models.RentalInvoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	ri, ok := s.RentalInvoices[id]
	if !ok {
		return nil
	}
	cp := *ri
	return &cp
}

// Event returns a copy of a stored webhook event, or nil.
func (s *Store) Event(id uint) *models.BillingWebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.WebhookEvents[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

type webhookEvents struct{ s *Store }

func (r webhookEvents) Create(_ context.Context, event *models.BillingWebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	event.ID = r.s.id()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.s.now()
	}
	cp := *event
	r.s.WebhookEvents[event.ID] = &cp
	return nil
}

func (r webhookEvents) GetByID(_ context.Context, id uint) (*models.BillingWebhookEvent, error) {
	if e := r.s.Event(id); e != nil {
		return e, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r webhookEvents) update(id uint, fn func(*models.BillingWebhookEvent)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e, ok := r.s.WebhookEvents[id]; ok {
		fn(e)
	}
	return nil
}

func (r webhookEvents) MarkRefreshed(_ context.Context, id uint) error {
	return r.update(id, func(e *models.BillingWebhookEvent) { e.Refreshed = true })
}

func (r webhookEvents) MarkProcessed(_ context.Context, id uint) error {
	return r.update(id, func(e *models.BillingWebhookEvent) { e.Refreshed, e.Processed = true, true })
}

func (r webhookEvents) MarkIgnored(_ context.Context, id uint) error {
	return r.update(id, func(e *models.BillingWebhookEvent) { e.Processed = true })
}

func (r webhookEvents) MarkArchived(_ context.Context, id uint, at time.Time) error {
	return r.update(id, func(e *models.BillingWebhookEvent) {
		if e.ArchivedAt == nil {
			e.ArchivedAt = &at
		}
	})
}

func (r webhookEvents) ListUnprocessed(_ context.Context, olderThan time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.BillingWebhookEvent
	for _, e := range r.s.WebhookEvents {
		if !e.Processed && !e.CreatedAt.After(olderThan) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type customers struct{ s *Store }

func (r customers) Upsert(_ context.Context, c *models.BillingCustomer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.Customers {
		if existing.RemoteID == c.RemoteID {
			c.ID, c.CreatedAt = id, existing.CreatedAt
			if existing.UserID != nil {
				c.UserID = existing.UserID
			}
			cp := *c
			r.s.Customers[id] = &cp
			return nil
		}
	}
	c.ID = r.s.id()
	cp := *c
	r.s.Customers[c.ID] = &cp
	return nil
}

func (r customers) find(match func(*models.BillingCustomer) bool) (*models.BillingCustomer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.Customers {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r customers) GetByID(_ context.Context, id uint) (*models.BillingCustomer, error) {
	return r.find(func(c *models.BillingCustomer) bool { return c.ID == id })
}

func (r customers) GetByRemoteID(_ context.Context, remoteID string) (*models.BillingCustomer, error) {
	return r.find(func(c *models.BillingCustomer) bool { return c.RemoteID == remoteID })
}

func (r customers) GetByEmail(_ context.Context, email string) (*models.BillingCustomer, error) {
	return r.find(func(c *models.BillingCustomer) bool { return c.Email == email })
}

func (r customers) MarkDeleted(_ context.Context, remoteID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.Customers {
		if c.RemoteID == remoteID {
			c.Deleted = true
		}
	}
	return nil
}

type subscriptions struct{ s *Store }

func (r subscriptions) Upsert(_ context.Context, sub *models.BillingSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.Subscriptions {
		if existing.RemoteID == sub.RemoteID {
			sub.ID, sub.CreatedAt = id, existing.CreatedAt
			if sub.RentalAgreementID == nil {
				sub.RentalAgreementID = existing.RentalAgreementID
			}
			cp := *sub
			r.s.Subscriptions[id] = &cp
			return nil
		}
	}
	sub.ID = r.s.id()
	sub.CreatedAt = r.s.now()
	cp := *sub
	r.s.Subscriptions[sub.ID] = &cp
	return nil
}

func (r subscriptions) find(match func(*models.BillingSubscription) bool) (*models.BillingSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.Subscriptions {
		if match(sub) {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r subscriptions) GetByID(_ context.Context, id uint) (*models.BillingSubscription, error) {
	return r.find(func(sub *models.BillingSubscription) bool { return sub.ID == id })
}

func (r subscriptions) GetByRemoteID(_ context.Context, remoteID string) (*models.BillingSubscription, error) {
	return r.find(func(sub *models.BillingSubscription) bool { return sub.RemoteID == remoteID })
}

func (r subscriptions) MarkCanceled(_ context.Context, remoteID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.Subscriptions {
		if sub.RemoteID == remoteID {
			sub.Status = models.SubscriptionCanceled
			if sub.EndedAt == nil {
				sub.EndedAt = &at
			}
		}
	}
	return nil
}

func (r subscriptions) ListByRentalAgreement(_ context.Context, agreementID uint) ([]models.BillingSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.BillingSubscription
	for _, sub := range r.s.Subscriptions {
		if sub.RentalAgreementID != nil && *sub.RentalAgreementID == agreementID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type invoices struct{ s *Store }

func (r invoices) Upsert(_ context.Context, inv *models.BillingInvoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.Invoices {
		if existing.RemoteID == inv.RemoteID {
			inv.ID, inv.CreatedAt = id, existing.CreatedAt
			cp := *inv
			r.s.Invoices[id] = &cp
			return nil
		}
	}
	inv.ID = r.s.id()
	cp := *inv
	r.s.Invoices[inv.ID] = &cp
	return nil
}

func (r invoices) find(match func(*models.BillingInvoice) bool) (*models.BillingInvoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, inv := range r.s.Invoices {
		if match(inv) {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r invoices) GetByID(_ context.Context, id uint) (*models.BillingInvoice, error) {
	return r.find(func(inv *models.BillingInvoice) bool { return inv.ID == id })
}

func (r invoices) GetByRemoteID(_ context.Context, remoteID string) (*models.BillingInvoice, error) {
	return r.find(func(inv *models.BillingInvoice) bool { return inv.RemoteID == remoteID })
}

func (r invoices) MarkDeleted(_ context.Context, remoteID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, inv := range r.s.Invoices {
		if inv.RemoteID == remoteID {
			inv.Status = models.InvoiceDeleted
		}
	}
	return nil
}

func (r invoices) ListBySubscription(_ context.Context, subscriptionID uint) ([]models.BillingInvoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.BillingInvoice
	for _, inv := range r.s.Invoices {
		if inv.SubscriptionID != nil && *inv.SubscriptionID == subscriptionID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type rentalInvoices struct{ s *Store }

func (r rentalInvoices) Create(_ context.Context, ri *models.RentalInvoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if ri.InvoiceID != nil {
		for _, existing := range r.s.RentalInvoices {
			if existing.InvoiceID != nil && *existing.InvoiceID == *ri.InvoiceID {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	ri.ID = r.s.id()
	cp := *ri
	cp.Invoice = nil
	r.s.RentalInvoices[ri.ID] = &cp
	return nil
}

// withInvoice copies ri and attaches its gateway invoice. Caller holds mu.
func (r rentalInvoices) withInvoice(ri *models.RentalInvoice) *models.RentalInvoice {
	cp := *ri
	cp.Invoice = nil
	if ri.InvoiceID != nil {
		if inv, ok := r.s.Invoices[*ri.InvoiceID]; ok {
			invCopy := *inv
			cp.Invoice = &invCopy
		}
	}
	return &cp
}

func (r rentalInvoices) GetByID(_ context.Context, id uint) (*models.RentalInvoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ri, ok := r.s.RentalInvoices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withInvoice(ri), nil
}

func (r rentalInvoices) GetByIDForUpdate(ctx context.Context, id uint) (*models.RentalInvoice, error) {
	return r.GetByID(ctx, id)
}

func (r rentalInvoices) Update(_ context.Context, ri *models.RentalInvoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.RentalInvoices[ri.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *ri
	cp.Invoice = nil
	r.s.RentalInvoices[ri.ID] = &cp
	return nil
}

func (r rentalInvoices) GetByInvoiceID(_ context.Context, invoiceID uint) (*models.RentalInvoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ri := range r.s.RentalInvoices {
		if ri.InvoiceID != nil && *ri.InvoiceID == invoiceID {
			return r.withInvoice(ri), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r rentalInvoices) ListByAgreement(_ context.Context, agreementID uint) ([]models.RentalInvoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RentalInvoice
	for _, ri := range r.s.RentalInvoices {
		if ri.RentalAgreementID == agreementID {
			out = append(out, *r.withInvoice(ri))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodStartDate.Equal(out[j].PeriodStartDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].PeriodStartDate.Before(out[j].PeriodStartDate)
	})
	return out, nil
}

type rentalAgreements struct{ s *Store }

// load copies ra and attaches airport and customer. Caller holds mu.
func (r rentalAgreements) load(ra *models.RentalAgreement) models.RentalAgreement {
	cp := *ra
	if a, ok := r.s.Airports[ra.AirportID]; ok {
		ac := *a
		cp.Airport = &ac
	}
	if ra.CustomerID != nil {
		if c, ok := r.s.Customers[*ra.CustomerID]; ok {
			cc := *c
			cp.Customer = &cc
		}
	}
	return cp
}

func (r rentalAgreements) GetByID(_ context.Context, id uint) (*models.RentalAgreement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ra, ok := r.s.RentalAgreements[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := r.load(ra)
	return &cp, nil
}

func (r rentalAgreements) ListActiveByAirport(_ context.Context, airportID uint, day time.Time) ([]models.RentalAgreement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RentalAgreement
	for _, ra := range r.s.RentalAgreements {
		if ra.AirportID == airportID && ra.IsActiveOn(day) {
			out = append(out, r.load(ra))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r rentalAgreements) SetCustomer(_ context.Context, agreementID, customerID uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ra, ok := r.s.RentalAgreements[agreementID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	ra.CustomerID = &customerID
	return nil
}

type airports struct{ s *Store }

func (r airports) GetByID(_ context.Context, id uint) (*models.Airport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.Airports[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (r airports) GetByRemoteAccountID(_ context.Context, accountID string) (*models.Airport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.Airports {
		if a.RemoteAccountID == accountID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r airports) List(_ context.Context) ([]models.Airport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Airport
	for _, a := range r.s.Airports {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type checkoutSessions struct{ s *Store }

func (r checkoutSessions) Upsert(_ context.Context, cs *models.BillingCheckoutSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.CheckoutSessions {
		if existing.RemoteID == cs.RemoteID {
			cs.ID = id
			if cs.CustomerID == nil {
				cs.CustomerID = existing.CustomerID
			}
			if cs.RentalAgreementID == nil {
				cs.RentalAgreementID = existing.RentalAgreementID
			}
			cp := *cs
			r.s.CheckoutSessions[id] = &cp
			return nil
		}
	}
	cs.ID = r.s.id()
	cp := *cs
	r.s.CheckoutSessions[cs.ID] = &cp
	return nil
}

func (r checkoutSessions) GetByRemoteID(_ context.Context, remoteID string) (*models.BillingCheckoutSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cs := range r.s.CheckoutSessions {
		if cs.RemoteID == remoteID {
			cp := *cs
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type connectedAccounts struct{ s *Store }

func (r connectedAccounts) Upsert(_ context.Context, a *models.BillingConnectedAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.ConnectedAccounts {
		if existing.RemoteID == a.RemoteID {
			a.ID = id
			cp := *a
			r.s.ConnectedAccounts[id] = &cp
			return nil
		}
	}
	a.ID = r.s.id()
	cp := *a
	r.s.ConnectedAccounts[a.ID] = &cp
	return nil
}

func (r connectedAccounts) GetByRemoteID(_ context.Context, remoteID string) (*models.BillingConnectedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.ConnectedAccounts {
		if a.RemoteID == remoteID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type billingErrors struct{ s *Store }

func (r billingErrors) Create(_ context.Context, e *models.BillingError) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.ID = r.s.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.s.now()
	}
	r.s.Errors = append(r.s.Errors, *e)
	return nil
}

func (r billingErrors) LatestByReference(_ context.Context, errContext string, references []string) (map[string]models.BillingError, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[string]bool, len(references))
	for _, ref := range references {
		want[ref] = true
	}
	out := map[string]models.BillingError{}
	for _, e := range r.s.Errors {
		if e.Context == errContext && want[e.Reference] {
			out[e.Reference] = e
		}
	}
	return out, nil
}
