// Package ledger owns the rental invoice state machine. Operations that touch
// the gateway change it first and commit the local row only afterwards.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/cache"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultWaiveReason   = "Remaining balance waived."
	partialPaymentReason = "Partial out-of-band payment"
)

// Settings are the parameters of invoices the ledger creates remotely.
type Settings struct {
	Currency     string
	DaysUntilDue int64
}

type Service struct {
	repos    *repository.Repositories
	provider gateway.Provider
	billing  *billing.Service
	settings Settings
	metrics  *metrics.Collector
	locker   cache.Locker
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records ledger operations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithLocker makes SyncRentalAgreementInvoices take the object lock of each
// linked invoice, the same lock the event processor holds.
func WithLocker(l cache.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func NewService(repos *repository.Repositories, provider gateway.Provider, billingSvc *billing.Service, settings Settings, opts ...Option) *Service {
	s := &Service{
		repos:    repos,
		provider: provider,
		billing:  billingSvc,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// commit runs remote, then local inside one transaction. No lock is held
// while the gateway is called, so local must re-read its row FOR UPDATE and
// validate again. A remote failure leaves the ledger untouched.
func (s *Service) commit(ctx context.Context, operation string, id uint, remote func(context.Context) error, local func(*repository.Repositories) error) error {
	if remote != nil {
		if err := remote(ctx); err != nil {
			s.metrics.LedgerOperation(operation, err)
			return &RemoteError{Operation: operation, Err: err}
		}
	}
	err := s.repos.Transaction(ctx, local)
	s.metrics.LedgerOperation(operation, err)
	if err != nil && remote != nil {
		log.Errorf("[Ledger] %s on rental invoice %d changed the gateway but the local commit failed: %v", operation, id, err)
		s.recordError(ctx, id, err)
	}
	return err
}

func (s *Service) load(ctx context.Context, id uint) (*models.RentalInvoice, error) {
	ri, err := s.repos.RentalInvoices.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: rental invoice %d", ErrNotFound, id)
		}
		return nil, err
	}
	return ri, nil
}

func (s *Service) loadAgreement(ctx context.Context, id uint) (*models.RentalAgreement, error) {
	ra, err := s.repos.RentalAgreements.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: rental agreement %d", ErrNotFound, id)
		}
		return nil, err
	}
	return ra, nil
}

// remoteInvoice is the gateway side of a rental invoice: the gateway scoped
// to the account the invoice lives on, and the latest copy read back.
type remoteInvoice struct {
	gw        gateway.Gateway
	accountID string
	invoice   *models.BillingInvoice
	latest    *gateway.Invoice
	gone      bool
}

func (s *Service) remoteFor(ctx context.Context, ri *models.RentalInvoice) (*remoteInvoice, error) {
	if ri.Invoice == nil {
		return nil, nil
	}
	customer, err := s.repos.Customers.GetByID(ctx, ri.Invoice.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("load customer of invoice %s: %w", ri.Invoice.RemoteID, err)
	}
	return &remoteInvoice{
		gw:        s.provider.ForAccount(customer.AccountID),
		accountID: customer.AccountID,
		invoice:   ri.Invoice,
	}, nil
}

// store writes the latest remote copy back to the invoice projection. The
// ledger is already committed, so failures here are only logged; the next
// webhook or sweep repairs the projection.
func (s *Service) store(ctx context.Context, r *remoteInvoice) {
	if r == nil {
		return
	}
	var err error
	switch {
	case r.gone:
		err = s.repos.Invoices.MarkDeleted(ctx, r.invoice.RemoteID)
	case r.latest != nil:
		_, _, err = s.billing.UpsertInvoice(ctx, r.gw, r.accountID, r.latest)
	}
	if err != nil {
		log.Warnf("[Ledger] Failed to refresh invoice %s after update: %v", r.invoice.RemoteID, err)
	}
}

// setStatus is the local step shared by cancel and waive.
func setStatus(ctx context.Context, id uint, to models.RentalInvoiceStatus, out **models.RentalInvoice) func(*repository.Repositories) error {
	return func(tx *repository.Repositories) error {
		ri, err := tx.RentalInvoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		*out = ri
		if ri.StatusCode == to {
			return nil
		}
		if err := checkTransition(ri.StatusCode, to); err != nil {
			return err
		}
		ri.StatusCode = to
		return tx.RentalInvoices.Update(ctx, ri)
	}
}

// Cancel cancels a rental invoice. A remote draft is deleted and a remote
// open invoice is voided before the local status changes; a remote paid
// invoice is refused with ErrPaidInvoice.
func (s *Service) Cancel(ctx context.Context, id uint) (*models.RentalInvoice, error) {
	ri, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ri.StatusCode == models.RentalInvoiceCancelled {
		return ri, nil
	}
	if err := checkTransition(ri.StatusCode, models.RentalInvoiceCancelled); err != nil {
		return nil, err
	}

	r, err := s.remoteFor(ctx, ri)
	if err != nil {
		return nil, err
	}
	var remote func(context.Context) error
	if r != nil {
		remote = func(ctx context.Context) error {
			current, err := r.gw.GetInvoice(ctx, r.invoice.RemoteID)
			if gateway.IsNotFound(err) {
				r.gone = true
				return nil
			}
			if err != nil {
				return err
			}
			switch models.InvoiceStatus(current.Status) {
			case models.InvoiceDraft:
				if err := r.gw.DeleteDraftInvoice(ctx, current.ID); err != nil {
					return err
				}
				r.gone = true
				return nil
			case models.InvoiceOpen:
				current, err = r.gw.VoidInvoice(ctx, current.ID)
				if err != nil {
					return err
				}
			case models.InvoicePaid:
				return ErrPaidInvoice
			}
			r.latest = current
			return nil
		}
	}

	var out *models.RentalInvoice
	if err := s.commit(ctx, "cancel invoice", id, remote, setStatus(ctx, id, models.RentalInvoiceCancelled, &out)); err != nil {
		return nil, err
	}
	s.store(ctx, r)
	log.Infof("[Ledger] Rental invoice %d cancelled", id)
	return out, nil
}

// Waive writes off what is still owed. Waiving twice is the same as once:
// an already waived invoice is returned without a second credit.
func (s *Service) Waive(ctx context.Context, id uint, reason string) (*models.RentalInvoice, error) {
	ri, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ri.StatusCode == models.RentalInvoiceWaived {
		return ri, nil
	}
	if err := checkTransition(ri.StatusCode, models.RentalInvoiceWaived); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = defaultWaiveReason
	}

	r, err := s.remoteFor(ctx, ri)
	if err != nil {
		return nil, err
	}
	var remote func(context.Context) error
	if r != nil {
		remote = func(ctx context.Context) error {
			current, err := r.gw.GetInvoice(ctx, r.invoice.RemoteID)
			if err != nil {
				return err
			}
			if current.AmountRemaining > 0 {
				if _, err := r.gw.ApplyCredit(ctx, current.ID, current.AmountRemaining, reason); err != nil {
					return err
				}
				if current, err = r.gw.GetInvoice(ctx, current.ID); err != nil {
					// The credit is applied; the projection catches up later.
					log.Warnf("[Ledger] Failed to read back invoice %s after credit: %v", r.invoice.RemoteID, err)
					return nil
				}
			}
			r.latest = current
			return nil
		}
	}

	var out *models.RentalInvoice
	if err := s.commit(ctx, "waive invoice", id, remote, setStatus(ctx, id, models.RentalInvoiceWaived, &out)); err != nil {
		return nil, err
	}
	s.store(ctx, r)
	log.Infof("[Ledger] Rental invoice %d waived: %s", id, reason)
	return out, nil
}

// Payment is an out-of-band payment. A nil Amount pays the remaining balance;
// an empty Method keeps the one already recorded.
type Payment struct {
	Amount *decimal.Decimal
	Method models.PaymentMethod
}

// Pay records a payment. Payments accumulate; the invoice becomes Paid with
// date_paid set once amount_paid reaches amount_charged and stays Open before
// that. On remote-backed invoices a partial payment is a credit note and a
// full payment marks the remote invoice paid out of band.
func (s *Service) Pay(ctx context.Context, id uint, p Payment) (*models.RentalInvoice, error) {
	ri, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ri.StatusCode == models.RentalInvoicePaid {
		return ri, nil
	}
	if ri.StatusCode != models.RentalInvoiceOpen {
		return nil, checkTransition(ri.StatusCode, models.RentalInvoicePaid)
	}
	if p.Method != "" && !p.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, p.Method)
	}

	thisPayment := ri.AmountDue()
	if p.Amount != nil {
		if !p.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: payment must be positive", ErrInvalidAmount)
		}
		thisPayment = *p.Amount
	}
	full := !ri.AmountPaid.Add(thisPayment).LessThan(ri.AmountCharged)

	r, err := s.remoteFor(ctx, ri)
	if err != nil {
		return nil, err
	}
	var remote func(context.Context) error
	if r != nil {
		remote = func(ctx context.Context) error {
			if full {
				latest, err := r.gw.MarkInvoicePaid(ctx, r.invoice.RemoteID)
				if err != nil {
					return err
				}
				r.latest = latest
				return nil
			}
			if _, err := r.gw.ApplyCredit(ctx, r.invoice.RemoteID, billing.DecimalToMinor(thisPayment), partialPaymentReason); err != nil {
				return err
			}
			if latest, err := r.gw.GetInvoice(ctx, r.invoice.RemoteID); err == nil {
				r.latest = latest
			}
			return nil
		}
	}

	var out *models.RentalInvoice
	err = s.commit(ctx, "record payment", id, remote, func(tx *repository.Repositories) error {
		locked, err := tx.RentalInvoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = locked
		if locked.StatusCode == models.RentalInvoicePaid {
			return nil
		}
		if locked.StatusCode != models.RentalInvoiceOpen {
			return checkTransition(locked.StatusCode, models.RentalInvoicePaid)
		}
		locked.AmountPaid = locked.AmountPaid.Add(thisPayment)
		if p.Method != "" {
			method := p.Method
			locked.PaymentMethodCode = &method
		}
		if !locked.AmountPaid.LessThan(locked.AmountCharged) {
			now := s.now()
			locked.StatusCode = models.RentalInvoicePaid
			locked.DatePaid = &now
		}
		return tx.RentalInvoices.Update(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	s.store(ctx, r)
	if out.StatusCode == models.RentalInvoicePaid {
		log.Infof("[Ledger] Rental invoice %d paid in full", id)
	} else {
		log.Infof("[Ledger] Partial payment of %s recorded on rental invoice %d", thisPayment.StringFixed(2), id)
	}
	return out, nil
}

func (s *Service) recordError(ctx context.Context, id uint, err error) {
	rec := &models.BillingError{
		Context:   models.BillingErrorContextRentalInvoice,
		Reference: strconv.FormatUint(uint64(id), 10),
		Kind:      gateway.KindOf(err).String(),
		Message:   err.Error(),
	}
	if cerr := s.repos.Errors.Create(ctx, rec); cerr != nil {
		log.Errorf("[Ledger] Failed to record error for rental invoice %d: %v", id, cerr)
	}
}
