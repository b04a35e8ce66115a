package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// MetadataRentalInvoiceKey links a manually created remote invoice back to
// its ledger row.
const MetadataRentalInvoiceKey = "rental_invoice_id"

// NewInvoice describes a manually created rental invoice. With Remote set a
// one-time gateway invoice is sent to the tenant for the amount due.
type NewInvoice struct {
	AgreementID   uint
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Amount        decimal.Decimal
	InvoiceNumber string
	Remote        bool
}

// CreateRentalInvoice inserts an Open rental invoice. When the remote invoice
// cannot be created the local row is kept for manual collection and returned
// together with a *RemoteError.
func (s *Service) CreateRentalInvoice(ctx context.Context, in NewInvoice) (*models.RentalInvoice, error) {
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() || in.PeriodEnd.Before(in.PeriodStart) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidPeriod, in.PeriodStart.Format(time.DateOnly), in.PeriodEnd.Format(time.DateOnly))
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount charged must be positive", ErrInvalidAmount)
	}
	ra, err := s.loadAgreement(ctx, in.AgreementID)
	if err != nil {
		return nil, err
	}

	ri := &models.RentalInvoice{
		RentalAgreementID: ra.ID,
		PeriodStartDate:   in.PeriodStart,
		PeriodEndDate:     in.PeriodEnd,
		AmountCharged:     in.Amount.Round(2),
		AmountPaid:        decimal.Zero,
		StatusCode:        models.RentalInvoiceOpen,
		InvoiceNumber:     in.InvoiceNumber,
	}
	if err := s.repos.RentalInvoices.Create(ctx, ri); err != nil {
		return nil, fmt.Errorf("create rental invoice: %w", err)
	}
	log.Infof("[Ledger] Created rental invoice %d for rental agreement %d", ri.ID, ra.ID)

	if !in.Remote {
		return ri, nil
	}
	if err := s.sendRemote(ctx, ra, ri); err != nil {
		log.Warnf("[Ledger] Rental invoice %d left in manual collection: %v", ri.ID, err)
		s.recordError(ctx, ri.ID, err)
		s.metrics.LedgerOperation("create remote invoice", err)
		return ri, &RemoteError{Operation: "create remote invoice", Err: err}
	}
	s.metrics.LedgerOperation("create remote invoice", nil)
	return ri, nil
}

func (s *Service) sendRemote(ctx context.Context, ra *models.RentalAgreement, ri *models.RentalInvoice) error {
	customer, err := s.billing.GetOrCreateCustomer(ctx, ra)
	if err != nil {
		return err
	}
	md := billing.AgreementMetadata(ra)
	md[MetadataRentalInvoiceKey] = strconv.FormatUint(uint64(ri.ID), 10)
	md["type"] = "manual"

	gw := s.provider.ForAccount(customer.AccountID)
	remote, err := gw.CreateInvoice(ctx, gateway.InvoiceParams{
		CustomerID:   customer.RemoteID,
		AmountMinor:  billing.DecimalToMinor(ri.AmountDue()),
		Currency:     s.settings.Currency,
		Description:  "Manual invoice for hangar " + ra.HangarCode,
		DaysUntilDue: s.settings.DaysUntilDue,
		Metadata:     md,
	})
	if err != nil {
		return err
	}
	inv, _, err := s.billing.UpsertInvoice(ctx, gw, customer.AccountID, remote)
	if err != nil {
		return err
	}

	ri.InvoiceID = &inv.ID
	ri.Invoice = inv
	if to := StatusFromRemote(inv.Status); CanTransition(ri.StatusCode, to) {
		ri.StatusCode = to
	}
	return s.repos.RentalInvoices.Update(ctx, ri)
}

// CancelOpenResult lists what CancelOpenInvoices did per rental invoice.
type CancelOpenResult struct {
	Cancelled []uint
	// Skipped invoices already carry a partial payment.
	Skipped []uint
	Failed  map[uint]error
}

// CancelOpenInvoices cancels every draft or open invoice of an agreement that
// has no payment recorded, for example when the tenancy ends.
func (s *Service) CancelOpenInvoices(ctx context.Context, agreementID uint) (*CancelOpenResult, error) {
	if _, err := s.loadAgreement(ctx, agreementID); err != nil {
		return nil, err
	}
	invoices, err := s.repos.RentalInvoices.ListByAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}

	res := &CancelOpenResult{Failed: map[uint]error{}}
	for _, ri := range invoices {
		if ri.StatusCode != models.RentalInvoiceDraft && ri.StatusCode != models.RentalInvoiceOpen {
			continue
		}
		if !ri.AmountPaid.IsZero() {
			log.Warnf("[Ledger] Not cancelling partially paid rental invoice %d", ri.ID)
			res.Skipped = append(res.Skipped, ri.ID)
			continue
		}
		if _, err := s.Cancel(ctx, ri.ID); err != nil {
			log.Errorf("[Ledger] Unable to cancel rental invoice %d: %v", ri.ID, err)
			res.Failed[ri.ID] = err
			continue
		}
		res.Cancelled = append(res.Cancelled, ri.ID)
	}
	return res, nil
}

// PaidThroughDate is the last period end covered by a paid or waived invoice,
// nil when there is none.
func (s *Service) PaidThroughDate(ctx context.Context, agreementID uint) (*time.Time, error) {
	invoices, err := s.repos.RentalInvoices.ListByAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	var through *time.Time
	for i := range invoices {
		ri := invoices[i]
		if ri.StatusCode != models.RentalInvoicePaid && ri.StatusCode != models.RentalInvoiceWaived {
			continue
		}
		if through == nil || ri.PeriodEndDate.After(*through) {
			end := ri.PeriodEndDate
			through = &end
		}
	}
	return through, nil
}

// NextCollectionStartDate is the day after the paid-through date, or the
// agreement start when nothing has been paid.
func (s *Service) NextCollectionStartDate(ctx context.Context, agreementID uint) (time.Time, error) {
	ra, err := s.loadAgreement(ctx, agreementID)
	if err != nil {
		return time.Time{}, err
	}
	through, err := s.PaidThroughDate(ctx, agreementID)
	if err != nil {
		return time.Time{}, err
	}
	if through == nil {
		return ra.StartDate, nil
	}
	return through.AddDate(0, 0, 1), nil
}
