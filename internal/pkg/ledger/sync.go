package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// SyncFromInvoice applies a refreshed invoice projection to the ledger. The
// caller holds the invoice's object lock. A linked rental invoice follows the
// remote status forward only, and Waived is never overridden. A subscription invoice of a rental agreement without a
// ledger row gets one. The result is nil when the invoice belongs to no
// rental agreement.
func (s *Service) SyncFromInvoice(ctx context.Context, inv *models.BillingInvoice) (*models.RentalInvoice, error) {
	ri, err := s.repos.RentalInvoices.GetByInvoiceID(ctx, inv.ID)
	switch {
	case err == nil:
		out, _, err := s.applyRemote(ctx, ri.ID, inv)
		return out, err
	case errors.Is(err, gorm.ErrRecordNotFound):
		out, _, err := s.createFromSubscriptionInvoice(ctx, inv)
		return out, err
	default:
		return nil, err
	}
}

// SyncResult counts what SyncRentalAgreementInvoices changed.
type SyncResult struct {
	Created int
	Updated int
}

// SyncRentalAgreementInvoices brings every rental invoice of an agreement in
// line with the stored invoice projections and creates ledger rows for
// subscription invoices that have none. Paid, waived and cancelled rows are
// final and skipped.
func (s *Service) SyncRentalAgreementInvoices(ctx context.Context, agreementID uint) (*SyncResult, error) {
	res := &SyncResult{}
	invoices, err := s.repos.RentalInvoices.ListByAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	for _, ri := range invoices {
		switch ri.StatusCode {
		case models.RentalInvoicePaid, models.RentalInvoiceWaived, models.RentalInvoiceCancelled:
			continue
		}
		if ri.Invoice == nil {
			continue
		}
		var changed bool
		err := s.withObjectLock(ctx, ri.Invoice.RemoteID, func() error {
			var err error
			_, changed, err = s.applyRemote(ctx, ri.ID, ri.Invoice)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("sync rental invoice %d: %w", ri.ID, err)
		}
		if changed {
			res.Updated++
		}
	}

	subs, err := s.repos.Subscriptions.ListByRentalAgreement(ctx, agreementID)
	if err != nil {
		return res, err
	}
	for _, sub := range subs {
		remoteInvoices, err := s.repos.Invoices.ListBySubscription(ctx, sub.ID)
		if err != nil {
			return res, err
		}
		for i := range remoteInvoices {
			inv := &remoteInvoices[i]
			_, err := s.repos.RentalInvoices.GetByInvoiceID(ctx, inv.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return res, err
			}
			var created bool
			err = s.withObjectLock(ctx, inv.RemoteID, func() error {
				var err error
				_, created, err = s.createFromSubscriptionInvoice(ctx, inv)
				return err
			})
			if err != nil {
				return res, fmt.Errorf("link invoice %s: %w", inv.RemoteID, err)
			}
			if created {
				res.Created++
			}
		}
	}
	return res, nil
}

// withObjectLock runs fn under the processor's lock for remoteID. Without a
// locker fn runs directly.
func (s *Service) withObjectLock(ctx context.Context, remoteID string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	lock, err := s.locker.Acquire(ctx, billing.ObjectLockName(remoteID))
	if err != nil {
		return fmt.Errorf("lock %s: %w", remoteID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("[Ledger] %v", err)
		}
	}()
	return fn()
}

// canSync reports whether a remote status may move a rental invoice. The
// gateway may skip states the ledger walks through one by one, so draft can
// jump to paid or uncollectible and uncollectible can still be paid or
// voided. Nothing moves a row backwards, and paid or cancelled rows stay.
func canSync(from, to models.RentalInvoiceStatus) bool {
	if CanTransition(from, to) {
		return true
	}
	switch from {
	case models.RentalInvoiceDraft:
		return to == models.RentalInvoicePaid || to == models.RentalInvoiceUncollectible
	case models.RentalInvoiceUncollectible:
		return to == models.RentalInvoicePaid || to == models.RentalInvoiceCancelled
	}
	return false
}

// applyRemote moves a locked rental invoice to the status of its invoice
// projection. The projection is read again inside the transaction, so a copy
// the caller loaded earlier never wins over a newer webhook.
func (s *Service) applyRemote(ctx context.Context, id uint, inv *models.BillingInvoice) (*models.RentalInvoice, bool, error) {
	var (
		out     *models.RentalInvoice
		changed bool
	)
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		ri, err := tx.RentalInvoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = ri
		if ri.InvoiceID != nil {
			current, err := tx.Invoices.GetByID(ctx, *ri.InvoiceID)
			if err != nil {
				return fmt.Errorf("reload invoice %s: %w", inv.RemoteID, err)
			}
			inv = current
		}
		target := StatusFromRemote(inv.Status)

		if ri.StatusCode == models.RentalInvoiceWaived {
			if target != models.RentalInvoiceWaived {
				log.Warnf("[Ledger] Rental invoice %d is waived but invoice %s reads %s; keeping waived", ri.ID, inv.RemoteID, inv.Status)
			}
			return nil
		}
		if !canSync(ri.StatusCode, target) {
			log.Warnf("[Ledger] Rental invoice %d is %s; not moving it to %s from invoice %s",
				ri.ID, ri.StatusCode.Label(), target.Label(), inv.RemoteID)
			return nil
		}

		if inv.AmountPaid.GreaterThan(ri.AmountPaid) {
			ri.AmountPaid = inv.AmountPaid
			changed = true
		}
		if ri.StatusCode != target {
			ri.StatusCode = target
			changed = true
		}
		if target == models.RentalInvoicePaid {
			// Local partial payments reached the gateway as credit notes, so
			// its amount_paid only covers the rest.
			if ri.AmountPaid.LessThan(ri.AmountCharged) {
				ri.AmountPaid = ri.AmountCharged
				changed = true
			}
			if ri.DatePaid == nil {
				now := s.now()
				ri.DatePaid = &now
				changed = true
			}
			if ri.PaymentMethodCode == nil {
				method := models.PaymentGateway
				ri.PaymentMethodCode = &method
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return tx.RentalInvoices.Update(ctx, ri)
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		log.Infof("[Ledger] Rental invoice %d synced from invoice %s: %s", out.ID, inv.RemoteID, out.StatusCode.Label())
	}
	return out, changed, nil
}

// createFromSubscriptionInvoice starts a ledger row for a subscription
// invoice. Invoices without a subscription, agreement or period are skipped.
func (s *Service) createFromSubscriptionInvoice(ctx context.Context, inv *models.BillingInvoice) (*models.RentalInvoice, bool, error) {
	if inv.SubscriptionID == nil {
		return nil, false, nil
	}
	sub, err := s.repos.Subscriptions.GetByID(ctx, *inv.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	agreementID, ok := billing.AgreementIDFromJSON(inv.Metadata)
	if sub.RentalAgreementID != nil {
		agreementID, ok = *sub.RentalAgreementID, true
	}
	if !ok {
		return nil, false, nil
	}
	if inv.PeriodStart == nil || inv.PeriodEnd == nil {
		log.Debugf("[Ledger] Invoice %s has no billing period yet; not linking", inv.RemoteID)
		return nil, false, nil
	}

	ri := &models.RentalInvoice{
		RentalAgreementID: agreementID,
		InvoiceID:         &inv.ID,
		PeriodStartDate:   dateOnly(*inv.PeriodStart),
		PeriodEndDate:     dateOnly(*inv.PeriodEnd),
		AmountCharged:     inv.AmountCharged,
		StatusCode:        models.RentalInvoiceDraft,
	}
	created := true
	if err := s.repos.RentalInvoices.Create(ctx, ri); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, fmt.Errorf("create rental invoice for %s: %w", inv.RemoteID, err)
		}
		// Linked concurrently by the sweep or another worker.
		existing, gerr := s.repos.RentalInvoices.GetByInvoiceID(ctx, inv.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		ri, created = existing, false
	} else {
		log.Infof("[Ledger] Linked invoice %s to new rental invoice %d", inv.RemoteID, ri.ID)
	}

	out, _, err := s.applyRemote(ctx, ri.ID, inv)
	return out, created, err
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
