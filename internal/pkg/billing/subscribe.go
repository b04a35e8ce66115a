package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// rentPlan is everything needed to open a rent subscription for an agreement.
type rentPlan struct {
	agreement *models.RentalAgreement
	customer  *models.BillingCustomer
	start     StartParams
	price     gateway.RecurringPrice
	settings  gateway.StartSettings
	feePct    float64
	account   string
}

// StartRentalSubscription creates the rent subscription directly. Invoices
// are sent to the tenant rather than charged, since no payment method has
// been collected. collectionStart defaults to the agreement's default
// collection start, then its start date.
func (s *Service) StartRentalSubscription(ctx context.Context, agreementID uint, collectionStart *time.Time) (*models.BillingSubscription, error) {
	plan, err := s.prepareRent(ctx, agreementID, collectionStart)
	if err != nil {
		return nil, err
	}

	gw := s.provider.ForAccount("")
	remote, err := gw.CreateSubscription(ctx, gateway.SubscriptionParams{
		CustomerID:            plan.customer.RemoteID,
		Price:                 plan.price,
		Start:                 plan.settings,
		DaysUntilDue:          s.settings.DaysUntilDue,
		ChargeAutomatically:   false,
		ApplicationFeePercent: plan.feePct,
		DestinationAccount:    plan.account,
	})
	if err != nil {
		return nil, err
	}

	sub, _, err := s.UpsertSubscription(ctx, gw, "", remote)
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Started subscription %s for rental agreement %d (%s)", sub.RemoteID, agreementID, plan.start.Branch)
	return sub, nil
}

// CreateSubscriptionCheckout opens a hosted checkout that collects a payment
// method and creates the subscription once completed.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, agreementID uint, collectionStart *time.Time) (*models.BillingCheckoutSession, error) {
	plan, err := s.prepareRent(ctx, agreementID, collectionStart)
	if err != nil {
		return nil, err
	}

	gw := s.provider.ForAccount("")
	remote, err := gw.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		CustomerID:            plan.customer.RemoteID,
		Price:                 plan.price,
		Start:                 plan.settings,
		SuccessURL:            s.settings.SuccessURL,
		CancelURL:             s.settings.CancelURL,
		ApplicationFeePercent: plan.feePct,
		DestinationAccount:    plan.account,
	})
	if err != nil {
		return nil, err
	}

	cs, _, err := s.UpsertCheckoutSession(ctx, gw, "", remote)
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Opened checkout %s for rental agreement %d", cs.RemoteID, agreementID)
	return cs, nil
}

func (s *Service) prepareRent(ctx context.Context, agreementID uint, collectionStart *time.Time) (*rentPlan, error) {
	ra, err := s.repos.RentalAgreements.GetByID(ctx, agreementID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: rental agreement %d", ErrNotFound, agreementID)
		}
		return nil, err
	}
	if !ra.Rent.IsPositive() {
		return nil, fmt.Errorf("rental agreement %d has no rent amount", agreementID)
	}

	subs, err := s.repos.Subscriptions.ListByRentalAgreement(ctx, ra.ID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.IsActive() {
			return nil, fmt.Errorf("%w: %s", ErrActiveSubscription, sub.RemoteID)
		}
	}

	customer, err := s.GetOrCreateCustomer(ctx, ra)
	if err != nil {
		return nil, err
	}

	start := ra.StartDate
	if ra.DefaultCollectionStartDate != nil {
		start = *ra.DefaultCollectionStartDate
	}
	if collectionStart != nil {
		start = *collectionStart
	}

	r, unlock := s.anchorRand()
	params := CalculateStart(StartInput{
		CollectionStart: start,
		Now:             s.now(),
		Location:        ra.Airport.Location(),
		Rand:            r,
	})
	unlock()

	plan := &rentPlan{
		agreement: ra,
		customer:  customer,
		start:     params,
		price: gateway.RecurringPrice{
			ProductID:   s.settings.ProductID,
			Currency:    s.settings.Currency,
			UnitAmount:  DecimalToMinor(ra.Rent),
			Interval:    "month",
			Description: "Hangar rent " + ra.HangarCode,
		},
		settings: params.Settings(AgreementMetadata(ra)),
	}
	if ra.Airport != nil {
		plan.account = ra.Airport.RemoteAccountID
		plan.feePct, _ = ra.Airport.FeePercent.Shift(2).Float64()
	}
	return plan, nil
}
