package events

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
)

// run is the state of a single Process call. Lookups are memoized for the
// length of the call and never shared between calls.
type run struct {
	repos      *repository.Repositories
	event      *models.BillingWebhookEvent
	objectType gateway.ObjectType
	account    string
	gw         gateway.Gateway

	airports   map[string]*models.Airport
	agreements map[uint]*models.RentalAgreement
}

func newRun(repos *repository.Repositories, provider gateway.Provider, ev *models.BillingWebhookEvent, objectType gateway.ObjectType) *run {
	return &run{
		repos:      repos,
		event:      ev,
		objectType: objectType,
		account:    ev.Account(),
		gw:         provider.ForAccount(ev.Account()),
		airports:   map[string]*models.Airport{},
		agreements: map[uint]*models.RentalAgreement{},
	}
}

// airportByAccount returns the airport owning a connected account, nil if none.
func (r *run) airportByAccount(ctx context.Context, accountID string) (*models.Airport, error) {
	if a, ok := r.airports[accountID]; ok {
		return a, nil
	}
	a, err := r.repos.Airports.GetByRemoteAccountID(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.airports[accountID] = a
	return a, nil
}

// agreement returns a rental agreement by id, nil if it does not exist.
func (r *run) agreement(ctx context.Context, id uint) (*models.RentalAgreement, error) {
	if ra, ok := r.agreements[id]; ok {
		return ra, nil
	}
	ra, err := r.repos.RentalAgreements.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ra, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.agreements[id] = ra
	return ra, nil
}

func (p *Processor) handleCustomer(context.Context, *run, *billing.RefreshResult) (bool, error) {
	return true, nil
}

// handleSubscription checks the agreement link written from metadata.
func (p *Processor) handleSubscription(ctx context.Context, r *run, res *billing.RefreshResult) (bool, error) {
	sub := res.Subscription
	if sub == nil || sub.RentalAgreementID == nil {
		return true, nil
	}
	ra, err := r.agreement(ctx, *sub.RentalAgreementID)
	if err != nil {
		return false, err
	}
	if ra == nil {
		log.Warnf("[EventProcessor] Subscription %s references unknown rental agreement %d", sub.RemoteID, *sub.RentalAgreementID)
		return true, nil
	}
	if r.account != "" {
		airport, err := r.airportByAccount(ctx, r.account)
		if err != nil {
			return false, err
		}
		if airport != nil && airport.ID != ra.AirportID {
			log.Warnf("[EventProcessor] Subscription %s arrived on account %s but rental agreement %d belongs to airport %d",
				sub.RemoteID, r.account, ra.ID, ra.AirportID)
		}
	}
	return true, nil
}

func (p *Processor) handleInvoice(ctx context.Context, _ *run, res *billing.RefreshResult) (bool, error) {
	if res.Invoice == nil {
		return true, nil
	}
	ri, err := p.ledger.SyncFromInvoice(ctx, res.Invoice)
	if err != nil {
		return false, err
	}
	if ri != nil {
		log.Debugf("[EventProcessor] Invoice %s synced to rental invoice %d (%s)", res.Invoice.RemoteID, ri.ID, ri.StatusCode.Label())
	}
	return true, nil
}

func (p *Processor) handleCheckoutSession(context.Context, *run, *billing.RefreshResult) (bool, error) {
	return true, nil
}

func (p *Processor) handleAccount(ctx context.Context, r *run, res *billing.RefreshResult) (bool, error) {
	if res.Account == nil {
		return true, nil
	}
	airport, err := r.airportByAccount(ctx, res.Account.RemoteID)
	if err != nil {
		return false, err
	}
	if airport == nil {
		log.Debugf("[EventProcessor] Account %s belongs to no airport", res.Account.RemoteID)
	} else if !res.Account.ChargesEnabled {
		log.Warnf("[EventProcessor] Account %s of airport %s cannot take charges", res.Account.RemoteID, airport.Identifier)
	}
	return true, nil
}
