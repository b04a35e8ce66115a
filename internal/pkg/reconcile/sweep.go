// Package reconcile finds gateway objects that never reached us through a
// webhook and brings their projections and ledger rows up to date.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/cache"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/ledger"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
)

// DefaultPageSize is how many recent invoices and subscriptions are listed per customer.
const DefaultPageSize = 10

// Sweep scopes, used in metrics and error references.
const (
	ScopeCustomer        = "customer"
	ScopeRentalAgreement = "rental_agreement"
	ScopeAirport         = "airport"
)

var ErrNotFound = errors.New("reconcile: not found")

// Result counts what one sweep saw and changed.
type Result struct {
	Subscriptions        int `json:"subscriptions"`
	Invoices             int `json:"invoices"`
	MissingSubscriptions int `json:"missing_subscriptions"`
	MissingInvoices      int `json:"missing_invoices"`
	Created              int `json:"rental_invoices_created"`
	Updated              int `json:"rental_invoices_updated"`
	Agreements           int `json:"agreements"`
	Failed               int `json:"failed"`
}

func (r *Result) add(o *Result) {
	r.Subscriptions += o.Subscriptions
	r.Invoices += o.Invoices
	r.MissingSubscriptions += o.MissingSubscriptions
	r.MissingInvoices += o.MissingInvoices
	r.Created += o.Created
	r.Updated += o.Updated
	r.Agreements += o.Agreements
	r.Failed += o.Failed
}

func (r *Result) missing() map[string]int {
	return map[string]int{
		string(gateway.ObjectSubscription): r.MissingSubscriptions,
		string(gateway.ObjectInvoice):      r.MissingInvoices,
	}
}

// Sweeper pulls recent remote objects per customer and feeds them through
// the same upsert path webhooks use.
type Sweeper struct {
	repos    *repository.Repositories
	provider gateway.Provider
	billing  *billing.Service
	ledger   *ledger.Service
	locker   cache.Locker
	metrics  *metrics.Collector
	pageSize int
	now      func() time.Time
}

type Option func(*Sweeper)

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Sweeper) { s.metrics = c }
}

func WithPageSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(repos *repository.Repositories, provider gateway.Provider, billingSvc *billing.Service, ledgerSvc *ledger.Service, locker cache.Locker, opts ...Option) *Sweeper {
	s := &Sweeper{
		repos:    repos,
		provider: provider,
		billing:  billingSvc,
		ledger:   ledgerSvc,
		locker:   locker,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepCustomer upserts the customer's recent remote subscriptions and
// invoices. Objects that fail are counted and skipped.
func (s *Sweeper) SweepCustomer(ctx context.Context, customerID uint) (*Result, error) {
	customer, err := s.repos.Customers.GetByID(ctx, customerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("%w: customer %d", ErrNotFound, customerID)
		}
		return nil, s.finish(ctx, ScopeCustomer, customerID, nil, err)
	}
	res, err := s.sweepCustomer(ctx, customer)
	return res, s.finish(ctx, ScopeCustomer, customerID, res, err)
}

func (s *Sweeper) sweepCustomer(ctx context.Context, customer *models.BillingCustomer) (*Result, error) {
	res := &Result{}
	if customer.Deleted {
		log.Debugf("[Reconcile] Customer %s is deleted; nothing to sweep", customer.RemoteID)
		return res, nil
	}
	gw := s.provider.ForAccount(customer.AccountID)

	subs, err := gw.ListSubscriptions(ctx, customer.RemoteID, s.pageSize)
	if err != nil {
		return res, fmt.Errorf("list subscriptions of %s: %w", customer.RemoteID, err)
	}
	for _, remote := range subs {
		res.Subscriptions++
		var created bool
		err := s.locked(ctx, remote.ID, func() error {
			var err error
			_, created, err = s.billing.UpsertSubscription(ctx, gw, customer.AccountID, remote)
			return err
		})
		if err != nil {
			res.Failed++
			s.recordError(ctx, "subscription:"+remote.ID, err)
			continue
		}
		if created {
			res.MissingSubscriptions++
			log.Infof("[Reconcile] Found subscription %s of customer %s without a webhook", remote.ID, customer.RemoteID)
		}
	}

	invoices, err := gw.ListInvoices(ctx, customer.RemoteID, s.pageSize)
	if err != nil {
		return res, fmt.Errorf("list invoices of %s: %w", customer.RemoteID, err)
	}
	for _, remote := range invoices {
		res.Invoices++
		var created bool
		err := s.locked(ctx, remote.ID, func() error {
			var err error
			_, created, err = s.billing.UpsertInvoice(ctx, gw, customer.AccountID, remote)
			return err
		})
		if err != nil {
			res.Failed++
			s.recordError(ctx, "invoice:"+remote.ID, err)
			continue
		}
		if created {
			res.MissingInvoices++
			log.Infof("[Reconcile] Found invoice %s of customer %s without a webhook", remote.ID, customer.RemoteID)
		}
	}
	return res, nil
}

// SweepRentalAgreement sweeps the tenant's customer and then syncs the
// agreement's rental invoices with the refreshed projections.
func (s *Sweeper) SweepRentalAgreement(ctx context.Context, agreementID uint) (*Result, error) {
	ra, err := s.repos.RentalAgreements.GetByID(ctx, agreementID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("%w: rental agreement %d", ErrNotFound, agreementID)
		}
		return nil, s.finish(ctx, ScopeRentalAgreement, agreementID, nil, err)
	}
	res, err := s.sweepAgreement(ctx, ra, map[uint]bool{})
	return res, s.finish(ctx, ScopeRentalAgreement, agreementID, res, err)
}

// sweepAgreement skips the customer sweep for customers already in swept.
func (s *Sweeper) sweepAgreement(ctx context.Context, ra *models.RentalAgreement, swept map[uint]bool) (*Result, error) {
	res := &Result{Agreements: 1}
	if ra.Customer == nil {
		// No customer means nothing exists remotely for this tenant.
		return res, nil
	}
	if !swept[ra.Customer.ID] {
		cres, err := s.sweepCustomer(ctx, ra.Customer)
		if cres != nil {
			res.add(cres)
		}
		if err != nil {
			return res, err
		}
		swept[ra.Customer.ID] = true
	}

	sync, err := s.ledger.SyncRentalAgreementInvoices(ctx, ra.ID)
	if sync != nil {
		res.Created += sync.Created
		res.Updated += sync.Updated
	}
	if err != nil {
		return res, fmt.Errorf("sync rental agreement %d: %w", ra.ID, err)
	}
	return res, nil
}

// SweepAirport sweeps every agreement active today in the airport's time
// zone. A failing agreement is recorded and the sweep moves on.
func (s *Sweeper) SweepAirport(ctx context.Context, airportID uint) (*Result, error) {
	airport, err := s.repos.Airports.GetByID(ctx, airportID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("%w: airport %d", ErrNotFound, airportID)
		}
		return nil, s.finish(ctx, ScopeAirport, airportID, nil, err)
	}
	today := s.now().In(airport.Location())
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	agreements, err := s.repos.RentalAgreements.ListActiveByAirport(ctx, airport.ID, day)
	if err != nil {
		return nil, s.finish(ctx, ScopeAirport, airportID, nil, err)
	}

	res := &Result{}
	swept := map[uint]bool{}
	for i := range agreements {
		if err := ctx.Err(); err != nil {
			return res, s.finish(ctx, ScopeAirport, airportID, res, err)
		}
		ares, err := s.sweepAgreement(ctx, &agreements[i], swept)
		if ares != nil {
			res.add(ares)
		}
		if err != nil {
			res.Failed++
			s.recordError(ctx, ScopeRentalAgreement+":"+strconv.FormatUint(uint64(agreements[i].ID), 10), err)
		}
	}
	log.Infof("[Reconcile] Airport %s: %d agreements, %d missing invoices, %d rental invoices created, %d failed",
		airport.Identifier, res.Agreements, res.MissingInvoices, res.Created, res.Failed)
	return res, s.finish(ctx, ScopeAirport, airportID, res, nil)
}

// HandleJob runs a reconcile_airport job.
func (s *Sweeper) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.ReconcileAirportJobPayloadFromMap(job.Payload)
	if err != nil || payload.AirportID == 0 {
		return jobqueue.Permanent(fmt.Errorf("bad reconcile payload %v: %v", job.Payload, err))
	}
	_, err = s.SweepAirport(ctx, payload.AirportID)
	if errors.Is(err, ErrNotFound) {
		return jobqueue.Permanent(err)
	}
	return err
}

func (s *Sweeper) locked(ctx context.Context, objectID string, fn func() error) error {
	lock, err := s.locker.Acquire(ctx, billing.ObjectLockName(objectID))
	if err != nil {
		return fmt.Errorf("lock %s: %w", objectID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("[Reconcile] %v", err)
		}
	}()
	return fn()
}

// finish records the sweep outcome and passes err through.
func (s *Sweeper) finish(ctx context.Context, scope string, id uint, res *Result, err error) error {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		s.recordError(ctx, scope+":"+strconv.FormatUint(uint64(id), 10), err)
	case res != nil && res.Failed > 0:
		status = "partial"
	}
	var missing map[string]int
	if res != nil {
		missing = res.missing()
	}
	s.metrics.SweepCompleted(scope, status, missing)
	return err
}

func (s *Sweeper) recordError(ctx context.Context, reference string, err error) {
	log.Errorf("[Reconcile] %s: %v", reference, err)
	row := &models.BillingError{
		Context:   models.BillingErrorContextReconcile,
		Reference: reference,
		Kind:      gateway.KindOf(err).String(),
		Message:   err.Error(),
	}
	if errors.Is(err, ErrNotFound) {
		row.Kind = gateway.NotFound.String()
	}
	if cerr := s.repos.Errors.Create(ctx, row); cerr != nil {
		log.Errorf("[Reconcile] Could not record error for %s: %v", reference, cerr)
	}
}
