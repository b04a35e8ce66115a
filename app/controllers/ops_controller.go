package controllers

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/ledger"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/reconcile"
)

// OpsController serves the operator API for rental invoices, agreements and
// reconcile runs.
type OpsController struct {
	repos    *repository.Repositories
	ledger   *ledger.Service
	billing  *billing.Service
	sweeper  *reconcile.Sweeper
	queue    reconcile.Enqueuer
	validate *validator.Validate
}

func NewOpsController(repos *repository.Repositories, ledgerSvc *ledger.Service, billingSvc *billing.Service, sweeper *reconcile.Sweeper, queue reconcile.Enqueuer) *OpsController {
	return &OpsController{
		repos:    repos,
		ledger:   ledgerSvc,
		billing:  billingSvc,
		sweeper:  sweeper,
		queue:    queue,
		validate: validator.New(),
	}
}

type waiveRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type payRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Method string           `json:"method" validate:"omitempty,oneof=CA CH CC S O"`
}

type createInvoiceRequest struct {
	PeriodStart   string          `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd     string          `json:"period_end" validate:"required,datetime=2006-01-02"`
	Amount        decimal.Decimal `json:"amount"`
	InvoiceNumber string          `json:"invoice_number" validate:"max=64"`
	Remote        bool            `json:"remote"`
}

type subscriptionRequest struct {
	CollectionStartDate string `json:"collection_start_date" validate:"omitempty,datetime=2006-01-02"`
	Checkout            bool   `json:"checkout"`
}

// HandleCancelInvoice voids or deletes the remote invoice and cancels the row.
func (oc *OpsController) HandleCancelInvoice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	ri, err := oc.ledger.Cancel(c.UserContext(), id)
	if err != nil {
		return oc.handleError(c, "cancel rental invoice", err)
	}
	return c.Status(fiber.StatusOK).JSON(ri)
}

func (oc *OpsController) HandleWaiveInvoice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req waiveRequest
	if err := oc.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	ri, err := oc.ledger.Waive(c.UserContext(), id, req.Reason)
	if err != nil {
		return oc.handleError(c, "waive rental invoice", err)
	}
	return c.Status(fiber.StatusOK).JSON(ri)
}

// HandlePayInvoice records an out-of-band payment. Without an amount the
// remaining balance is paid.
func (oc *OpsController) HandlePayInvoice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req payRequest
	if err := oc.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	ri, err := oc.ledger.Pay(c.UserContext(), id, ledger.Payment{
		Amount: req.Amount,
		Method: models.PaymentMethod(req.Method),
	})
	if err != nil {
		return oc.handleError(c, "pay rental invoice", err)
	}
	return c.Status(fiber.StatusOK).JSON(ri)
}

// HandleCreateInvoice adds a manual rental invoice. A remote failure keeps
// the local row, which is returned with a warning.
func (oc *OpsController) HandleCreateInvoice(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req createInvoiceRequest
	if err := oc.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	start, _ := time.Parse(time.DateOnly, req.PeriodStart)
	end, _ := time.Parse(time.DateOnly, req.PeriodEnd)

	ri, err := oc.ledger.CreateRentalInvoice(c.UserContext(), ledger.NewInvoice{
		AgreementID:   id,
		PeriodStart:   start,
		PeriodEnd:     end,
		Amount:        req.Amount,
		InvoiceNumber: req.InvoiceNumber,
		Remote:        req.Remote,
	})
	var remoteErr *ledger.RemoteError
	if ri != nil && errors.As(err, &remoteErr) {
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"rental_invoice": ri, "warning": remoteErr.Error()})
	}
	if err != nil {
		return oc.handleError(c, "create rental invoice", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"rental_invoice": ri})
}

func (oc *OpsController) HandleReconcileAgreement(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	res, err := oc.sweeper.SweepRentalAgreement(c.UserContext(), id)
	if err != nil {
		return oc.handleError(c, "reconcile rental agreement", err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// HandleStartSubscription starts rent collection either directly or through
// a hosted checkout the tenant completes.
func (oc *OpsController) HandleStartSubscription(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req subscriptionRequest
	if err := oc.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	var collectionStart *time.Time
	if req.CollectionStartDate != "" {
		day, _ := time.Parse(time.DateOnly, req.CollectionStartDate)
		collectionStart = &day
	}

	if req.Checkout {
		session, err := oc.billing.CreateSubscriptionCheckout(c.UserContext(), id, collectionStart)
		if err != nil {
			return oc.handleError(c, "create checkout session", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"checkout_session": session})
	}
	sub, err := oc.billing.StartRentalSubscription(c.UserContext(), id, collectionStart)
	if err != nil {
		return oc.handleError(c, "start subscription", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"subscription": sub})
}

func (oc *OpsController) HandleCancelOpenInvoices(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	res, err := oc.ledger.CancelOpenInvoices(c.UserContext(), id)
	if err != nil {
		return oc.handleError(c, "cancel open invoices", err)
	}
	failed := make(map[string]string, len(res.Failed))
	for invoiceID, ferr := range res.Failed {
		failed[strconv.FormatUint(uint64(invoiceID), 10)] = ferr.Error()
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"cancelled": res.Cancelled,
		"skipped":   res.Skipped,
		"failed":    failed,
	})
}

func (oc *OpsController) HandlePaidThrough(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	next, err := oc.ledger.NextCollectionStartDate(c.UserContext(), id)
	if err != nil {
		return oc.handleError(c, "paid through", err)
	}
	through, err := oc.ledger.PaidThroughDate(c.UserContext(), id)
	if err != nil {
		return oc.handleError(c, "paid through", err)
	}
	var paidThrough *string
	if through != nil {
		s := through.Format(time.DateOnly)
		paidThrough = &s
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"paid_through":          paidThrough,
		"next_collection_start": next.Format(time.DateOnly),
	})
}

// HandleReconcileAirport queues a sweep of the airport for the workers.
func (oc *OpsController) HandleReconcileAirport(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if _, err := oc.repos.Airports.GetByID(c.UserContext(), id); err != nil {
		return oc.handleError(c, "reconcile airport", err)
	}
	if err := reconcile.EnqueueAirport(c.UserContext(), oc.queue, id); err != nil {
		return oc.handleError(c, "reconcile airport", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "airport": id})
}

func (oc *OpsController) bind(c *fiber.Ctx, req interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(req); err != nil {
			return err
		}
	}
	return oc.validate.Struct(req)
}

// handleError maps service errors onto status codes.
func (oc *OpsController) handleError(c *fiber.Ctx, operation string, err error) error {
	var permanent *ledger.PermanentError
	var remote *ledger.RemoteError
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, billing.ErrNotFound),
		errors.Is(err, reconcile.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ledger.ErrIllegalTransition), errors.Is(err, billing.ErrActiveSubscription),
		errors.Is(err, billing.ErrCustomerDeleted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	case errors.As(err, &permanent):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "refused", "message": permanent.Message})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidPeriod),
		errors.Is(err, ledger.ErrInvalidPaymentMethod), errors.Is(err, billing.ErrNoTenantEmail):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	case errors.As(err, &remote), errors.As(err, &gwErr):
		log.Errorf("[Ops] %s: %v", operation, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway_error", "message": err.Error()})
	}
	log.Errorf("[Ops] %s: %v", operation, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": operation + " failed"})
}

func paramID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}
