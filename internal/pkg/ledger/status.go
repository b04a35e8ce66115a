package ledger

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/HangarLedger/app/models"
)

// ErrIllegalTransition is returned for a status change the ledger forbids.
var ErrIllegalTransition = errors.New("ledger: illegal status transition")

type transition struct {
	from, to models.RentalInvoiceStatus
}

var transitions = map[transition]bool{
	{models.RentalInvoiceDraft, models.RentalInvoiceOpen}:         true,
	{models.RentalInvoiceDraft, models.RentalInvoiceCancelled}:    true,
	{models.RentalInvoiceOpen, models.RentalInvoicePaid}:          true,
	{models.RentalInvoiceOpen, models.RentalInvoiceUncollectible}: true,
	{models.RentalInvoiceOpen, models.RentalInvoiceCancelled}:     true,
	{models.RentalInvoiceOpen, models.RentalInvoiceWaived}:        true,
	{models.RentalInvoicePaid, models.RentalInvoiceWaived}:        true,
}

// CanTransition reports whether a rental invoice may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to models.RentalInvoiceStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return from == to || transitions[transition{from, to}]
}

// checkTransition returns ErrIllegalTransition wrapped with both statuses.
func checkTransition(from, to models.RentalInvoiceStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from.Label(), to.Label())
}

// StatusFromRemote maps a gateway invoice status onto the ledger.
func StatusFromRemote(s models.InvoiceStatus) models.RentalInvoiceStatus {
	switch s {
	case models.InvoiceDraft:
		return models.RentalInvoiceDraft
	case models.InvoiceOpen:
		return models.RentalInvoiceOpen
	case models.InvoicePaid:
		return models.RentalInvoicePaid
	case models.InvoiceUncollectible:
		return models.RentalInvoiceUncollectible
	case models.InvoiceVoid, models.InvoiceDeleted:
		return models.RentalInvoiceCancelled
	default:
		return models.RentalInvoiceDraft
	}
}
