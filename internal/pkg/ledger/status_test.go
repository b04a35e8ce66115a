package ledger

import (
	"testing"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransitionIsTotal(t *testing.T) {
	allowed := map[[2]models.RentalInvoiceStatus]bool{
		{models.RentalInvoiceDraft, models.RentalInvoiceOpen}:         true,
		{models.RentalInvoiceDraft, models.RentalInvoiceCancelled}:    true,
		{models.RentalInvoiceOpen, models.RentalInvoicePaid}:          true,
		{models.RentalInvoiceOpen, models.RentalInvoiceUncollectible}: true,
		{models.RentalInvoiceOpen, models.RentalInvoiceCancelled}:     true,
		{models.RentalInvoiceOpen, models.RentalInvoiceWaived}:        true,
		{models.RentalInvoicePaid, models.RentalInvoiceWaived}:        true,
	}
	for _, from := range models.RentalInvoiceStatuses {
		for _, to := range models.RentalInvoiceStatuses {
			want := from == to || allowed[[2]models.RentalInvoiceStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransitionRejectsUnknownCodes(t *testing.T) {
	assert.False(t, CanTransition("Z", models.RentalInvoiceOpen))
	assert.False(t, CanTransition(models.RentalInvoiceOpen, ""))
	assert.ErrorIs(t, checkTransition(models.RentalInvoiceCancelled, models.RentalInvoiceOpen), ErrIllegalTransition)
}

func TestStatusFromRemote(t *testing.T) {
	cases := map[models.InvoiceStatus]models.RentalInvoiceStatus{
		models.InvoiceDraft:         models.RentalInvoiceDraft,
		models.InvoiceOpen:          models.RentalInvoiceOpen,
		models.InvoicePaid:          models.RentalInvoicePaid,
		models.InvoiceUncollectible: models.RentalInvoiceUncollectible,
		models.InvoiceVoid:          models.RentalInvoiceCancelled,
		models.InvoiceDeleted:       models.RentalInvoiceCancelled,
	}
	for remote, want := range cases {
		assert.Equal(t, want, StatusFromRemote(remote), string(remote))
	}
}
