package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RentalInvoiceStatus is the ledger status of a rental invoice.
type RentalInvoiceStatus string

const (
	RentalInvoiceDraft         RentalInvoiceStatus = "I"
	RentalInvoiceOpen          RentalInvoiceStatus = "O"
	RentalInvoicePaid          RentalInvoiceStatus = "P"
	RentalInvoiceWaived        RentalInvoiceStatus = "W"
	RentalInvoiceUncollectible RentalInvoiceStatus = "U"
	RentalInvoiceCancelled     RentalInvoiceStatus = "X"
)

// RentalInvoiceStatuses lists every ledger status.
var RentalInvoiceStatuses = []RentalInvoiceStatus{
	RentalInvoiceDraft,
	RentalInvoiceOpen,
	RentalInvoicePaid,
	RentalInvoiceWaived,
	RentalInvoiceUncollectible,
	RentalInvoiceCancelled,
}

var rentalInvoiceStatusLabels = map[RentalInvoiceStatus]string{
	RentalInvoiceDraft:         "Draft",
	RentalInvoiceOpen:          "Open",
	RentalInvoicePaid:          "Paid",
	RentalInvoiceWaived:        "Waived",
	RentalInvoiceUncollectible: "Uncollectible",
	RentalInvoiceCancelled:     "Cancelled",
}

func (s RentalInvoiceStatus) Label() string {
	if l, ok := rentalInvoiceStatusLabels[s]; ok {
		return l
	}
	return "Unknown"
}

// Valid reports whether s is a known status code.
func (s RentalInvoiceStatus) Valid() bool {
	_, ok := rentalInvoiceStatusLabels[s]
	return ok
}

// PaymentMethod codes recorded when a rental invoice is paid.
type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "CA"
	PaymentCheck      PaymentMethod = "CH"
	PaymentCreditCard PaymentMethod = "CC"
	PaymentGateway    PaymentMethod = "S"
	PaymentOther      PaymentMethod = "O"
)

// Valid reports whether m is a known payment method code.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCheck, PaymentCreditCard, PaymentGateway, PaymentOther:
		return true
	}
	return false
}

// RentalInvoice is the locally owned ledger entry for rent that is due. It is
// never hard-deleted.
type RentalInvoice struct {
	ID                uint                `gorm:"primaryKey" json:"id"`
	RentalAgreementID uint                `gorm:"not null;index" json:"rental_agreement_id"`
	InvoiceID         *uint               `gorm:"default:null;uniqueIndex:ux_rental_invoices_invoice_id" json:"invoice_id,omitempty"`
	Invoice           *BillingInvoice     `gorm:"foreignKey:InvoiceID" json:"invoice,omitempty"`
	PeriodStartDate   time.Time           `gorm:"type:date;not null" json:"period_start_date"`
	PeriodEndDate     time.Time           `gorm:"type:date;not null" json:"period_end_date"`
	AmountCharged     decimal.Decimal     `gorm:"type:decimal(12,2);not null;default:0" json:"amount_charged"`
	AmountPaid        decimal.Decimal     `gorm:"type:decimal(12,2);not null;default:0" json:"amount_paid"`
	StatusCode        RentalInvoiceStatus `gorm:"type:varchar(1);not null;default:'I';index" json:"status_code"`
	PaymentMethodCode *PaymentMethod      `gorm:"type:varchar(2);default:null" json:"payment_method_code,omitempty"`
	DatePaid          *time.Time          `gorm:"type:timestamp;default:null" json:"date_paid,omitempty"`
	InvoiceNumber     string              `gorm:"type:varchar(64);not null;default:''" json:"invoice_number"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsRemote reports whether the entry is backed by a gateway invoice.
func (ri *RentalInvoice) IsRemote() bool {
	return ri.InvoiceID != nil
}

// AmountDue is what is still owed, never negative.
func (ri *RentalInvoice) AmountDue() decimal.Decimal {
	due := ri.AmountCharged.Sub(ri.AmountPaid)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// IsPartiallyPaid reports a payment was recorded but the invoice is not settled.
func (ri *RentalInvoice) IsPartiallyPaid() bool {
	return ri.AmountPaid.IsPositive() && ri.AmountPaid.LessThan(ri.AmountCharged)
}
