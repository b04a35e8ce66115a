package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus mirrors the gateway invoice status. InvoiceDeleted is local and
// records a draft that no longer exists remotely.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceDeleted       InvoiceStatus = "deleted"
)

// BillingInvoice is the local projection of a gateway invoice.
type BillingInvoice struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	RemoteID        string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_invoices_remote_id" json:"remote_id"`
	CustomerID      uint              `gorm:"not null;index" json:"customer_id"`
	SubscriptionID  *uint             `gorm:"default:null;index" json:"subscription_id,omitempty"`
	Status          InvoiceStatus     `gorm:"type:varchar(32);not null;default:'draft';index" json:"status"`
	AmountCharged   decimal.Decimal   `gorm:"type:decimal(12,2);not null;default:0" json:"amount_charged"`
	AmountPaid      decimal.Decimal   `gorm:"type:decimal(12,2);not null;default:0" json:"amount_paid"`
	AmountRemaining decimal.Decimal   `gorm:"type:decimal(12,2);not null;default:0" json:"amount_remaining"`
	PeriodStart     *time.Time        `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd       *time.Time        `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	DueDate         *time.Time        `gorm:"type:timestamp;default:null" json:"due_date,omitempty"`
	HostedURL       string            `gorm:"type:varchar(500);not null;default:''" json:"hosted_url"`
	Metadata        datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
