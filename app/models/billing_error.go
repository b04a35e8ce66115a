package models

import "time"

// Contexts under which billing errors are recorded.
const (
	BillingErrorContextWebhookEvent  = "webhook_event"
	BillingErrorContextRentalInvoice = "rental_invoice"
	BillingErrorContextReconcile     = "reconcile"
)

// BillingError is the operator-facing error record. Rows are append-only.
type BillingError struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Context   string    `gorm:"type:varchar(32);not null;index:idx_billing_errors_ref,priority:1" json:"context"`
	Reference string    `gorm:"type:varchar(191);not null;index:idx_billing_errors_ref,priority:2" json:"reference"`
	Kind      string    `gorm:"type:varchar(32);not null;default:''" json:"kind"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
