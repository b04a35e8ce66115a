package models

import (
	"time"

	"gorm.io/datatypes"
)

// BillingCustomer is the local projection of a gateway customer. A customer is
// shared by every rental agreement of the same tenant.
type BillingCustomer struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	RemoteID          string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_customers_remote_id" json:"remote_id"`
	Email             string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_customers_email" json:"email"`
	UserID            *uint             `gorm:"default:null;index" json:"user_id,omitempty"`
	AccountID         string            `gorm:"type:varchar(191);not null;default:''" json:"account_id"`
	DisplayName       string            `gorm:"type:varchar(200);not null;default:''" json:"display_name"`
	BalanceMinorUnits int64             `gorm:"not null;default:0" json:"balance_minor_units"`
	Delinquent        bool              `gorm:"default:false" json:"delinquent"`
	InvoicePrefix     string            `gorm:"type:varchar(32);not null;default:''" json:"invoice_prefix"`
	Metadata          datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	Deleted           bool              `gorm:"default:false" json:"deleted"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
