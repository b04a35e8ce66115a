package models

import "time"

// BillingConnectedAccount mirrors the gateway connected account of an airport.
type BillingConnectedAccount struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RemoteID         string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_connected_accounts_remote_id" json:"remote_id"`
	Email            string    `gorm:"type:varchar(191);not null;default:''" json:"email"`
	ChargesEnabled   bool      `gorm:"default:false" json:"charges_enabled"`
	PayoutsEnabled   bool      `gorm:"default:false" json:"payouts_enabled"`
	DetailsSubmitted bool      `gorm:"default:false" json:"details_submitted"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
