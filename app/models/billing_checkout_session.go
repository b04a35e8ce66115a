package models

import (
	"time"

	"gorm.io/datatypes"
)

// BillingCheckoutSession is the local projection of a hosted checkout session
// that creates a rent subscription.
type BillingCheckoutSession struct {
	ID                   uint              `gorm:"primaryKey" json:"id"`
	RemoteID             string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_checkout_sessions_remote_id" json:"remote_id"`
	CustomerID           *uint             `gorm:"default:null;index" json:"customer_id,omitempty"`
	RentalAgreementID    *uint             `gorm:"default:null;index" json:"rental_agreement_id,omitempty"`
	SubscriptionRemoteID string            `gorm:"type:varchar(191);not null;default:''" json:"subscription_remote_id"`
	Status               string            `gorm:"type:varchar(32);not null;default:''" json:"status"`
	URL                  string            `gorm:"type:varchar(1000);not null;default:''" json:"url"`
	Metadata             datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt            time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
