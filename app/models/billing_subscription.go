package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SubscriptionStatus mirrors the gateway subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// ActiveSubscriptionStatuses are the statuses that still bill or may bill again.
var ActiveSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionTrialing,
	SubscriptionActive,
	SubscriptionPastDue,
	SubscriptionUnpaid,
	SubscriptionPaused,
}

// IsActive reports whether the status is one of ActiveSubscriptionStatuses.
func (s SubscriptionStatus) IsActive() bool {
	for _, a := range ActiveSubscriptionStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// BillingSubscription is the local projection of a gateway subscription.
type BillingSubscription struct {
	ID                 uint               `gorm:"primaryKey" json:"id"`
	RemoteID           string             `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_subscriptions_remote_id" json:"remote_id"`
	CustomerID         uint               `gorm:"not null;index" json:"customer_id"`
	RentalAgreementID  *uint              `gorm:"default:null;index" json:"rental_agreement_id,omitempty"`
	Status             SubscriptionStatus `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	Amount             decimal.Decimal    `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	StartDate          *time.Time         `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	TrialEndDate       *time.Time         `gorm:"type:timestamp;default:null" json:"trial_end_date,omitempty"`
	CurrentPeriodStart *time.Time         `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	EndedAt            *time.Time         `gorm:"type:timestamp;default:null" json:"ended_at,omitempty"`
	CancelAt           *time.Time         `gorm:"type:timestamp;default:null" json:"cancel_at,omitempty"`
	CancelAtPeriodEnd  bool               `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CancellationReason string             `gorm:"type:varchar(64);not null;default:''" json:"cancellation_reason"`
	Metadata           datatypes.JSONMap  `gorm:"type:json" json:"metadata"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the subscription is in an active status.
func (s *BillingSubscription) IsActive() bool {
	return s.Status.IsActive()
}
