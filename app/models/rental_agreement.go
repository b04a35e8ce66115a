package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RentalAgreement is the owning aggregate of rental invoices and rent
// subscriptions. Only the columns billing needs are mapped here.
type RentalAgreement struct {
	ID                         uint             `gorm:"primaryKey" json:"id"`
	AirportID                  uint             `gorm:"not null;index" json:"airport_id"`
	Airport                    *Airport         `gorm:"foreignKey:AirportID" json:"airport,omitempty"`
	CustomerID                 *uint            `gorm:"default:null;index" json:"customer_id,omitempty"`
	Customer                   *BillingCustomer `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	HangarCode                 string           `gorm:"type:varchar(32);not null;default:''" json:"hangar_code"`
	TenantEmail                string           `gorm:"type:varchar(191);not null;default:''" json:"tenant_email"`
	TenantName                 string           `gorm:"type:varchar(200);not null;default:''" json:"tenant_name"`
	TenantUserID               *uint            `gorm:"default:null" json:"tenant_user_id,omitempty"`
	Rent                       decimal.Decimal  `gorm:"type:decimal(12,2);not null;default:0" json:"rent"`
	StartDate                  time.Time        `gorm:"type:date;not null" json:"start_date"`
	EndDate                    *time.Time       `gorm:"type:date;default:null" json:"end_date,omitempty"`
	DefaultCollectionStartDate *time.Time       `gorm:"type:date;default:null" json:"default_collection_start_date,omitempty"`
	CreatedAt                  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActiveOn reports whether the agreement covers the given day.
func (ra *RentalAgreement) IsActiveOn(day time.Time) bool {
	if day.Before(ra.StartDate) {
		return false
	}
	return ra.EndDate == nil || !day.After(*ra.EndDate)
}

// MetadataValue is the value stored under MetadataRentalAgreementKey on gateway
// objects created for this agreement.
func (ra *RentalAgreement) MetadataValue() string {
	return uintToString(ra.ID)
}

// Metadata keys written on gateway objects so webhooks can be traced back to
// the owning aggregate.
const (
	MetadataRentalAgreementKey = "rental_agreement_id"
	MetadataAirportKey         = "airport"
	MetadataHangarKey          = "hangar"
)
