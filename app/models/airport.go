package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Airport carries the billing settings of a tenant airport.
type Airport struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Identifier      string          `gorm:"type:varchar(10);not null;uniqueIndex" json:"identifier"`
	DisplayName     string          `gorm:"type:varchar(200);not null;default:''" json:"display_name"`
	TimeZone        string          `gorm:"type:varchar(64);not null;default:'UTC'" json:"time_zone"`
	RemoteAccountID string          `gorm:"type:varchar(191);not null;default:'';index" json:"remote_account_id"`
	FeePercent      decimal.Decimal `gorm:"type:decimal(5,4);not null;default:0" json:"fee_percent"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Location resolves the airport time zone, falling back to UTC.
func (a *Airport) Location() *time.Location {
	if a == nil || a.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func uintToString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
