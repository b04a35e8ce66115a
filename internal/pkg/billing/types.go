package billing

import (
	"strconv"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RefreshResult carries the projection a refresh wrote. Exactly one of the
// object pointers is set; Created reports a first sighting.
type RefreshResult struct {
	Customer        *models.BillingCustomer
	Subscription    *models.BillingSubscription
	Invoice         *models.BillingInvoice
	CheckoutSession *models.BillingCheckoutSession
	Account         *models.BillingConnectedAccount
	Created         bool
}

// MinorToDecimal converts gateway minor units (cents) to a money amount.
func MinorToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// DecimalToMinor converts a money amount to gateway minor units, rounding half
// away from zero.
func DecimalToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func jsonMap(in map[string]string) datatypes.JSONMap {
	if len(in) == 0 {
		return datatypes.JSONMap{}
	}
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AgreementIDFromMetadata reads the rental agreement reference written on
// gateway objects. The second result is false when absent or malformed.
func AgreementIDFromMetadata(md map[string]string) (uint, bool) {
	raw, ok := md[models.MetadataRentalAgreementKey]
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// AgreementIDFromJSON is AgreementIDFromMetadata for stored projections.
func AgreementIDFromJSON(md datatypes.JSONMap) (uint, bool) {
	v, ok := md[models.MetadataRentalAgreementKey]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case string:
		return AgreementIDFromMetadata(map[string]string{models.MetadataRentalAgreementKey: t})
	case float64:
		if t > 0 {
			return uint(t), true
		}
	}
	return 0, false
}

// AgreementMetadata is the metadata set on every gateway object created for
// an agreement.
func AgreementMetadata(ra *models.RentalAgreement) map[string]string {
	md := map[string]string{
		models.MetadataRentalAgreementKey: ra.MetadataValue(),
	}
	if ra.Airport != nil {
		md[models.MetadataAirportKey] = ra.Airport.Identifier
	}
	if ra.HangarCode != "" {
		md[models.MetadataHangarKey] = ra.HangarCode
	}
	return md
}

// ObjectLockName is the lock every writer of one gateway object's projection
// takes, so webhook processing and sweeps never interleave on it.
func ObjectLockName(objectID string) string {
	return "billing:object:" + objectID
}
