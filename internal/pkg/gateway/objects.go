package gateway

// ObjectType is the closed set of gateway object types the engine knows about.
type ObjectType string

const (
	ObjectCustomer        ObjectType = "customer"
	ObjectSubscription    ObjectType = "subscription"
	ObjectInvoice         ObjectType = "invoice"
	ObjectCheckoutSession ObjectType = "checkout.session"
	ObjectAccount         ObjectType = "account"
	ObjectBalance         ObjectType = "balance"

	ObjectPaymentIntent  ObjectType = "payment_intent"
	ObjectInvoiceItem    ObjectType = "invoiceitem"
	ObjectCreditNote     ObjectType = "credit_note"
	ObjectSetupIntent    ObjectType = "setup_intent"
	ObjectCharge         ObjectType = "charge"
	ObjectPaymentMethod  ObjectType = "payment_method"
	ObjectCapability     ObjectType = "capability"
	ObjectProduct        ObjectType = "product"
	ObjectPrice          ObjectType = "price"
	ObjectPlan           ObjectType = "plan"
	ObjectPayout         ObjectType = "payout"
	ObjectTransfer       ObjectType = "transfer"
	ObjectApplicationFee ObjectType = "application_fee"

	// ObjectUnknown is any object type not listed above.
	ObjectUnknown ObjectType = "unknown"
)

// AllObjectTypes enumerates every ObjectType value.
var AllObjectTypes = []ObjectType{
	ObjectCustomer,
	ObjectSubscription,
	ObjectInvoice,
	ObjectCheckoutSession,
	ObjectAccount,
	ObjectBalance,
	ObjectPaymentIntent,
	ObjectInvoiceItem,
	ObjectCreditNote,
	ObjectSetupIntent,
	ObjectCharge,
	ObjectPaymentMethod,
	ObjectCapability,
	ObjectProduct,
	ObjectPrice,
	ObjectPlan,
	ObjectPayout,
	ObjectTransfer,
	ObjectApplicationFee,
	ObjectUnknown,
}

// ParseObjectType maps the "object" field of a gateway payload to an
// ObjectType. Unrecognized values map to ObjectUnknown.
func ParseObjectType(raw string) ObjectType {
	for _, t := range AllObjectTypes {
		if t != ObjectUnknown && string(t) == raw {
			return t
		}
	}
	return ObjectUnknown
}

// IsAccountLevel reports object types whose events are identified by the
// connected account rather than by their own id.
func (t ObjectType) IsAccountLevel() bool {
	return t == ObjectBalance || t == ObjectAccount
}
