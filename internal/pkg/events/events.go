// Package events turns inbound gateway notifications into durable webhook
// event rows and processes them into local projections and ledger effects.
package events

import (
	"context"
	"errors"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
)

var (
	// ErrMissingSignature means the request carried no signature header.
	ErrMissingSignature = errors.New("events: missing signature header")
	// ErrSignature means the payload failed signature verification.
	ErrSignature = errors.New("events: signature verification failed")
	// ErrMissingObjectID means neither the object nor the account identified the event.
	ErrMissingObjectID = errors.New("events: event has no object id")
	// ErrEventNotFound is returned for a webhook event id with no row.
	ErrEventNotFound = errors.New("events: webhook event not found")
)

// Enqueuer is the part of the job queue the ingress and processor need.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// ignoredObjects have no local projection. Their events are acknowledged and dropped.
var ignoredObjects = map[gateway.ObjectType]bool{
	gateway.ObjectPaymentIntent:  true,
	gateway.ObjectInvoiceItem:    true,
	gateway.ObjectCreditNote:     true,
	gateway.ObjectSetupIntent:    true,
	gateway.ObjectCharge:         true,
	gateway.ObjectPaymentMethod:  true,
	gateway.ObjectCapability:     true,
	gateway.ObjectProduct:        true,
	gateway.ObjectPrice:          true,
	gateway.ObjectPlan:           true,
	gateway.ObjectPayout:         true,
	gateway.ObjectTransfer:       true,
	gateway.ObjectApplicationFee: true,
	gateway.ObjectUnknown:        true,
}

// IsIgnored reports whether events about objectType are dropped.
func IsIgnored(objectType gateway.ObjectType) bool {
	return ignoredObjects[objectType]
}

// failureKind labels a terminal failure for operators and metrics.
func failureKind(err error) string {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Kind.String()
	}
	var p *jobqueue.PermanentError
	if errors.As(err, &p) {
		return gateway.Permanent.String()
	}
	return gateway.Transient.String()
}
