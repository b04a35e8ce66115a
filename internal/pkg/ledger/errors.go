package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a rental invoice or agreement does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidAmount rejects non-positive or missing money amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidPeriod rejects missing or inverted invoice periods.
	ErrInvalidPeriod = errors.New("ledger: invalid period")
	// ErrInvalidPaymentMethod rejects unknown payment method codes.
	ErrInvalidPaymentMethod = errors.New("ledger: invalid payment method")
)

// RemoteError reports a two-phase operation that stopped at the gateway. The
// local ledger row was not touched.
type RemoteError struct {
	Operation string
	Err       error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: remote state was not changed: %v", e.Operation, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// PermanentError is a refusal that no retry will change, such as voiding a
// paid invoice. Message is shown to operators as is.
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string { return e.Message }

// ErrPaidInvoice is the refusal to cancel an invoice the gateway reports paid.
var ErrPaidInvoice = &PermanentError{Message: "Cannot void a paid invoice."}
