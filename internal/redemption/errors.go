package redemption

import (
	"errors"
	"fmt"

	"github.com/meter-pay/meter_pay/internal/ledger"
)

// ErrInvalidOrUsedToken is returned for every token that cannot be redeemed:
// unknown code, wrong owner, wrong utility, already used or voided.
var ErrInvalidOrUsedToken = errors.New("invalid or used token")

// ValidationError reports malformed redemption input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientPendingUnitsError reports a bucket holding fewer units than the
// token carries. The whole redemption is aborted and the token stays active.
type InsufficientPendingUnitsError struct {
	Pending   int64
	Requested int64
}

func (e *InsufficientPendingUnitsError) Error() string {
	return fmt.Sprintf("insufficient pending units: have %d, token carries %d", e.Pending, e.Requested)
}

func (e *InsufficientPendingUnitsError) Unwrap() error {
	return ledger.ErrInsufficientUnits
}
