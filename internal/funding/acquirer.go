package funding

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrPaymentDeclined is returned when the acquirer refuses to move the funds.
var ErrPaymentDeclined = errors.New("payment declined")

const (
	// PurposeDeposit authorizes a wallet top-up.
	PurposeDeposit = "deposit"
	// PurposeUtilityPurchase authorizes a direct-pay token purchase.
	PurposeUtilityPurchase = "utility_purchase"

	StatusApproved = "approved"
	StatusDeclined = "declined"
)

// Acquirer represents a connector to an external card processor. Its
// decision is the funds-available signal for money that never sits in the wallet.
type Acquirer interface {
	Authorize(ctx context.Context, input Authorization) (AuthorizationDecision, error)
}

// Authorization encapsulates the details sent to the acquirer.
type Authorization struct {
	Purpose    string
	UserEmail  string
	Amount     decimal.Decimal
	Reference  string
	CardNumber string
	Expiry     string
	CVV        string
}

// AuthorizationDecision captures the acquirer response.
type AuthorizationDecision struct {
	Reference string
	Status    string
	Reason    string
}

// StaticAcquirer simulates a successful acquirer integration.
type StaticAcquirer struct{}

// Authorize approves the request with a synthetic reference.
func (StaticAcquirer) Authorize(_ context.Context, _ Authorization) (AuthorizationDecision, error) {
	return AuthorizationDecision{Reference: uuid.NewString(), Status: StatusApproved}, nil
}

// Authorize asks acq for a decision and turns a decline into ErrPaymentDeclined.
func Authorize(ctx context.Context, acq Acquirer, input Authorization) (AuthorizationDecision, error) {
	if !input.Amount.IsPositive() {
		return AuthorizationDecision{}, fmt.Errorf("amount must be positive")
	}
	decision, err := acq.Authorize(ctx, input)
	if err != nil {
		return AuthorizationDecision{}, err
	}
	if decision.Status != StatusApproved {
		if decision.Reason != "" {
			return decision, fmt.Errorf("%w: %s", ErrPaymentDeclined, decision.Reason)
		}
		return decision, ErrPaymentDeclined
	}
	return decision, nil
}
