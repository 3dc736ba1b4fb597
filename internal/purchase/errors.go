package purchase

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
)

// ErrInvalidPurchase wraps every precondition failure on the request itself.
var ErrInvalidPurchase = errors.New("invalid purchase")

// InsufficientFundsError reports a wallet that cannot cover the purchase cost.
type InsufficientFundsError struct {
	WalletBalance  decimal.Decimal
	Cost           decimal.Decimal
	Shortfall      decimal.Decimal
	PaymentOptions []string
}

func newInsufficientFunds(balance, cost decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{
		WalletBalance:  balance,
		Cost:           cost,
		Shortfall:      cost.Sub(balance),
		PaymentOptions: []string{ledger.MethodDirectPay, "deposit"},
	}
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient wallet balance: have %s, need %s (short %s)", e.WalletBalance, e.Cost, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ledger.ErrInsufficientFunds
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPurchase, fmt.Sprintf(format, args...))
}
