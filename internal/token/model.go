package token

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/utility"
)

// Status is the lifecycle state of a recharge token.
type Status string

const (
	// StatusActive is the initial state: the token can be redeemed.
	StatusActive Status = "active"
	// StatusUsed marks a token consumed by a meter. Terminal.
	StatusUsed Status = "used"
	// StatusInactive marks a token voided administratively. Terminal.
	StatusInactive Status = "inactive"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusUsed || s == StatusInactive
}

// RechargeToken is a single-use code redeemable for a fixed number of utility units.
type RechargeToken struct {
	ID            string
	Code          string
	OwnerEmail    string
	Utility       utility.Type
	Units         int64
	TotalAmount   decimal.Decimal
	PaymentMethod string
	TransactionID string
	Status        Status
	CreatedAt     time.Time
	UsedAt        *time.Time
	MeterID       string
	VoidedAt      *time.Time
}

// Draft carries the purchase facts a new token is minted from.
type Draft struct {
	OwnerEmail    string
	Utility       utility.Type
	Units         int64
	TotalAmount   decimal.Decimal
	PaymentMethod string
	TransactionID string
}

// Transition describes a guarded status change. The store applies it only if
// the token is still in state From.
type Transition struct {
	TokenID string
	From    Status
	To      Status
	At      time.Time
	MeterID string
}
