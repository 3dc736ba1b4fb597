package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds occurs when a wallet lacks the balance to cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientUnits occurs when a utility bucket would drop below zero.
	ErrInsufficientUnits = errors.New("insufficient pending units")

	// ErrDuplicateTransaction indicates the provided client transaction identifier
	// already exists and therefore the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrContention is returned when a unit of work kept conflicting with
	// concurrent writers until the retry budget ran out.
	ErrContention = errors.New("ledger contention: retries exhausted")

	// ErrStoreUnavailable wraps timeouts and connection failures. The unit of
	// work did not commit and is safe to retry.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// errConflict marks a backend error that warrants re-running the unit of work.
	errConflict = errors.New("ledger write conflict")
)

// IsRetryable reports whether the caller may safely resubmit the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrStoreUnavailable)
}

// TxType classifies an entry in the transaction log.
type TxType string

const (
	TypeDeposit         TxType = "deposit"
	TypePurchaseUtility TxType = "purchase_utility"
	TypeRedeem          TxType = "redeem"
	TypeTokenVoid       TxType = "token_void"
)

const (
	// MethodWallet marks operations funded from (or credited to) the wallet.
	MethodWallet = "wallet"
	// MethodDirectPay marks purchases settled outside the wallet.
	MethodDirectPay = "direct_pay"
	// MethodCard marks deposits settled by the card acquirer.
	MethodCard = "card"
	// MethodMeter marks redemptions performed by a meter device.
	MethodMeter = "meter"
	// MethodAdmin marks administrative actions such as voids.
	MethodAdmin = "admin"

	// StatusCompleted is the only status a committed log entry carries.
	StatusCompleted = "completed"
)

// WalletAccount is the monetary balance of a user.
type WalletAccount struct {
	UserEmail string
	Balance   decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UtilityBalance is the pool of purchased but not yet redeemed units for one
// user and utility.
type UtilityBalance struct {
	UserEmail   string
	Utility     utility.Type
	Units       int64
	Version     int64
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Transaction is an immutable entry in the log.
type Transaction struct {
	ID             string
	ClientTxID     string
	UserEmail      string
	Type           TxType
	Amount         decimal.Decimal
	Units          int64
	Utility        utility.Type
	InitialBalance decimal.NullDecimal
	FinalBalance   decimal.NullDecimal
	UnitsBefore    *int64
	UnitsAfter     *int64
	PaymentMethod  string
	TokenCode      string
	MeterID        string
	Status         string
	CreatedAt      time.Time
}

// SignedUnits returns the effect of t on its utility bucket.
func (t Transaction) SignedUnits() int64 {
	switch t.Type {
	case TypePurchaseUtility:
		return t.Units
	case TypeRedeem, TypeTokenVoid:
		return -t.Units
	default:
		return 0
	}
}

// AffectsWallet reports whether t moved money in or out of the wallet.
func (t Transaction) AffectsWallet() bool {
	switch t.Type {
	case TypeDeposit:
		return true
	case TypePurchaseUtility:
		return t.PaymentMethod == MethodWallet
	default:
		return false
	}
}

// UnitPrice is the configured price of one unit of a utility.
type UnitPrice struct {
	Utility      utility.Type
	PricePerUnit decimal.Decimal
	Currency     string
	UnitLabel    string
	UpdatedAt    time.Time
}

// TransactionFilter narrows a log query. Zero fields do not filter.
// The time range is half-open: From <= CreatedAt < To. Results are ordered
// oldest first; a positive Limit keeps only the most recent entries.
type TransactionFilter struct {
	UserEmail string
	Utility   utility.Type
	Types     []TxType
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether t passes the filter.
func (f TransactionFilter) Matches(t Transaction) bool {
	if f.UserEmail != "" && t.UserEmail != f.UserEmail {
		return false
	}
	if f.Utility != "" && t.Utility != f.Utility {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, typ := range f.Types {
			if typ == t.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// TokenFilter narrows a token listing.
type TokenFilter struct {
	OwnerEmail string
	Utility    utility.Type
	Status     token.Status
	Limit      int
}

// Tx is the view a unit of work writes through. Every method observes the
// writes made earlier in the same unit and nothing is visible to other
// readers until the unit commits.
type Tx interface {
	token.Store

	// LockWallet reads the wallet and holds it against concurrent writers.
	LockWallet(ctx context.Context, email string) (WalletAccount, error)
	// AdjustWallet adds delta to the wallet balance. ErrInsufficientFunds if
	// the result would be negative.
	AdjustWallet(ctx context.Context, email string, delta decimal.Decimal) (before, after decimal.Decimal, err error)
	// AdjustUnits adds delta to the utility bucket, creating it on first use.
	// ErrInsufficientUnits if the result would be negative.
	AdjustUnits(ctx context.Context, email string, u utility.Type, delta int64) (before, after int64, err error)
	// TokenByCode returns the token with the given code regardless of status.
	TokenByCode(ctx context.Context, code string) (token.RechargeToken, error)
	// AppendTransaction adds an entry to the log. ErrDuplicateTransaction if the
	// same user already has an entry of that type with the ClientTxID.
	AppendTransaction(ctx context.Context, t Transaction) error
	// TransactionByClientID finds the user's prior entry for idempotent replays.
	// ClientTxIDs are scoped per user; another user's entry never matches.
	TransactionByClientID(ctx context.Context, email string, typ TxType, clientTxID string) (Transaction, error)
}

// Store is a ledger backend.
type Store interface {
	// Atomic runs fn as one all-or-nothing unit of work. fn may run more than
	// once when the backend detects a conflicting concurrent writer.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	EnsureWallet(ctx context.Context, email string) (WalletAccount, error)
	Wallet(ctx context.Context, email string) (WalletAccount, error)
	UtilityBalance(ctx context.Context, email string, u utility.Type) (UtilityBalance, error)
	UtilityBalances(ctx context.Context, email string) ([]UtilityBalance, error)
	AllUtilityBalances(ctx context.Context) ([]UtilityBalance, error)
	Transactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	Tokens(ctx context.Context, f TokenFilter) ([]token.RechargeToken, error)
	TokenByCode(ctx context.Context, code string) (token.RechargeToken, error)

	Price(ctx context.Context, u utility.Type) (UnitPrice, error)
	Prices(ctx context.Context) ([]UnitPrice, error)
	SetPrice(ctx context.Context, p UnitPrice) error

	Ping(ctx context.Context) error
}

// prepare fills the defaults every backend applies before appending t.
func prepare(t Transaction, now time.Time) (Transaction, error) {
	if t.UserEmail == "" || t.Type == "" {
		return t, errors.New("transaction requires user and type")
	}
	if t.Units < 0 {
		return t, errors.New("transaction units must be a non-negative magnitude")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusCompleted
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func clientKey(email string, typ TxType, clientTxID string) string {
	return email + "|" + string(typ) + ":" + clientTxID
}
