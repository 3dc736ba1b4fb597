package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
)

// Service credits wallets from external deposits authorized by the acquirer.
type Service struct {
	store    ledger.Store
	acquirer Acquirer
	now      func() time.Time
}

// NewService prepares a funding service. A nil acquirer approves everything.
func NewService(store ledger.Store, acquirer Acquirer) *Service {
	if acquirer == nil {
		acquirer = StaticAcquirer{}
	}
	return &Service{store: store, acquirer: acquirer, now: time.Now}
}

// Acquirer exposes the connector so other flows can authorize direct payments.
func (s *Service) Acquirer() Acquirer {
	return s.acquirer
}

// DepositInput captures the required data for a wallet top-up.
type DepositInput struct {
	UserEmail  string
	Amount     decimal.Decimal
	ClientTxID string
	CardNumber string
	Expiry     string
	CVV        string
}

// DepositResult represents the domain outcome of a deposit.
type DepositResult struct {
	TransactionID     string
	WalletBalance     decimal.Decimal
	AcquirerReference string
	CompletedAt       time.Time
}

// Deposit authorizes the card charge and credits the wallet in one unit of
// work with its deposit entry. A repeated ClientTxID returns the original
// result with ledger.ErrDuplicateTransaction and charges nothing.
func (s *Service) Deposit(ctx context.Context, input DepositInput) (DepositResult, error) {
	if input.UserEmail == "" {
		return DepositResult{}, fmt.Errorf("user email is required")
	}
	if !input.Amount.IsPositive() {
		return DepositResult{}, fmt.Errorf("amount must be positive")
	}
	if err := validateCardNumber(input.CardNumber); err != nil {
		return DepositResult{}, err
	}

	if input.ClientTxID != "" {
		if prior, ok, err := s.priorDeposit(ctx, input.UserEmail, input.ClientTxID); err != nil {
			return DepositResult{}, err
		} else if ok {
			return prior, ledger.ErrDuplicateTransaction
		}
	}

	if _, err := s.store.EnsureWallet(ctx, input.UserEmail); err != nil {
		return DepositResult{}, err
	}

	decision, err := Authorize(ctx, s.acquirer, Authorization{
		Purpose:    PurposeDeposit,
		UserEmail:  input.UserEmail,
		Amount:     input.Amount,
		Reference:  input.ClientTxID,
		CardNumber: input.CardNumber,
		Expiry:     input.Expiry,
		CVV:        input.CVV,
	})
	if err != nil {
		return DepositResult{}, err
	}

	var result DepositResult
	err = s.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if input.ClientTxID != "" {
			prior, err := tx.TransactionByClientID(ctx, input.UserEmail, ledger.TypeDeposit, input.ClientTxID)
			if err == nil {
				result = depositResult(prior)
				return ledger.ErrDuplicateTransaction
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
		}
		before, after, err := tx.AdjustWallet(ctx, input.UserEmail, input.Amount)
		if err != nil {
			return err
		}
		entry := ledger.Transaction{
			ID:             uuid.NewString(),
			ClientTxID:     input.ClientTxID,
			UserEmail:      input.UserEmail,
			Type:           ledger.TypeDeposit,
			Amount:         input.Amount,
			InitialBalance: decimal.NewNullDecimal(before),
			FinalBalance:   decimal.NewNullDecimal(after),
			PaymentMethod:  ledger.MethodCard,
			CreatedAt:      s.now().UTC(),
		}
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		result = DepositResult{
			TransactionID: entry.ID,
			WalletBalance: after,
			CompletedAt:   entry.CreatedAt,
		}
		return nil
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		return DepositResult{}, err
	}
	result.AcquirerReference = decision.Reference
	return result, err
}

func (s *Service) priorDeposit(ctx context.Context, email, clientTxID string) (DepositResult, bool, error) {
	var (
		result DepositResult
		found  bool
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		prior, err := tx.TransactionByClientID(ctx, email, ledger.TypeDeposit, clientTxID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result, found = depositResult(prior), true
		return nil
	})
	return result, found, err
}

func depositResult(t ledger.Transaction) DepositResult {
	return DepositResult{
		TransactionID: t.ID,
		WalletBalance: t.FinalBalance.Decimal,
		CompletedAt:   t.CreatedAt,
	}
}

func validateCardNumber(card string) error {
	digits := strings.ReplaceAll(card, " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		return fmt.Errorf("card number must be between 12 and 19 digits")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("card number must be numeric")
		}
	}
	return nil
}
