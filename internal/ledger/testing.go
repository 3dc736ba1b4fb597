package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// SeedWallet is a helper for tests and local runs: it opens the wallet and
// credits amount through a deposit entry so the log still reconstructs the balance.
func SeedWallet(ctx context.Context, s Store, email string, amount decimal.Decimal) error {
	if _, err := s.EnsureWallet(ctx, email); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return nil
	}
	return s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		before, after, err := tx.AdjustWallet(ctx, email, amount)
		if err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, Transaction{
			UserEmail:      email,
			Type:           TypeDeposit,
			Amount:         amount,
			PaymentMethod:  MethodCard,
			InitialBalance: decimal.NewNullDecimal(before),
			FinalBalance:   decimal.NewNullDecimal(after),
		})
	})
}
