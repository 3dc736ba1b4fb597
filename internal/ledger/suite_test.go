package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// runStoreSuite exercises the Store contract. Backends call it with a factory
// so the same expectations hold for memory, Postgres and MongoDB.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AtomicRollsBackOnError", func(t *testing.T) { testAtomicRollback(t, newStore(t)) })
	t.Run("WalletNeverNegative", func(t *testing.T) { testWalletNeverNegative(t, newStore(t)) })
	t.Run("UnitsUpsertAndGuard", func(t *testing.T) { testUnitsUpsert(t, newStore(t)) })
	t.Run("TokenCodeUniqueAndTransitions", func(t *testing.T) { testTokenTransitions(t, newStore(t)) })
	t.Run("DuplicateClientTxID", func(t *testing.T) { testDuplicateClientTx(t, newStore(t)) })
	t.Run("ConcurrentClientTxID", func(t *testing.T) { testConcurrentClientTx(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("TransactionFilterHalfOpen", func(t *testing.T) { testTransactionFilter(t, newStore(t)) })
}

func uniqueEmail() string {
	return "user-" + uuid.NewString()[:8] + "@example.com"
}

func testAtomicRollback(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	if err := SeedWallet(ctx, s, email, decimal.NewFromInt(50)); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if _, _, err := tx.AdjustWallet(ctx, email, decimal.NewFromInt(-20)); err != nil {
			return err
		}
		if _, _, err := tx.AdjustUnits(ctx, email, utility.Water, 20); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, Transaction{UserEmail: email, Type: TypePurchaseUtility, Units: 20,
			Utility: utility.Water, Amount: decimal.NewFromInt(-20), PaymentMethod: MethodWallet}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	w, err := s.Wallet(ctx, email)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected balance 50 after rollback, got %s", w.Balance)
	}
	if _, err := s.UtilityBalance(ctx, email, utility.Water); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no utility balance after rollback, got %v", err)
	}
	txs, err := s.Transactions(ctx, TransactionFilter{UserEmail: email, Types: []TxType{TypePurchaseUtility}})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no purchase entries after rollback, got %d", len(txs))
	}
}

func testWalletNeverNegative(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	if err := SeedWallet(ctx, s, email, decimal.RequireFromString("10.50")); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, _, err := tx.AdjustWallet(ctx, email, decimal.RequireFromString("-10.51"))
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	var before, after decimal.Decimal
	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		before, after, err = tx.AdjustWallet(ctx, email, decimal.RequireFromString("-10.50"))
		return err
	})
	if err != nil {
		t.Fatalf("exact debit: %v", err)
	}
	if !before.Equal(decimal.RequireFromString("10.50")) || !after.IsZero() {
		t.Fatalf("unexpected before/after %s/%s", before, after)
	}

	if _, err := s.Wallet(ctx, uniqueEmail()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown wallet, got %v", err)
	}
}

func testUnitsUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		before, after, err := tx.AdjustUnits(ctx, email, utility.Gas, 7)
		if err != nil {
			return err
		}
		if before != 0 || after != 7 {
			return fmt.Errorf("unexpected before/after %d/%d", before, after)
		}
		before, after, err = tx.AdjustUnits(ctx, email, utility.Gas, -2)
		if err != nil {
			return err
		}
		if before != 7 || after != 5 {
			return fmt.Errorf("unexpected before/after %d/%d", before, after)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("adjust units: %v", err)
	}

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, _, err := tx.AdjustUnits(ctx, email, utility.Gas, -6)
		return err
	})
	if !errors.Is(err, ErrInsufficientUnits) {
		t.Fatalf("expected insufficient units, got %v", err)
	}

	b, err := s.UtilityBalance(ctx, email, utility.Gas)
	if err != nil {
		t.Fatalf("utility balance: %v", err)
	}
	if b.Units != 5 {
		t.Fatalf("expected 5 units, got %d", b.Units)
	}
}

func testTokenTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	code, err := token.NewGenerator().Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tok := token.RechargeToken{
		ID:            uuid.NewString(),
		Code:          code,
		OwnerEmail:    email,
		Utility:       utility.Energy,
		Units:         4,
		TotalAmount:   decimal.RequireFromString("0.52"),
		PaymentMethod: MethodWallet,
		TransactionID: uuid.NewString(),
		Status:        token.StatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertToken(ctx, tok) }); err != nil {
		t.Fatalf("insert token: %v", err)
	}

	dup := tok
	dup.ID = uuid.NewString()
	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertToken(ctx, dup) })
	if !errors.Is(err, token.ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if _, ok, err := tx.ActiveToken(ctx, code, utility.Water, email); err != nil || ok {
			return fmt.Errorf("wrong utility must miss: ok=%v err=%v", ok, err)
		}
		found, ok, err := tx.ActiveToken(ctx, code, utility.Energy, email)
		if err != nil || !ok {
			return fmt.Errorf("active token: ok=%v err=%v", ok, err)
		}
		return tx.TransitionToken(ctx, token.Transition{TokenID: found.ID, From: token.StatusActive,
			To: token.StatusUsed, At: time.Now().UTC(), MeterID: "MTR-9"})
	})
	if err != nil {
		t.Fatalf("redeem transition: %v", err)
	}

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.TransitionToken(ctx, token.Transition{TokenID: tok.ID, From: token.StatusActive,
			To: token.StatusInactive, At: time.Now().UTC()})
	})
	if !errors.Is(err, token.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	got, err := s.TokenByCode(ctx, code)
	if err != nil {
		t.Fatalf("token by code: %v", err)
	}
	if got.Status != token.StatusUsed || got.MeterID != "MTR-9" || got.UsedAt == nil || got.VoidedAt != nil {
		t.Fatalf("unexpected token %+v", got)
	}
}

func testDuplicateClientTx(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	clientID := uuid.NewString()
	entry := Transaction{UserEmail: email, ClientTxID: clientID, Type: TypeDeposit,
		Amount: decimal.NewFromInt(5), PaymentMethod: MethodWallet}

	if err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.AppendTransaction(ctx, entry) }); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.AppendTransaction(ctx, entry) })
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	other := entry
	other.Type = TypePurchaseUtility
	other.Utility = utility.Water
	other.Units = 1
	if err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.AppendTransaction(ctx, other) }); err != nil {
		t.Fatalf("same client id under another type should be accepted: %v", err)
	}

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		prior, err := tx.TransactionByClientID(ctx, email, TypeDeposit, clientID)
		if err != nil {
			return err
		}
		if !prior.Amount.Equal(decimal.NewFromInt(5)) || prior.Status != StatusCompleted {
			return fmt.Errorf("unexpected prior %+v", prior)
		}
		_, err = tx.TransactionByClientID(ctx, email, TypeRedeem, clientID)
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	stranger := entry
	stranger.ID = ""
	stranger.UserEmail = uniqueEmail()
	if err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.AppendTransaction(ctx, stranger) }); err != nil {
		t.Fatalf("same client id for another user should be accepted: %v", err)
	}
	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		prior, err := tx.TransactionByClientID(ctx, stranger.UserEmail, TypeDeposit, clientID)
		if err != nil {
			return err
		}
		if prior.UserEmail != stranger.UserEmail {
			return fmt.Errorf("lookup crossed users: %+v", prior)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scoped lookup: %v", err)
	}
}

// testConcurrentClientTx races units of work that check then append the same
// ClientTxID. Exactly one commits; the others observe the winner as a duplicate.
func testConcurrentClientTx(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	clientID := uuid.NewString()

	const workers = 8
	var (
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.TransactionByClientID(ctx, email, TypeDeposit, clientID)
				if err == nil {
					return ErrDuplicateTransaction
				}
				if !errors.Is(err, ErrNotFound) {
					return err
				}
				return tx.AppendTransaction(ctx, Transaction{UserEmail: email, ClientTxID: clientID,
					Type: TypeDeposit, Amount: decimal.NewFromInt(1), PaymentMethod: MethodCard})
			})
		}()
	}
	wg.Wait()
	close(errs)

	committed := 0
	for err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrDuplicateTransaction):
		default:
			t.Fatalf("expected commit or duplicate, got %v", err)
		}
	}
	if committed != 1 {
		t.Fatalf("expected exactly one commit, got %d", committed)
	}
}

func testConcurrentDebits(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	if err := SeedWallet(ctx, s, email, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
				_, _, err := tx.AdjustWallet(ctx, email, decimal.NewFromInt(-10))
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) && !IsRetryable(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := s.Wallet(ctx, email)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	want := decimal.NewFromInt(100 - int64(succeeded)*10)
	if !w.Balance.Equal(want) {
		t.Fatalf("expected balance %s after %d debits, got %s", want, succeeded, w.Balance)
	}
	if w.Balance.IsNegative() {
		t.Fatalf("wallet went negative: %s", w.Balance)
	}
}

func testTransactionFilter(t *testing.T, s Store) {
	ctx := context.Background()
	email := uniqueEmail()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	stamps := []time.Time{base.Add(-time.Hour), base, base.Add(24 * time.Hour), base.AddDate(0, 1, 0)}

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		for i, at := range stamps {
			if err := tx.AppendTransaction(ctx, Transaction{UserEmail: email, Type: TypePurchaseUtility,
				Utility: utility.Water, Units: int64(i + 1), Amount: decimal.NewFromInt(1),
				PaymentMethod: MethodDirectPay, CreatedAt: at}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	txs, err := s.Transactions(ctx, TransactionFilter{UserEmail: email, Utility: utility.Water,
		From: base, To: base.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 2 || txs[0].Units != 2 || txs[1].Units != 3 {
		t.Fatalf("expected entries 2 and 3 in [start, end), got %+v", txs)
	}

	recent, err := s.Transactions(ctx, TransactionFilter{UserEmail: email, Limit: 2})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Units != 3 || recent[1].Units != 4 {
		t.Fatalf("expected the two newest entries oldest first, got %+v", recent)
	}
}
