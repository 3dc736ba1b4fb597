package funding

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
)

type decliningAcquirer struct{ calls int }

func (a *decliningAcquirer) Authorize(context.Context, Authorization) (AuthorizationDecision, error) {
	a.calls++
	return AuthorizationDecision{Reference: "ref", Status: StatusDeclined, Reason: "card blocked"}, nil
}

type countingAcquirer struct {
	StaticAcquirer
	calls int
}

func (a *countingAcquirer) Authorize(ctx context.Context, in Authorization) (AuthorizationDecision, error) {
	a.calls++
	return a.StaticAcquirer.Authorize(ctx, in)
}

func TestServiceDeposit(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewInMemory(ledger.Options{})
	acq := &countingAcquirer{}
	service := NewService(store, acq)

	res, err := service.Deposit(ctx, DepositInput{
		UserEmail:  "ana@example.com",
		Amount:     decimal.RequireFromString("50.00"),
		CardNumber: "4111111111111111",
		Expiry:     "12/29",
		CVV:        "123",
		ClientTxID: "dup",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !res.WalletBalance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected balance 50, got %s", res.WalletBalance)
	}
	if res.TransactionID == "" || res.AcquirerReference == "" {
		t.Fatalf("expected ids in result %+v", res)
	}

	again, err := service.Deposit(ctx, DepositInput{
		UserEmail:  "ana@example.com",
		Amount:     decimal.RequireFromString("50.00"),
		CardNumber: "4111111111111111",
		ClientTxID: "dup",
	})
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if again.TransactionID != res.TransactionID || !again.WalletBalance.Equal(res.WalletBalance) {
		t.Fatalf("duplicate must replay the original result, got %+v", again)
	}
	if acq.calls != 1 {
		t.Fatalf("duplicate must not re-authorize, acquirer called %d times", acq.calls)
	}

	w, err := store.Wallet(ctx, "ana@example.com")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected wallet balance 50, got %s", w.Balance)
	}

	txs, err := store.Transactions(ctx, ledger.TransactionFilter{UserEmail: "ana@example.com"})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != ledger.TypeDeposit || !txs[0].FinalBalance.Decimal.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected log %+v", txs)
	}
}

func TestServiceDepositDeclined(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewInMemory(ledger.Options{})
	service := NewService(store, &decliningAcquirer{})

	_, err := service.Deposit(ctx, DepositInput{
		UserEmail:  "ana@example.com",
		Amount:     decimal.NewFromInt(10),
		CardNumber: "4111111111111111",
	})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
	w, err := store.Wallet(ctx, "ana@example.com")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !w.Balance.IsZero() {
		t.Fatalf("declined deposit must not credit, got %s", w.Balance)
	}
}

func TestServiceDepositValidation(t *testing.T) {
	service := NewService(ledger.NewInMemory(ledger.Options{}), nil)
	ctx := context.Background()

	cases := []DepositInput{
		{UserEmail: "ana@example.com", Amount: decimal.Zero, CardNumber: "4111111111111111"},
		{UserEmail: "ana@example.com", Amount: decimal.NewFromInt(-5), CardNumber: "4111111111111111"},
		{UserEmail: "ana@example.com", Amount: decimal.NewFromInt(5), CardNumber: "4111"},
		{UserEmail: "ana@example.com", Amount: decimal.NewFromInt(5), CardNumber: "4111-1111-1111-1111"},
		{Amount: decimal.NewFromInt(5), CardNumber: "4111111111111111"},
	}
	for i, in := range cases {
		if _, err := service.Deposit(ctx, in); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestServiceDepositClientTxIDIsScopedPerUser(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewInMemory(ledger.Options{})
	service := NewService(store, StaticAcquirer{})

	first, err := service.Deposit(ctx, DepositInput{
		UserEmail:  "ana@example.com",
		Amount:     decimal.NewFromInt(80),
		CardNumber: "4111111111111111",
		ClientTxID: "1",
	})
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	second, err := service.Deposit(ctx, DepositInput{
		UserEmail:  "bo@example.com",
		Amount:     decimal.NewFromInt(5),
		CardNumber: "4111111111111111",
		ClientTxID: "1",
	})
	if err != nil {
		t.Fatalf("same client id for another user must deposit, got %v", err)
	}
	if second.TransactionID == first.TransactionID || !second.WalletBalance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("deposit result leaked across users: %+v", second)
	}

	w, err := store.Wallet(ctx, "bo@example.com")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected balance 5, got %s", w.Balance)
	}
}
