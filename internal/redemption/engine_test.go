package redemption

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/purchase"
	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

const owner = "ana@example.com"

type fixture struct {
	store    *ledger.InMemory
	purchase *purchase.Engine
	engine   *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewInMemory(ledger.Options{})
	prices := pricing.NewService(store)
	require.NoError(t, prices.Seed(ctx, pricing.Defaults()))
	require.NoError(t, ledger.SeedWallet(ctx, store, owner, decimal.RequireFromString("50.00")))

	buyer, err := purchase.NewEngine(purchase.Config{Store: store, Prices: prices, Logger: logger})
	require.NoError(t, err)
	engine, err := NewEngine(Config{Store: store, Logger: logger})
	require.NoError(t, err)
	return fixture{store: store, purchase: buyer, engine: engine}
}

func (f fixture) buy(t *testing.T, u utility.Type, units int64) token.RechargeToken {
	t.Helper()
	receipt, err := f.purchase.Purchase(context.Background(), purchase.PurchaseInput{
		UserEmail:     owner,
		Utility:       u,
		Units:         units,
		PaymentMethod: ledger.MethodWallet,
	})
	require.NoError(t, err)
	return receipt.Token
}

func TestRedeemConsumesPurchasedUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok := f.buy(t, utility.Water, 20)

	res, err := f.engine.Redeem(ctx, RedeemInput{
		MeterID:    "meter-7",
		TokenCode:  tok.Code,
		Utility:    utility.Water,
		OwnerEmail: owner,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.AppliedUnits)
	assert.Equal(t, int64(0), res.PendingUnits)
	assert.Equal(t, "meter-7", res.MeterID)

	stored, err := f.store.TokenByCode(ctx, tok.Code)
	require.NoError(t, err)
	assert.Equal(t, token.StatusUsed, stored.Status)
	require.NotNil(t, stored.UsedAt)
	assert.Equal(t, "meter-7", stored.MeterID)

	w, err := f.store.Wallet(ctx, owner)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(20)))

	txs, err := f.store.Transactions(ctx, ledger.TransactionFilter{UserEmail: owner, Types: []ledger.TxType{ledger.TypeRedeem}})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, tok.Code, txs[0].TokenCode)
	assert.Equal(t, int64(20), *txs[0].UnitsBefore)
	assert.Equal(t, int64(0), *txs[0].UnitsAfter)
}

func TestRedeemIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok := f.buy(t, utility.Gas, 5)
	in := RedeemInput{MeterID: "m1", TokenCode: tok.Code, Utility: utility.Gas, OwnerEmail: owner}

	_, err := f.engine.Redeem(ctx, in)
	require.NoError(t, err)

	_, err = f.engine.Redeem(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidOrUsedToken)
}

func TestRedeemFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok := f.buy(t, utility.Water, 4)

	cases := map[string]RedeemInput{
		"wrong owner":   {MeterID: "m1", TokenCode: tok.Code, Utility: utility.Water, OwnerEmail: "eve@example.com"},
		"wrong utility": {MeterID: "m1", TokenCode: tok.Code, Utility: utility.Energy, OwnerEmail: owner},
		"unknown code":  {MeterID: "m1", TokenCode: "0000-0000-0000-0000", Utility: utility.Water, OwnerEmail: owner},
	}
	var messages []string
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Redeem(ctx, in)
			require.ErrorIs(t, err, ErrInvalidOrUsedToken)
			messages = append(messages, err.Error())
		})
	}
	for _, m := range messages {
		assert.Equal(t, messages[0], m)
	}

	stored, err := f.store.TokenByCode(ctx, tok.Code)
	require.NoError(t, err)
	assert.Equal(t, token.StatusActive, stored.Status)
}

func TestRedeemValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := map[string]RedeemInput{
		"missing meter":   {TokenCode: "1234-5678-9012-3456", Utility: utility.Water, OwnerEmail: owner},
		"unknown utility": {MeterID: "m1", TokenCode: "1234-5678-9012-3456", Utility: utility.Type("steam"), OwnerEmail: owner},
		"bad code":        {MeterID: "m1", TokenCode: "12-34", Utility: utility.Water, OwnerEmail: owner},
		"missing owner":   {MeterID: "m1", TokenCode: "1234-5678-9012-3456", Utility: utility.Water},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Redeem(ctx, in)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
}

func TestRedeemAcceptsUnformattedCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok := f.buy(t, utility.Energy, 10)

	res, err := f.engine.Redeem(ctx, RedeemInput{
		MeterID:    "m1",
		TokenCode:  strings.ReplaceAll(tok.Code, "-", " "),
		Utility:    utility.Energy,
		OwnerEmail: owner,
	})
	require.NoError(t, err)
	assert.Equal(t, tok.Code, res.TokenCode)
}

func TestConcurrentRedeemSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok := f.buy(t, utility.Water, 8)

	const meters = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < meters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Redeem(ctx, RedeemInput{
				MeterID:    uuid.NewString(),
				TokenCode:  tok.Code,
				Utility:    utility.Water,
				OwnerEmail: owner,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidOrUsedToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)

	bal, err := f.store.UtilityBalance(ctx, owner, utility.Water)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Units)
}

func TestRedeemAbortsOnInsufficientPendingUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	code, err := token.NewGenerator().Generate()
	require.NoError(t, err)

	// A token carrying more units than its bucket holds.
	require.NoError(t, f.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, _, err := tx.AdjustUnits(ctx, owner, utility.Gas, 4); err != nil {
			return err
		}
		return tx.InsertToken(ctx, token.RechargeToken{
			ID:         uuid.NewString(),
			Code:       code,
			OwnerEmail: owner,
			Utility:    utility.Gas,
			Units:      10,
			Status:     token.StatusActive,
		})
	}))

	_, err = f.engine.Redeem(ctx, RedeemInput{MeterID: "m1", TokenCode: code, Utility: utility.Gas, OwnerEmail: owner})
	var short *InsufficientPendingUnitsError
	require.True(t, errors.As(err, &short), "got %v", err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientUnits)
	assert.Equal(t, int64(4), short.Pending)
	assert.Equal(t, int64(10), short.Requested)

	stored, err := f.store.TokenByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, token.StatusActive, stored.Status)

	txs, err := f.store.Transactions(ctx, ledger.TransactionFilter{UserEmail: owner, Types: []ledger.TxType{ledger.TypeRedeem}})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestVoidReleasesUnitsWithoutRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keep := f.buy(t, utility.Water, 6)
	tok := f.buy(t, utility.Water, 14)

	res, err := f.engine.Void(ctx, VoidInput{TokenCode: tok.Code, Reason: "customer dispute"})
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.ReleasedUnits)
	assert.Equal(t, int64(6), res.PendingUnits)

	stored, err := f.store.TokenByCode(ctx, tok.Code)
	require.NoError(t, err)
	assert.Equal(t, token.StatusInactive, stored.Status)
	assert.NotNil(t, stored.VoidedAt)

	w, err := f.store.Wallet(ctx, owner)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(20)))

	_, err = f.engine.Void(ctx, VoidInput{TokenCode: tok.Code})
	assert.ErrorIs(t, err, ErrInvalidOrUsedToken)

	_, err = f.engine.Redeem(ctx, RedeemInput{MeterID: "m1", TokenCode: tok.Code, Utility: utility.Water, OwnerEmail: owner})
	assert.ErrorIs(t, err, ErrInvalidOrUsedToken)

	_, err = f.engine.Redeem(ctx, RedeemInput{MeterID: "m1", TokenCode: keep.Code, Utility: utility.Water, OwnerEmail: owner})
	require.NoError(t, err)

	bal, err := f.store.UtilityBalance(ctx, owner, utility.Water)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Units)
}

func TestVoidUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Void(context.Background(), VoidInput{TokenCode: "9999-9999-9999-9999"})
	assert.ErrorIs(t, err, ErrInvalidOrUsedToken)
}
