package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// DriftError reports a bucket whose live projection disagrees with its log.
type DriftError struct {
	UserEmail      string
	Utility        utility.Type
	LogUnits       int64
	ProjectedUnits int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("utility balance drift for %s/%s: log says %d, projection holds %d",
		e.UserEmail, e.Utility, e.LogUnits, e.ProjectedUnits)
}

// Statement is the account overview for a period.
type Statement struct {
	UserEmail            string
	Period               Period
	Utilities            []Summary
	TotalDeposits        decimal.Decimal
	TotalWalletPurchases decimal.Decimal
	TotalDirectPurchases decimal.Decimal
	WalletBalance        decimal.Decimal
	WalletFromLog        decimal.Decimal
	Transactions         []ledger.Transaction
}

// Reader derives user-facing figures from the log. It never writes.
type Reader struct {
	store ledger.Store
	now   func() time.Time
}

// NewReader constructs a reader over store.
func NewReader(store ledger.Store) *Reader {
	return &Reader{store: store, now: time.Now}
}

// SetClock overrides the time source.
func (r *Reader) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Summarize folds the user's log for one utility.
func (r *Reader) Summarize(ctx context.Context, email string, u utility.Type, p Period) (Summary, error) {
	if !u.Valid() {
		return Summary{}, fmt.Errorf("unknown utility type %q", u)
	}
	txs, err := r.store.Transactions(ctx, ledger.TransactionFilter{UserEmail: email, Utility: u, To: p.End})
	if err != nil {
		return Summary{}, err
	}
	s := Fold(txs, u, p)
	if err := r.attachPrice(ctx, &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// SummarizeAll returns one summary per known utility, zero-filled.
func (r *Reader) SummarizeAll(ctx context.Context, email string, p Period) ([]Summary, error) {
	txs, err := r.store.Transactions(ctx, ledger.TransactionFilter{UserEmail: email, To: p.End})
	if err != nil {
		return nil, err
	}
	return r.summarizeAll(ctx, txs, p)
}

func (r *Reader) summarizeAll(ctx context.Context, txs []ledger.Transaction, p Period) ([]Summary, error) {
	out := make([]Summary, 0, len(utility.All()))
	for _, u := range utility.All() {
		s := Fold(txs, u, p)
		if err := r.attachPrice(ctx, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Verify checks that the all-time remaining units equal the live bucket.
func (r *Reader) Verify(ctx context.Context, email string, u utility.Type) error {
	txs, err := r.store.Transactions(ctx, ledger.TransactionFilter{UserEmail: email, Utility: u})
	if err != nil {
		return err
	}
	s := Fold(txs, u, Since(Epoch))

	var projected int64
	bal, err := r.store.UtilityBalance(ctx, email, u)
	switch {
	case err == nil:
		projected = bal.Units
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return err
	}
	if s.Remaining != projected {
		return &DriftError{UserEmail: email, Utility: u, LogUnits: s.Remaining, ProjectedUnits: projected}
	}
	return nil
}

// VerifyAll checks every bucket in the store and returns the drifted ones.
func (r *Reader) VerifyAll(ctx context.Context) ([]*DriftError, error) {
	balances, err := r.store.AllUtilityBalances(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []*DriftError
	for _, b := range balances {
		err := r.Verify(ctx, b.UserEmail, b.Utility)
		var drift *DriftError
		switch {
		case err == nil:
		case errors.As(err, &drift):
			drifted = append(drifted, drift)
		default:
			return drifted, err
		}
	}
	return drifted, nil
}

// Statement summarises the user's account over p. The wallet figures are
// all-time so WalletFromLog can be compared with WalletBalance.
func (r *Reader) Statement(ctx context.Context, email string, p Period) (Statement, error) {
	all, err := r.store.Transactions(ctx, ledger.TransactionFilter{UserEmail: email})
	if err != nil {
		return Statement{}, err
	}
	utilities, err := r.summarizeAll(ctx, all, p)
	if err != nil {
		return Statement{}, err
	}

	st := Statement{
		UserEmail:            email,
		Period:               p,
		Utilities:            utilities,
		TotalDeposits:        decimal.Zero,
		TotalWalletPurchases: decimal.Zero,
		TotalDirectPurchases: decimal.Zero,
		WalletBalance:        decimal.Zero,
		WalletFromLog:        decimal.Zero,
		Transactions:         []ledger.Transaction{},
	}
	for _, t := range all {
		if t.AffectsWallet() {
			st.WalletFromLog = st.WalletFromLog.Add(t.Amount)
		}
		if !p.Contains(t.CreatedAt) {
			continue
		}
		st.Transactions = append(st.Transactions, t)
		switch {
		case t.Type == ledger.TypeDeposit:
			st.TotalDeposits = st.TotalDeposits.Add(t.Amount)
		case t.Type == ledger.TypePurchaseUtility && t.PaymentMethod == ledger.MethodWallet:
			st.TotalWalletPurchases = st.TotalWalletPurchases.Add(t.Amount.Abs())
		case t.Type == ledger.TypePurchaseUtility:
			st.TotalDirectPurchases = st.TotalDirectPurchases.Add(t.Amount.Abs())
		}
	}

	w, err := r.store.Wallet(ctx, email)
	switch {
	case err == nil:
		st.WalletBalance = w.Balance
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return Statement{}, err
	}
	return st, nil
}

// attachPrice adds the current price figures. A utility without a price keeps
// zero price figures.
func (r *Reader) attachPrice(ctx context.Context, s *Summary) error {
	price, err := r.store.Price(ctx, s.Utility)
	if errors.Is(err, ledger.ErrNotFound) {
		s.PricePerUnit = decimal.Zero
		s.TotalCostToDate = decimal.Zero
		return nil
	}
	if err != nil {
		return err
	}
	s.PricePerUnit = price.PricePerUnit
	s.Currency = price.Currency
	s.UnitLabel = price.UnitLabel
	s.TotalCostToDate = price.PricePerUnit.Mul(decimal.NewFromInt(s.BroughtForward + s.PurchasedToDate))
	return nil
}
