package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/funding"
	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/metrics"
	"github.com/meter-pay/meter_pay/internal/notification"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// Config wires the purchase engine.
type Config struct {
	Store    ledger.Store
	Tokens   *token.Manager
	Prices   *pricing.Service
	Acquirer funding.Acquirer
	Notifier notification.Notifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine converts money into utility units and a freshly minted token.
type Engine struct {
	store    ledger.Store
	tokens   *token.Manager
	prices   *pricing.Service
	acquirer funding.Acquirer
	notifier notification.Notifier
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine validates cfg and fills defaults for optional collaborators.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price service is required")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = token.NewManager(nil, 0)
	}
	if cfg.Acquirer == nil {
		cfg.Acquirer = funding.StaticAcquirer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		prices:   cfg.Prices,
		acquirer: cfg.Acquirer,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// PurchaseInput captures a purchase request for an authenticated user.
type PurchaseInput struct {
	UserEmail     string
	Utility       utility.Type
	Units         int64
	PaymentMethod string
	ClientTxID    string
	CardNumber    string
}

// Receipt describes a committed purchase.
type Receipt struct {
	Token        token.RechargeToken
	Transaction  ledger.Transaction
	UtilityUnits int64
	UnitPrice    ledger.UnitPrice
}

// Purchase debits the wallet (or confirms the direct payment), credits the
// utility bucket, mints an active token and appends the purchase entry, all in
// one unit of work. A repeated ClientTxID returns the original receipt with
// ledger.ErrDuplicateTransaction.
func (e *Engine) Purchase(ctx context.Context, in PurchaseInput) (Receipt, error) {
	receipt, err := e.purchase(ctx, in)
	e.record(in, err)
	if err != nil {
		return receipt, err
	}

	e.logger.Info("utility purchased",
		slog.String("user_email", in.UserEmail),
		slog.String("utility", string(in.Utility)),
		slog.Int64("units", in.Units),
		slog.String("payment_method", in.PaymentMethod),
		slog.String("transaction_id", receipt.Transaction.ID),
	)
	e.notify(ctx, receipt)
	return receipt, nil
}

func (e *Engine) purchase(ctx context.Context, in PurchaseInput) (Receipt, error) {
	if err := validate(in); err != nil {
		return Receipt{}, err
	}

	price, err := e.prices.Lookup(ctx, in.Utility)
	if err != nil {
		return Receipt{}, err
	}
	cost := price.PricePerUnit.Mul(decimal.NewFromInt(in.Units))

	if in.ClientTxID != "" {
		if prior, ok, err := e.replay(ctx, in.UserEmail, in.ClientTxID); err != nil {
			return Receipt{}, err
		} else if ok {
			prior.UnitPrice = price
			return prior, ledger.ErrDuplicateTransaction
		}
	}

	switch in.PaymentMethod {
	case ledger.MethodWallet:
		w, err := e.store.Wallet(ctx, in.UserEmail)
		if err != nil {
			return Receipt{}, err
		}
		if w.Balance.LessThan(cost) {
			return Receipt{}, newInsufficientFunds(w.Balance, cost)
		}
	case ledger.MethodDirectPay:
		if _, err := funding.Authorize(ctx, e.acquirer, funding.Authorization{
			Purpose:    funding.PurposeUtilityPurchase,
			UserEmail:  in.UserEmail,
			Amount:     cost,
			Reference:  in.ClientTxID,
			CardNumber: in.CardNumber,
		}); err != nil {
			return Receipt{}, err
		}
	}

	var receipt Receipt
	err = e.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if in.ClientTxID != "" {
			prior, err := tx.TransactionByClientID(ctx, in.UserEmail, ledger.TypePurchaseUtility, in.ClientTxID)
			if err == nil {
				receipt, err = receiptFor(ctx, tx, prior)
				if err != nil {
					return err
				}
				return ledger.ErrDuplicateTransaction
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
		}

		entry := ledger.Transaction{
			ID:            uuid.NewString(),
			ClientTxID:    in.ClientTxID,
			UserEmail:     in.UserEmail,
			Type:          ledger.TypePurchaseUtility,
			Units:         in.Units,
			Utility:       in.Utility,
			PaymentMethod: in.PaymentMethod,
			Status:        ledger.StatusCompleted,
			CreatedAt:     e.now().UTC(),
		}

		if in.PaymentMethod == ledger.MethodWallet {
			before, after, err := tx.AdjustWallet(ctx, in.UserEmail, cost.Neg())
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return newInsufficientFunds(before, cost)
			}
			if err != nil {
				return err
			}
			entry.Amount = cost.Neg()
			entry.InitialBalance = decimal.NewNullDecimal(before)
			entry.FinalBalance = decimal.NewNullDecimal(after)
		} else {
			entry.Amount = cost
		}

		unitsBefore, unitsAfter, err := tx.AdjustUnits(ctx, in.UserEmail, in.Utility, in.Units)
		if err != nil {
			return err
		}
		entry.UnitsBefore = &unitsBefore
		entry.UnitsAfter = &unitsAfter

		tok, err := e.tokens.Mint(ctx, tx, token.Draft{
			OwnerEmail:    in.UserEmail,
			Utility:       in.Utility,
			Units:         in.Units,
			TotalAmount:   cost,
			PaymentMethod: in.PaymentMethod,
			TransactionID: entry.ID,
		})
		if err != nil {
			return err
		}
		entry.TokenCode = tok.Code

		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		receipt = Receipt{Token: tok, Transaction: entry, UtilityUnits: unitsAfter}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) && receipt.Transaction.ID == "" {
		// The log rejected the entry without the unit seeing the winner.
		prior, ok, rerr := e.replay(ctx, in.UserEmail, in.ClientTxID)
		if rerr != nil {
			return Receipt{}, rerr
		}
		if !ok {
			return Receipt{}, err
		}
		receipt = prior
	}
	receipt.UnitPrice = price
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return receipt, err
		}
		return Receipt{}, err
	}
	return receipt, nil
}

// replay looks up the user's committed purchase for clientTxID.
func (e *Engine) replay(ctx context.Context, email, clientTxID string) (Receipt, bool, error) {
	var (
		receipt Receipt
		found   bool
	)
	err := e.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		prior, err := tx.TransactionByClientID(ctx, email, ledger.TypePurchaseUtility, clientTxID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		receipt, err = receiptFor(ctx, tx, prior)
		found = err == nil
		return err
	})
	return receipt, found, err
}

func receiptFor(ctx context.Context, tx ledger.Tx, prior ledger.Transaction) (Receipt, error) {
	tok, err := tx.TokenByCode(ctx, prior.TokenCode)
	if err != nil {
		return Receipt{}, err
	}
	r := Receipt{Token: tok, Transaction: prior}
	if prior.UnitsAfter != nil {
		r.UtilityUnits = *prior.UnitsAfter
	}
	return r, nil
}

// notify runs after commit. A delivery failure is logged and never undoes the purchase.
func (e *Engine) notify(ctx context.Context, r Receipt) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Send(ctx, notification.Message{
		Kind:          notification.KindTokenPurchased,
		Destination:   r.Token.OwnerEmail,
		TokenCode:     r.Token.Code,
		Utility:       string(r.Token.Utility),
		Units:         r.Token.Units,
		TotalAmount:   r.Token.TotalAmount.String(),
		TransactionID: r.Transaction.ID,
	})
	if err != nil {
		e.logger.Warn("purchase notification failed",
			slog.String("transaction_id", r.Transaction.ID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) record(in PurchaseInput, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		outcome = metrics.OutcomeDuplicate
	case errors.Is(err, ErrInvalidPurchase), errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, funding.ErrPaymentDeclined), errors.Is(err, pricing.ErrPriceNotConfigured):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	e.metrics.RecordPurchase(string(in.Utility), in.PaymentMethod, outcome, in.Units)
}

func validate(in PurchaseInput) error {
	if in.UserEmail == "" {
		return invalid("user email is required")
	}
	if !in.Utility.Valid() {
		return invalid("unknown utility type %q", in.Utility)
	}
	if in.Units <= 0 {
		return invalid("units must be positive")
	}
	switch in.PaymentMethod {
	case ledger.MethodWallet, ledger.MethodDirectPay:
	default:
		return invalid("unsupported payment method %q", in.PaymentMethod)
	}
	return nil
}
