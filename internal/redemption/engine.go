package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/metrics"
	"github.com/meter-pay/meter_pay/internal/notification"
	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// Config wires the redemption engine.
type Config struct {
	Store    ledger.Store
	Tokens   *token.Manager
	Notifier notification.Notifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine consumes tokens on behalf of meters and voids them for operators.
type Engine struct {
	store    ledger.Store
	tokens   *token.Manager
	notifier notification.Notifier
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine validates cfg and fills defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = token.NewManager(nil, 0)
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
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// RedeemInput is what a meter presents.
type RedeemInput struct {
	MeterID    string
	TokenCode  string
	Utility    utility.Type
	OwnerEmail string
}

// Redemption describes a consumed token.
type Redemption struct {
	AppliedUnits  int64
	TokenCode     string
	MeterID       string
	TransactionID string
	PendingUnits  int64
	RedeemedAt    time.Time
}

// Redeem marks the token used, draws its units down from the owner's bucket
// and appends a redeem entry. Concurrent redemptions of one code succeed at
// most once.
func (e *Engine) Redeem(ctx context.Context, in RedeemInput) (Redemption, error) {
	code := token.Normalize(in.TokenCode)
	if err := validateRedeem(in, code); err != nil {
		e.metrics.RecordRedemption(string(in.Utility), metrics.OutcomeRejected)
		return Redemption{}, err
	}

	var result Redemption
	err := e.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		tok, found, err := e.tokens.FindActive(ctx, tx, code, in.Utility, in.OwnerEmail)
		if err != nil {
			return err
		}
		if !found {
			return ErrInvalidOrUsedToken
		}
		if err := e.tokens.MarkUsed(ctx, tx, tok.ID, in.MeterID); err != nil {
			if errors.Is(err, token.ErrStateConflict) {
				return ErrInvalidOrUsedToken
			}
			return err
		}

		before, after, err := tx.AdjustUnits(ctx, tok.OwnerEmail, tok.Utility, -tok.Units)
		if errors.Is(err, ledger.ErrInsufficientUnits) {
			return &InsufficientPendingUnitsError{Pending: before, Requested: tok.Units}
		}
		if err != nil {
			return err
		}

		now := e.now().UTC()
		entry := ledger.Transaction{
			ID:            uuid.NewString(),
			UserEmail:     tok.OwnerEmail,
			Type:          ledger.TypeRedeem,
			Amount:        decimal.Zero,
			Units:         tok.Units,
			Utility:       tok.Utility,
			UnitsBefore:   &before,
			UnitsAfter:    &after,
			PaymentMethod: ledger.MethodMeter,
			TokenCode:     tok.Code,
			MeterID:       in.MeterID,
			Status:        ledger.StatusCompleted,
			CreatedAt:     now,
		}
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		result = Redemption{
			AppliedUnits:  tok.Units,
			TokenCode:     tok.Code,
			MeterID:       in.MeterID,
			TransactionID: entry.ID,
			PendingUnits:  after,
			RedeemedAt:    now,
		}
		return nil
	})
	if err != nil {
		e.metrics.RecordRedemption(string(in.Utility), outcomeOf(err))
		e.logger.Warn("redemption rejected",
			slog.String("meter_id", in.MeterID),
			slog.String("utility", string(in.Utility)),
			slog.Any("error", err),
		)
		return Redemption{}, err
	}

	e.metrics.RecordRedemption(string(in.Utility), metrics.OutcomeOK)
	e.logger.Info("token redeemed",
		slog.String("meter_id", in.MeterID),
		slog.String("utility", string(in.Utility)),
		slog.Int64("units", result.AppliedUnits),
		slog.String("transaction_id", result.TransactionID),
	)
	e.notify(ctx, notification.Message{
		Kind:          notification.KindTokenRedeemed,
		Destination:   in.OwnerEmail,
		TokenCode:     result.TokenCode,
		Utility:       string(in.Utility),
		Units:         result.AppliedUnits,
		TransactionID: result.TransactionID,
	})
	return result, nil
}

// VoidInput identifies a token to cancel administratively.
type VoidInput struct {
	TokenCode string
	Reason    string
}

// VoidResult describes a voided token.
type VoidResult struct {
	TokenCode     string
	OwnerEmail    string
	Utility       utility.Type
	ReleasedUnits int64
	PendingUnits  int64
	TransactionID string
	VoidedAt      time.Time
}

// Void moves an active token to inactive and releases its units from the
// owner's bucket. The wallet is not refunded.
func (e *Engine) Void(ctx context.Context, in VoidInput) (VoidResult, error) {
	code := token.Normalize(in.TokenCode)
	if !token.ValidCode(code) {
		return VoidResult{}, &ValidationError{Field: "token_code", Reason: "must be 16 digits"}
	}

	var result VoidResult
	err := e.store.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		tok, err := tx.TokenByCode(ctx, code)
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrInvalidOrUsedToken
		}
		if err != nil {
			return err
		}
		if err := e.tokens.Void(ctx, tx, tok.ID); err != nil {
			if errors.Is(err, token.ErrStateConflict) {
				return ErrInvalidOrUsedToken
			}
			return err
		}

		before, after, err := tx.AdjustUnits(ctx, tok.OwnerEmail, tok.Utility, -tok.Units)
		if errors.Is(err, ledger.ErrInsufficientUnits) {
			return &InsufficientPendingUnitsError{Pending: before, Requested: tok.Units}
		}
		if err != nil {
			return err
		}

		now := e.now().UTC()
		entry := ledger.Transaction{
			ID:            uuid.NewString(),
			UserEmail:     tok.OwnerEmail,
			Type:          ledger.TypeTokenVoid,
			Amount:        decimal.Zero,
			Units:         tok.Units,
			Utility:       tok.Utility,
			UnitsBefore:   &before,
			UnitsAfter:    &after,
			PaymentMethod: ledger.MethodAdmin,
			TokenCode:     tok.Code,
			Status:        ledger.StatusCompleted,
			CreatedAt:     now,
		}
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		result = VoidResult{
			TokenCode:     tok.Code,
			OwnerEmail:    tok.OwnerEmail,
			Utility:       tok.Utility,
			ReleasedUnits: tok.Units,
			PendingUnits:  after,
			TransactionID: entry.ID,
			VoidedAt:      now,
		}
		return nil
	})
	if err != nil {
		return VoidResult{}, err
	}

	e.logger.Info("token voided",
		slog.String("token_code", result.TokenCode),
		slog.String("owner_email", result.OwnerEmail),
		slog.Int64("units", result.ReleasedUnits),
		slog.String("reason", in.Reason),
	)
	return result, nil
}

func (e *Engine) notify(ctx context.Context, m notification.Message) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, m); err != nil {
		e.logger.Warn("redemption notification failed",
			slog.String("transaction_id", m.TransactionID),
			slog.Any("error", err),
		)
	}
}

func validateRedeem(in RedeemInput, code string) error {
	switch {
	case in.MeterID == "":
		return &ValidationError{Field: "meter_id", Reason: "is required"}
	case !in.Utility.Valid():
		return &ValidationError{Field: "utility_type", Reason: fmt.Sprintf("unknown utility %q", in.Utility)}
	case in.OwnerEmail == "":
		return &ValidationError{Field: "owner_email", Reason: "is required"}
	case !token.ValidCode(code):
		return &ValidationError{Field: "token_code", Reason: "must be 16 digits"}
	}
	return nil
}

func outcomeOf(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrInvalidOrUsedToken), errors.Is(err, ledger.ErrInsufficientUnits):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
