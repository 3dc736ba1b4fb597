package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

const (
	defaultCurrency = "USD"
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service exposes the read side of a user's wallet backed by the ledger.
type Service struct {
	store    ledger.Store
	currency string
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store) *Service {
	return &Service{store: store, currency: defaultCurrency}
}

// Open provisions an empty wallet for a newly registered user.
func (s *Service) Open(ctx context.Context, email string) (Balance, error) {
	w, err := s.store.EnsureWallet(ctx, email)
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserEmail: email, Amount: w.Balance, Currency: s.currency, AsOf: time.Now().UTC()}, nil
}

// OpenWallet provisions the wallet and discards the opening balance.
func (s *Service) OpenWallet(ctx context.Context, email string) error {
	_, err := s.Open(ctx, email)
	return err
}

// Balance returns the current wallet balance.
func (s *Service) Balance(ctx context.Context, email string) (Balance, error) {
	w, err := s.store.Wallet(ctx, email)
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserEmail: email, Amount: w.Balance, Currency: s.currency, AsOf: time.Now().UTC()}, nil
}

// UtilityBalances returns the pending units for every utility, zero-filled.
func (s *Service) UtilityBalances(ctx context.Context, email string) ([]UnitsBalance, error) {
	stored, err := s.store.UtilityBalances(ctx, email)
	if err != nil {
		return nil, err
	}
	byUtility := make(map[utility.Type]ledger.UtilityBalance, len(stored))
	for _, b := range stored {
		byUtility[b.Utility] = b
	}
	out := make([]UnitsBalance, 0, len(utility.All()))
	for _, u := range utility.All() {
		ub := UnitsBalance{Utility: u}
		if b, ok := byUtility[u]; ok {
			last := b.LastUpdated
			ub.Units = b.Units
			ub.LastUpdated = &last
		}
		out = append(out, ub)
	}
	return out, nil
}

// HistoryQuery narrows a transaction history request.
type HistoryQuery struct {
	Utility utility.Type
	Types   []ledger.TxType
	Limit   int
}

// History returns the most recent log entries for the user, newest first.
func (s *Service) History(ctx context.Context, email string, q HistoryQuery) ([]ledger.Transaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		return nil, fmt.Errorf("limit must not exceed %d", maxPageSize)
	}
	txs, err := s.store.Transactions(ctx, ledger.TransactionFilter{
		UserEmail: email,
		Utility:   q.Utility,
		Types:     q.Types,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}

// Tokens lists the user's recharge tokens, newest first.
func (s *Service) Tokens(ctx context.Context, email string, status token.Status, limit int) ([]token.RechargeToken, error) {
	if status != "" && status != token.StatusActive && status != token.StatusUsed && status != token.StatusInactive {
		return nil, fmt.Errorf("unknown token status %q", status)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	return s.store.Tokens(ctx, ledger.TokenFilter{OwnerEmail: email, Status: status, Limit: limit})
}

// IsNotFound reports whether err means the wallet has not been opened.
func IsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrNotFound)
}
