package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

type balanceKey struct {
	email   string
	utility utility.Type
}

type memoryState struct {
	wallets   map[string]WalletAccount
	balances  map[balanceKey]UtilityBalance
	tokens    map[string]token.RechargeToken
	codes     map[string]string
	txs       []Transaction
	clientIDs map[string]int
	prices    map[utility.Type]UnitPrice
}

// InMemory is a concurrency-safe ledger useful for unit tests and local runs.
// Units of work are serialised by a single writer lock and their writes are
// staged until the unit succeeds.
type InMemory struct {
	mu   sync.RWMutex
	st   memoryState
	opts Options
	now  func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory ledger.
func NewInMemory(opts Options) *InMemory {
	return &InMemory{
		st: memoryState{
			wallets:   make(map[string]WalletAccount),
			balances:  make(map[balanceKey]UtilityBalance),
			tokens:    make(map[string]token.RechargeToken),
			codes:     make(map[string]string),
			clientIDs: make(map[string]int),
			prices:    make(map[utility.Type]UnitPrice),
		},
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

// SetClock overrides the time source used for store-assigned timestamps.
func (m *InMemory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Atomic runs fn under the writer lock and applies its staged writes only if it succeeds.
func (m *InMemory) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.opts.retry(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		tx := &memTx{
			base:      &m.st,
			wallets:   make(map[string]WalletAccount),
			balances:  make(map[balanceKey]UtilityBalance),
			tokens:    make(map[string]token.RechargeToken),
			codes:     make(map[string]string),
			clientIDs: make(map[string]int),
			now:       m.now,
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tx.commit()
		return nil
	})
}

func (m *InMemory) EnsureWallet(_ context.Context, email string) (WalletAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.st.wallets[email]; ok {
		return w, nil
	}
	now := m.now().UTC()
	w := WalletAccount{UserEmail: email, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	m.st.wallets[email] = w
	return w, nil
}

func (m *InMemory) Wallet(_ context.Context, email string) (WalletAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.st.wallets[email]
	if !ok {
		return WalletAccount{}, fmt.Errorf("wallet %s: %w", email, ErrNotFound)
	}
	return w, nil
}

func (m *InMemory) UtilityBalance(_ context.Context, email string, u utility.Type) (UtilityBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.st.balances[balanceKey{email, u}]
	if !ok {
		return UtilityBalance{}, fmt.Errorf("utility balance %s/%s: %w", email, u, ErrNotFound)
	}
	return b, nil
}

func (m *InMemory) UtilityBalances(_ context.Context, email string) ([]UtilityBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UtilityBalance, 0, len(utility.All()))
	for _, u := range utility.All() {
		if b, ok := m.st.balances[balanceKey{email, u}]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *InMemory) AllUtilityBalances(_ context.Context) ([]UtilityBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UtilityBalance, 0, len(m.st.balances))
	for _, b := range m.st.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserEmail != out[j].UserEmail {
			return out[i].UserEmail < out[j].UserEmail
		}
		return out[i].Utility < out[j].Utility
	})
	return out, nil
}

func (m *InMemory) Transactions(_ context.Context, f TransactionFilter) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, t := range m.st.txs {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (m *InMemory) Tokens(_ context.Context, f TokenFilter) ([]token.RechargeToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []token.RechargeToken
	for _, tok := range m.st.tokens {
		if f.OwnerEmail != "" && tok.OwnerEmail != f.OwnerEmail {
			continue
		}
		if f.Utility != "" && tok.Utility != f.Utility {
			continue
		}
		if f.Status != "" && tok.Status != f.Status {
			continue
		}
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *InMemory) TokenByCode(_ context.Context, code string) (token.RechargeToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.st.codes[code]
	if !ok {
		return token.RechargeToken{}, fmt.Errorf("token %s: %w", code, ErrNotFound)
	}
	return m.st.tokens[id], nil
}

func (m *InMemory) Price(_ context.Context, u utility.Type) (UnitPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.prices[u]
	if !ok {
		return UnitPrice{}, fmt.Errorf("price %s: %w", u, ErrNotFound)
	}
	return p, nil
}

func (m *InMemory) Prices(_ context.Context) ([]UnitPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UnitPrice, 0, len(m.st.prices))
	for _, p := range m.st.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Utility < out[j].Utility })
	return out, nil
}

func (m *InMemory) SetPrice(_ context.Context, p UnitPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now().UTC()
	}
	m.st.prices[p.Utility] = p
	return nil
}

func (m *InMemory) Ping(context.Context) error { return nil }

// memTx stages writes on top of the committed state.
type memTx struct {
	base      *memoryState
	wallets   map[string]WalletAccount
	balances  map[balanceKey]UtilityBalance
	tokens    map[string]token.RechargeToken
	codes     map[string]string
	txs       []Transaction
	clientIDs map[string]int
	now       func() time.Time
}

func (t *memTx) wallet(email string) (WalletAccount, bool) {
	if w, ok := t.wallets[email]; ok {
		return w, true
	}
	w, ok := t.base.wallets[email]
	return w, ok
}

func (t *memTx) balance(k balanceKey) (UtilityBalance, bool) {
	if b, ok := t.balances[k]; ok {
		return b, true
	}
	b, ok := t.base.balances[k]
	return b, ok
}

func (t *memTx) tokenByID(id string) (token.RechargeToken, bool) {
	if tok, ok := t.tokens[id]; ok {
		return tok, true
	}
	tok, ok := t.base.tokens[id]
	return tok, ok
}

func (t *memTx) tokenIDByCode(code string) (string, bool) {
	if id, ok := t.codes[code]; ok {
		return id, true
	}
	id, ok := t.base.codes[code]
	return id, ok
}

func (t *memTx) LockWallet(_ context.Context, email string) (WalletAccount, error) {
	w, ok := t.wallet(email)
	if !ok {
		return WalletAccount{}, fmt.Errorf("wallet %s: %w", email, ErrNotFound)
	}
	return w, nil
}

func (t *memTx) AdjustWallet(_ context.Context, email string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	w, ok := t.wallet(email)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("wallet %s: %w", email, ErrNotFound)
	}
	before := w.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		return before, before, ErrInsufficientFunds
	}
	w.Balance = after
	w.Version++
	w.UpdatedAt = t.now().UTC()
	t.wallets[email] = w
	return before, after, nil
}

func (t *memTx) AdjustUnits(_ context.Context, email string, u utility.Type, delta int64) (int64, int64, error) {
	k := balanceKey{email, u}
	b, ok := t.balance(k)
	if !ok {
		now := t.now().UTC()
		b = UtilityBalance{UserEmail: email, Utility: u, CreatedAt: now, LastUpdated: now}
	}
	before := b.Units
	after := before + delta
	if after < 0 {
		return before, before, ErrInsufficientUnits
	}
	b.Units = after
	b.Version++
	b.LastUpdated = t.now().UTC()
	t.balances[k] = b
	return before, after, nil
}

func (t *memTx) InsertToken(_ context.Context, tok token.RechargeToken) error {
	if _, taken := t.tokenIDByCode(tok.Code); taken {
		return token.ErrCodeTaken
	}
	t.tokens[tok.ID] = tok
	t.codes[tok.Code] = tok.ID
	return nil
}

func (t *memTx) ActiveToken(_ context.Context, code string, u utility.Type, owner string) (token.RechargeToken, bool, error) {
	id, ok := t.tokenIDByCode(code)
	if !ok {
		return token.RechargeToken{}, false, nil
	}
	tok, _ := t.tokenByID(id)
	if tok.Status != token.StatusActive || tok.Utility != u || tok.OwnerEmail != owner {
		return token.RechargeToken{}, false, nil
	}
	return tok, true, nil
}

func (t *memTx) TransitionToken(_ context.Context, tr token.Transition) error {
	tok, ok := t.tokenByID(tr.TokenID)
	if !ok {
		return fmt.Errorf("token %s: %w", tr.TokenID, ErrNotFound)
	}
	if tok.Status != tr.From || !token.CanTransition(tr.From, tr.To) {
		return token.ErrStateConflict
	}
	applyTransition(&tok, tr)
	t.tokens[tok.ID] = tok
	return nil
}

func (t *memTx) TokenByCode(_ context.Context, code string) (token.RechargeToken, error) {
	id, ok := t.tokenIDByCode(code)
	if !ok {
		return token.RechargeToken{}, fmt.Errorf("token %s: %w", code, ErrNotFound)
	}
	tok, _ := t.tokenByID(id)
	return tok, nil
}

func (t *memTx) AppendTransaction(_ context.Context, txn Transaction) error {
	txn, err := prepare(txn, t.now())
	if err != nil {
		return err
	}
	if txn.ClientTxID != "" {
		key := clientKey(txn.UserEmail, txn.Type, txn.ClientTxID)
		if _, dup := t.base.clientIDs[key]; dup {
			return ErrDuplicateTransaction
		}
		if _, dup := t.clientIDs[key]; dup {
			return ErrDuplicateTransaction
		}
		t.clientIDs[key] = len(t.txs)
	}
	t.txs = append(t.txs, txn)
	return nil
}

func (t *memTx) TransactionByClientID(_ context.Context, email string, typ TxType, clientTxID string) (Transaction, error) {
	key := clientKey(email, typ, clientTxID)
	if i, ok := t.clientIDs[key]; ok {
		return t.txs[i], nil
	}
	if i, ok := t.base.clientIDs[key]; ok {
		return t.base.txs[i], nil
	}
	return Transaction{}, fmt.Errorf("transaction %s: %w", key, ErrNotFound)
}

func (t *memTx) commit() {
	for k, w := range t.wallets {
		t.base.wallets[k] = w
	}
	for k, b := range t.balances {
		t.base.balances[k] = b
	}
	for k, tok := range t.tokens {
		t.base.tokens[k] = tok
	}
	for code, id := range t.codes {
		t.base.codes[code] = id
	}
	offset := len(t.base.txs)
	t.base.txs = append(t.base.txs, t.txs...)
	for key, i := range t.clientIDs {
		t.base.clientIDs[key] = offset + i
	}
}

// applyTransition records the timestamps and meter of a status change.
func applyTransition(tok *token.RechargeToken, tr token.Transition) {
	at := tr.At
	tok.Status = tr.To
	switch tr.To {
	case token.StatusUsed:
		tok.UsedAt = &at
		tok.MeterID = tr.MeterID
	case token.StatusInactive:
		tok.VoidedAt = &at
	}
}
