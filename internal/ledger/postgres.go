package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"

	tokenCodeConstraint = "recharge_tokens_code_unique"
	clientTxConstraint  = "ledger_transactions_client_unique"
)

const (
	walletColumns  = `user_email, balance::text, version, created_at, updated_at`
	balanceColumns = `user_email, utility_type, units, version, created_at, last_updated`
	tokenColumns   = `id, token_code, owner_email, utility_type, units, total_amount::text, payment_method,
        transaction_id, status, created_at, used_at, meter_id, voided_at`
	txColumns = `id, client_tx_id, user_email, type, amount::text, units, utility_type,
        initial_balance::text, final_balance::text, units_before, units_after, payment_method,
        token_code, meter_id, status, created_at`
)

// PostgresLedger persists wallets, unit buckets, tokens and the transaction log
// in PostgreSQL. Row locks serialise writers; CHECK constraints back the
// non-negative invariants.
type PostgresLedger struct {
	db   *pgxpool.Pool
	opts Options
}

var _ Store = (*PostgresLedger)(nil)

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool, opts Options) *PostgresLedger {
	return &PostgresLedger{db: db, opts: opts.withDefaults()}
}

// Atomic runs fn inside a database transaction, re-running it on
// serialization failures and deadlocks.
func (l *PostgresLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return l.opts.retry(ctx, func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return classifyPg(err)
		}
		defer tx.Rollback(ctx) // nolint:errcheck

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return classifyPg(err)
		}
		return classifyPg(tx.Commit(ctx))
	})
}

// EnsureWallet guarantees a wallet row exists for the user.
func (l *PostgresLedger) EnsureWallet(ctx context.Context, email string) (WalletAccount, error) {
	if _, err := l.db.Exec(ctx, `INSERT INTO wallets (user_email) VALUES ($1)
        ON CONFLICT (user_email) DO NOTHING`, email); err != nil {
		return WalletAccount{}, classifyPg(err)
	}
	return l.Wallet(ctx, email)
}

func (l *PostgresLedger) Wallet(ctx context.Context, email string) (WalletAccount, error) {
	row := l.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_email = $1`, email)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WalletAccount{}, fmt.Errorf("wallet %s: %w", email, ErrNotFound)
		}
		return WalletAccount{}, classifyPg(err)
	}
	return w, nil
}

func (l *PostgresLedger) UtilityBalance(ctx context.Context, email string, u utility.Type) (UtilityBalance, error) {
	row := l.db.QueryRow(ctx, `SELECT `+balanceColumns+` FROM utility_balances
        WHERE user_email = $1 AND utility_type = $2`, email, string(u))
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UtilityBalance{}, fmt.Errorf("utility balance %s/%s: %w", email, u, ErrNotFound)
		}
		return UtilityBalance{}, classifyPg(err)
	}
	return b, nil
}

func (l *PostgresLedger) UtilityBalances(ctx context.Context, email string) ([]UtilityBalance, error) {
	return l.queryBalances(ctx, `SELECT `+balanceColumns+` FROM utility_balances
        WHERE user_email = $1 ORDER BY utility_type`, email)
}

func (l *PostgresLedger) AllUtilityBalances(ctx context.Context) ([]UtilityBalance, error) {
	return l.queryBalances(ctx, `SELECT `+balanceColumns+` FROM utility_balances
        ORDER BY user_email, utility_type`)
}

func (l *PostgresLedger) queryBalances(ctx context.Context, query string, args ...any) ([]UtilityBalance, error) {
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPg(err)
	}
	defer rows.Close()

	var out []UtilityBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, classifyPg(rows.Err())
}

func (l *PostgresLedger) Transactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserEmail != "" {
		add("user_email = $%d", f.UserEmail)
	}
	if f.Utility != "" {
		add("utility_type = $%d", string(f.Utility))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	query := `SELECT ` + txColumns + ` FROM ledger_transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY created_at DESC, seq DESC LIMIT $%d) recent
        ORDER BY created_at, seq`, strings.Replace(query, `SELECT `+txColumns, `SELECT seq, `+txColumns, 1), len(args))
	} else {
		query += ` ORDER BY created_at, seq`
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPg(err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t   Transaction
			err error
		)
		if f.Limit > 0 {
			var seq int64
			t, err = scanTransaction(rows, &seq)
		} else {
			t, err = scanTransaction(rows)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classifyPg(rows.Err())
}

func (l *PostgresLedger) Tokens(ctx context.Context, f TokenFilter) ([]token.RechargeToken, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerEmail != "" {
		args = append(args, f.OwnerEmail)
		where = append(where, fmt.Sprintf("owner_email = $%d", len(args)))
	}
	if f.Utility != "" {
		args = append(args, string(f.Utility))
		where = append(where, fmt.Sprintf("utility_type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + tokenColumns + ` FROM recharge_tokens`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPg(err)
	}
	defer rows.Close()

	var out []token.RechargeToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, classifyPg(rows.Err())
}

func (l *PostgresLedger) TokenByCode(ctx context.Context, code string) (token.RechargeToken, error) {
	return tokenByCode(ctx, l.db, code, false)
}

func (l *PostgresLedger) Price(ctx context.Context, u utility.Type) (UnitPrice, error) {
	row := l.db.QueryRow(ctx, `SELECT utility_type, price_per_unit::text, currency, unit_label, updated_at
        FROM unit_prices WHERE utility_type = $1`, string(u))
	p, err := scanPrice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UnitPrice{}, fmt.Errorf("price %s: %w", u, ErrNotFound)
		}
		return UnitPrice{}, classifyPg(err)
	}
	return p, nil
}

func (l *PostgresLedger) Prices(ctx context.Context) ([]UnitPrice, error) {
	rows, err := l.db.Query(ctx, `SELECT utility_type, price_per_unit::text, currency, unit_label, updated_at
        FROM unit_prices ORDER BY utility_type`)
	if err != nil {
		return nil, classifyPg(err)
	}
	defer rows.Close()

	var out []UnitPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classifyPg(rows.Err())
}

func (l *PostgresLedger) SetPrice(ctx context.Context, p UnitPrice) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, `INSERT INTO unit_prices (utility_type, price_per_unit, currency, unit_label, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (utility_type) DO UPDATE SET price_per_unit = EXCLUDED.price_per_unit,
            currency = EXCLUDED.currency, unit_label = EXCLUDED.unit_label, updated_at = EXCLUDED.updated_at`,
		string(p.Utility), p.PricePerUnit.String(), p.Currency, p.UnitLabel, p.UpdatedAt)
	return classifyPg(err)
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return classifyPg(l.db.Ping(ctx))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, email string) (WalletAccount, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_email = $1 FOR UPDATE`, email)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WalletAccount{}, fmt.Errorf("wallet %s: %w", email, ErrNotFound)
		}
		return WalletAccount{}, err
	}
	return w, nil
}

func (t *pgTx) AdjustWallet(ctx context.Context, email string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	w, err := t.LockWallet(ctx, email)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	before := w.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		return before, before, ErrInsufficientFunds
	}
	_, err = t.tx.Exec(ctx, `UPDATE wallets SET balance = $2, version = version + 1, updated_at = now()
        WHERE user_email = $1`, email, after.String())
	if isPgCode(err, pgCheckViolation) {
		return before, before, ErrInsufficientFunds
	}
	if err != nil {
		return before, before, err
	}
	return before, after, nil
}

func (t *pgTx) AdjustUnits(ctx context.Context, email string, u utility.Type, delta int64) (int64, int64, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO utility_balances (user_email, utility_type) VALUES ($1, $2)
        ON CONFLICT (user_email, utility_type) DO NOTHING`, email, string(u)); err != nil {
		return 0, 0, err
	}
	var before int64
	if err := t.tx.QueryRow(ctx, `SELECT units FROM utility_balances
        WHERE user_email = $1 AND utility_type = $2 FOR UPDATE`, email, string(u)).Scan(&before); err != nil {
		return 0, 0, err
	}
	after := before + delta
	if after < 0 {
		return before, before, ErrInsufficientUnits
	}
	_, err := t.tx.Exec(ctx, `UPDATE utility_balances SET units = $3, version = version + 1, last_updated = now()
        WHERE user_email = $1 AND utility_type = $2`, email, string(u), after)
	if isPgCode(err, pgCheckViolation) {
		return before, before, ErrInsufficientUnits
	}
	if err != nil {
		return before, before, err
	}
	return before, after, nil
}

// InsertToken runs inside a savepoint so a code collision leaves the
// surrounding transaction usable for the next attempt.
func (t *pgTx) InsertToken(ctx context.Context, tok token.RechargeToken) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = sp.Exec(ctx, `INSERT INTO recharge_tokens (id, token_code, owner_email, utility_type, units,
            total_amount, payment_method, transaction_id, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tok.ID, tok.Code, tok.OwnerEmail, string(tok.Utility), tok.Units,
		tok.TotalAmount.String(), tok.PaymentMethod, tok.TransactionID, string(tok.Status), tok.CreatedAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		if isConstraint(err, tokenCodeConstraint) {
			return token.ErrCodeTaken
		}
		return err
	}
	return sp.Commit(ctx)
}

func (t *pgTx) ActiveToken(ctx context.Context, code string, u utility.Type, owner string) (token.RechargeToken, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM recharge_tokens
        WHERE token_code = $1 AND utility_type = $2 AND owner_email = $3 AND status = 'active'
        FOR UPDATE`, code, string(u), owner)
	tok, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.RechargeToken{}, false, nil
		}
		return token.RechargeToken{}, false, err
	}
	return tok, true, nil
}

// TransitionToken applies the change only while the row is still in the
// expected state; a concurrent winner leaves zero rows affected.
func (t *pgTx) TransitionToken(ctx context.Context, tr token.Transition) error {
	if !token.CanTransition(tr.From, tr.To) {
		return token.ErrStateConflict
	}
	var (
		usedAt, voidedAt *time.Time
		meterID          *string
	)
	at := tr.At
	switch tr.To {
	case token.StatusUsed:
		usedAt = &at
		meterID = &tr.MeterID
	case token.StatusInactive:
		voidedAt = &at
	}
	tag, err := t.tx.Exec(ctx, `UPDATE recharge_tokens
        SET status = $3, used_at = COALESCE($4, used_at), meter_id = COALESCE($5, meter_id),
            voided_at = COALESCE($6, voided_at)
        WHERE id = $1 AND status = $2`,
		tr.TokenID, string(tr.From), string(tr.To), usedAt, meterID, voidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return token.ErrStateConflict
	}
	return nil
}

func (t *pgTx) TokenByCode(ctx context.Context, code string) (token.RechargeToken, error) {
	return tokenByCode(ctx, t.tx, code, true)
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn Transaction) error {
	txn, err := prepare(txn, time.Now())
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO ledger_transactions (id, client_tx_id, user_email, type, amount, units,
            utility_type, initial_balance, final_balance, units_before, units_after, payment_method,
            token_code, meter_id, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		txn.ID, nullString(txn.ClientTxID), txn.UserEmail, string(txn.Type), txn.Amount.String(), txn.Units,
		nullString(string(txn.Utility)), nullDecimal(txn.InitialBalance), nullDecimal(txn.FinalBalance),
		txn.UnitsBefore, txn.UnitsAfter, txn.PaymentMethod,
		nullString(txn.TokenCode), nullString(txn.MeterID), txn.Status, txn.CreatedAt)
	if isConstraint(err, clientTxConstraint) {
		// A concurrent unit committed the same ClientTxID first; retrying
		// re-reads it through TransactionByClientID.
		return fmt.Errorf("%w: client transaction raced", errConflict)
	}
	return err
}

func (t *pgTx) TransactionByClientID(ctx context.Context, email string, typ TxType, clientTxID string) (Transaction, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger_transactions
        WHERE user_email = $1 AND type = $2 AND client_tx_id = $3`, email, string(typ), clientTxID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("transaction %s: %w", clientKey(email, typ, clientTxID), ErrNotFound)
		}
		return Transaction{}, err
	}
	return txn, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tokenByCode(ctx context.Context, q queryRower, code string, lock bool) (token.RechargeToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM recharge_tokens WHERE token_code = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	tok, err := scanToken(q.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.RechargeToken{}, fmt.Errorf("token %s: %w", code, ErrNotFound)
		}
		return token.RechargeToken{}, err
	}
	return tok, nil
}

func scanWallet(row pgx.Row) (WalletAccount, error) {
	var (
		w       WalletAccount
		balance string
	)
	if err := row.Scan(&w.UserEmail, &balance, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return WalletAccount{}, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return WalletAccount{}, fmt.Errorf("parse wallet balance: %w", err)
	}
	w.Balance = b
	return w, nil
}

func scanBalance(row pgx.Row) (UtilityBalance, error) {
	var (
		b UtilityBalance
		u string
	)
	if err := row.Scan(&b.UserEmail, &u, &b.Units, &b.Version, &b.CreatedAt, &b.LastUpdated); err != nil {
		return UtilityBalance{}, err
	}
	b.Utility = utility.Type(u)
	return b, nil
}

func scanToken(row pgx.Row) (token.RechargeToken, error) {
	var (
		tok            token.RechargeToken
		u, status, amt string
		meterID        *string
	)
	if err := row.Scan(&tok.ID, &tok.Code, &tok.OwnerEmail, &u, &tok.Units, &amt, &tok.PaymentMethod,
		&tok.TransactionID, &status, &tok.CreatedAt, &tok.UsedAt, &meterID, &tok.VoidedAt); err != nil {
		return token.RechargeToken{}, err
	}
	total, err := decimal.NewFromString(amt)
	if err != nil {
		return token.RechargeToken{}, fmt.Errorf("parse token amount: %w", err)
	}
	tok.TotalAmount = total
	tok.Utility = utility.Type(u)
	tok.Status = token.Status(status)
	if meterID != nil {
		tok.MeterID = *meterID
	}
	return tok, nil
}

func scanTransaction(row pgx.Row, prefix ...any) (Transaction, error) {
	var (
		t                                   Transaction
		typ, amount                         string
		clientID, u, initial, final, tc, mi *string
	)
	dest := append(prefix, &t.ID, &clientID, &t.UserEmail, &typ, &amount, &t.Units, &u,
		&initial, &final, &t.UnitsBefore, &t.UnitsAfter, &t.PaymentMethod, &tc, &mi, &t.Status, &t.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return Transaction{}, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse transaction amount: %w", err)
	}
	t.Amount = a
	t.Type = TxType(typ)
	if t.InitialBalance, err = parseNullDecimal(initial); err != nil {
		return Transaction{}, err
	}
	if t.FinalBalance, err = parseNullDecimal(final); err != nil {
		return Transaction{}, err
	}
	t.ClientTxID = deref(clientID)
	t.Utility = utility.Type(deref(u))
	t.TokenCode = deref(tc)
	t.MeterID = deref(mi)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func scanPrice(row pgx.Row) (UnitPrice, error) {
	var (
		p        UnitPrice
		u, price string
	)
	if err := row.Scan(&u, &price, &p.Currency, &p.UnitLabel, &p.UpdatedAt); err != nil {
		return UnitPrice{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return UnitPrice{}, fmt.Errorf("parse unit price: %w", err)
	}
	p.Utility = utility.Type(u)
	p.PricePerUnit = d
	return p, nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse balance: %w", err)
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isConstraint(err error, name string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == name
}

// classifyPg maps driver failures onto the ledger error taxonomy. Domain
// errors pass through unchanged.
func classifyPg(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", errConflict, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
