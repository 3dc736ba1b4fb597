package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// Collection name constants.
const (
	colWallets      = "wallets"
	colBalances     = "utility_balances"
	colTokens       = "recharge_tokens"
	colTransactions = "ledger_transactions"
	colPrices       = "unit_prices"

	// legacyClientTxIndex deduplicated ClientTxIDs across all users.
	legacyClientTxIndex = "type_1_client_tx_id_1"
)

// MongoLedger stores the ledger in MongoDB. Units of work run in
// multi-document session transactions, so the deployment must be a replica set.
type MongoLedger struct {
	client *mongo.Client
	db     *mongo.Database
	opts   Options
}

var _ Store = (*MongoLedger)(nil)

// NewMongoLedger creates a MongoDB-backed ledger on the named database.
func NewMongoLedger(client *mongo.Client, database string, opts Options) *MongoLedger {
	return &MongoLedger{client: client, db: client.Database(database), opts: opts.withDefaults()}
}

// Migrate creates indexes for all ledger collections and drops the
// superseded global ClientTxID index.
func (s *MongoLedger) Migrate(ctx context.Context) error {
	if err := s.db.Collection(colTransactions).Indexes().DropOne(ctx, legacyClientTxIndex); err != nil && !isMissingIndex(err) {
		return fmt.Errorf("ledger/mongo: drop %s: %w", legacyClientTxIndex, err)
	}
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ledger/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colTokens: {
			{Keys: bson.D{{Key: "token_code", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "owner_email", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colTransactions: {
			{
				Keys: bson.D{{Key: "user_email", Value: 1}, {Key: "type", Value: 1}, {Key: "client_tx_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"client_tx_id": bson.M{"$exists": true}}),
			},
			{Keys: bson.D{{Key: "user_email", Value: 1}, {Key: "utility_type", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colBalances: {
			{Keys: bson.D{{Key: "user_email", Value: 1}, {Key: "utility_type", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
}

// Atomic runs fn inside a session transaction. Transient transaction errors
// and version mismatches re-run the whole unit.
func (s *MongoLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.opts.retry(ctx, func(ctx context.Context) error {
		sess, err := s.client.StartSession()
		if err != nil {
			return classifyMongo(err)
		}
		defer sess.EndSession(context.WithoutCancel(ctx))

		if err := sess.StartTransaction(); err != nil {
			return classifyMongo(err)
		}
		sctx := mongo.NewSessionContext(ctx, sess)
		if err := fn(sctx, &mongoTx{db: s.db}); err != nil {
			_ = sess.AbortTransaction(context.WithoutCancel(ctx))
			return classifyMongo(err)
		}
		if err := sess.CommitTransaction(sctx); err != nil {
			return classifyMongo(err)
		}
		return nil
	})
}

func (s *MongoLedger) EnsureWallet(ctx context.Context, email string) (WalletAccount, error) {
	zero, err := bson.ParseDecimal128("0")
	if err != nil {
		return WalletAccount{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.Collection(colWallets).UpdateOne(ctx,
		bson.M{"_id": email},
		bson.M{"$setOnInsert": bson.M{"balance": zero, "version": int64(0), "created_at": now, "updated_at": now}},
		options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return WalletAccount{}, classifyMongo(err)
	}
	return s.Wallet(ctx, email)
}

func (s *MongoLedger) Wallet(ctx context.Context, email string) (WalletAccount, error) {
	return findWallet(ctx, s.db, email)
}

func (s *MongoLedger) UtilityBalance(ctx context.Context, email string, u utility.Type) (UtilityBalance, error) {
	return findBalance(ctx, s.db, email, u)
}

func (s *MongoLedger) UtilityBalances(ctx context.Context, email string) ([]UtilityBalance, error) {
	return s.findBalances(ctx, bson.M{"user_email": email})
}

func (s *MongoLedger) AllUtilityBalances(ctx context.Context) ([]UtilityBalance, error) {
	return s.findBalances(ctx, bson.M{})
}

func (s *MongoLedger) findBalances(ctx context.Context, filter bson.M) ([]UtilityBalance, error) {
	cur, err := s.db.Collection(colBalances).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "user_email", Value: 1}, {Key: "utility_type", Value: 1}}))
	if err != nil {
		return nil, classifyMongo(err)
	}
	var docs []balanceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]UtilityBalance, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.model())
	}
	return out, nil
}

func (s *MongoLedger) Transactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	filter := bson.M{}
	if f.UserEmail != "" {
		filter["user_email"] = f.UserEmail
	}
	if f.Utility != "" {
		filter["utility_type"] = string(f.Utility)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		filter["type"] = bson.M{"$in": types}
	}
	created := bson.M{}
	if !f.From.IsZero() {
		created["$gte"] = f.From
	}
	if !f.To.IsZero() {
		created["$lt"] = f.To
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts = options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(f.Limit))
	}
	cur, err := s.db.Collection(colTransactions).Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	var docs []txDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]Transaction, 0, len(docs))
	for _, d := range docs {
		t, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if f.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *MongoLedger) Tokens(ctx context.Context, f TokenFilter) ([]token.RechargeToken, error) {
	filter := bson.M{}
	if f.OwnerEmail != "" {
		filter["owner_email"] = f.OwnerEmail
	}
	if f.Utility != "" {
		filter["utility_type"] = string(f.Utility)
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.db.Collection(colTokens).Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	var docs []tokenDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]token.RechargeToken, 0, len(docs))
	for _, d := range docs {
		tok, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

func (s *MongoLedger) TokenByCode(ctx context.Context, code string) (token.RechargeToken, error) {
	return findToken(ctx, s.db, bson.M{"token_code": code}, code)
}

func (s *MongoLedger) Price(ctx context.Context, u utility.Type) (UnitPrice, error) {
	var d priceDoc
	err := s.db.Collection(colPrices).FindOne(ctx, bson.M{"_id": string(u)}).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return UnitPrice{}, fmt.Errorf("price %s: %w", u, ErrNotFound)
		}
		return UnitPrice{}, classifyMongo(err)
	}
	return d.model()
}

func (s *MongoLedger) Prices(ctx context.Context) ([]UnitPrice, error) {
	cur, err := s.db.Collection(colPrices).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classifyMongo(err)
	}
	var docs []priceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]UnitPrice, 0, len(docs))
	for _, d := range docs {
		p, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MongoLedger) SetPrice(ctx context.Context, p UnitPrice) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	price, err := bson.ParseDecimal128(p.PricePerUnit.String())
	if err != nil {
		return fmt.Errorf("ledger/mongo: encode price: %w", err)
	}
	_, err = s.db.Collection(colPrices).UpdateOne(ctx,
		bson.M{"_id": string(p.Utility)},
		bson.M{"$set": bson.M{"price_per_unit": price, "currency": p.Currency, "unit_label": p.UnitLabel, "updated_at": p.UpdatedAt}},
		options.UpdateOne().SetUpsert(true))
	return classifyMongo(err)
}

func (s *MongoLedger) Ping(ctx context.Context) error {
	return classifyMongo(s.client.Ping(ctx, nil))
}

type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) LockWallet(ctx context.Context, email string) (WalletAccount, error) {
	return findWallet(ctx, t.db, email)
}

// AdjustWallet writes only if the wallet version is unchanged since the read.
func (t *mongoTx) AdjustWallet(ctx context.Context, email string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	w, err := findWallet(ctx, t.db, email)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	before := w.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		return before, before, ErrInsufficientFunds
	}
	bal, err := bson.ParseDecimal128(after.String())
	if err != nil {
		return before, before, fmt.Errorf("ledger/mongo: encode balance: %w", err)
	}
	res, err := t.db.Collection(colWallets).UpdateOne(ctx,
		bson.M{"_id": email, "version": w.Version},
		bson.M{"$set": bson.M{"balance": bal, "updated_at": time.Now().UTC()}, "$inc": bson.M{"version": 1}})
	if err != nil {
		return before, before, err
	}
	if res.MatchedCount == 0 {
		return before, before, fmt.Errorf("%w: wallet %s version moved", errConflict, email)
	}
	return before, after, nil
}

func (t *mongoTx) AdjustUnits(ctx context.Context, email string, u utility.Type, delta int64) (int64, int64, error) {
	b, err := findBalance(ctx, t.db, email, u)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, 0, err
	}
	before := b.Units
	after := before + delta
	if after < 0 {
		return before, before, ErrInsufficientUnits
	}
	now := time.Now().UTC()
	_, err = t.db.Collection(colBalances).UpdateOne(ctx,
		bson.M{"_id": balanceID(email, u), "version": b.Version},
		bson.M{
			"$set":         bson.M{"units": after, "last_updated": now},
			"$inc":         bson.M{"version": 1},
			"$setOnInsert": bson.M{"user_email": email, "utility_type": string(u), "created_at": now},
		},
		options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The version filter missed and the upsert hit the existing _id.
		return before, before, fmt.Errorf("%w: balance %s version moved", errConflict, balanceID(email, u))
	}
	if err != nil {
		return before, before, err
	}
	return before, after, nil
}

// InsertToken checks the code first so a collision surfaces before the
// insert can abort the session transaction.
func (t *mongoTx) InsertToken(ctx context.Context, tok token.RechargeToken) error {
	n, err := t.db.Collection(colTokens).CountDocuments(ctx, bson.M{"token_code": tok.Code})
	if err != nil {
		return err
	}
	if n > 0 {
		return token.ErrCodeTaken
	}
	doc, err := newTokenDoc(tok)
	if err != nil {
		return err
	}
	if _, err := t.db.Collection(colTokens).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: token code raced", errConflict)
		}
		return err
	}
	return nil
}

func (t *mongoTx) ActiveToken(ctx context.Context, code string, u utility.Type, owner string) (token.RechargeToken, bool, error) {
	tok, err := findToken(ctx, t.db, bson.M{
		"token_code":   code,
		"utility_type": string(u),
		"owner_email":  owner,
		"status":       string(token.StatusActive),
	}, code)
	if errors.Is(err, ErrNotFound) {
		return token.RechargeToken{}, false, nil
	}
	if err != nil {
		return token.RechargeToken{}, false, err
	}
	return tok, true, nil
}

func (t *mongoTx) TransitionToken(ctx context.Context, tr token.Transition) error {
	if !token.CanTransition(tr.From, tr.To) {
		return token.ErrStateConflict
	}
	set := bson.M{"status": string(tr.To)}
	switch tr.To {
	case token.StatusUsed:
		set["used_at"] = tr.At
		set["meter_id"] = tr.MeterID
	case token.StatusInactive:
		set["voided_at"] = tr.At
	}
	res, err := t.db.Collection(colTokens).UpdateOne(ctx,
		bson.M{"_id": tr.TokenID, "status": string(tr.From)},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return token.ErrStateConflict
	}
	return nil
}

func (t *mongoTx) TokenByCode(ctx context.Context, code string) (token.RechargeToken, error) {
	return findToken(ctx, t.db, bson.M{"token_code": code}, code)
}

func (t *mongoTx) AppendTransaction(ctx context.Context, txn Transaction) error {
	txn, err := prepare(txn, time.Now())
	if err != nil {
		return err
	}
	coll := t.db.Collection(colTransactions)
	if txn.ClientTxID != "" {
		n, err := coll.CountDocuments(ctx, bson.M{
			"user_email":   txn.UserEmail,
			"type":         string(txn.Type),
			"client_tx_id": txn.ClientTxID,
		})
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateTransaction
		}
	}
	doc, err := newTxDoc(txn)
	if err != nil {
		return err
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: client transaction raced", errConflict)
		}
		return err
	}
	return nil
}

func (t *mongoTx) TransactionByClientID(ctx context.Context, email string, typ TxType, clientTxID string) (Transaction, error) {
	var d txDoc
	filter := bson.M{"user_email": email, "type": string(typ), "client_tx_id": clientTxID}
	err := t.db.Collection(colTransactions).FindOne(ctx, filter).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return Transaction{}, fmt.Errorf("transaction %s: %w", clientKey(email, typ, clientTxID), ErrNotFound)
		}
		return Transaction{}, err
	}
	return d.model()
}

func findWallet(ctx context.Context, db *mongo.Database, email string) (WalletAccount, error) {
	var d walletDoc
	if err := db.Collection(colWallets).FindOne(ctx, bson.M{"_id": email}).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return WalletAccount{}, fmt.Errorf("wallet %s: %w", email, ErrNotFound)
		}
		return WalletAccount{}, classifyMongo(err)
	}
	return d.model()
}

func findBalance(ctx context.Context, db *mongo.Database, email string, u utility.Type) (UtilityBalance, error) {
	var d balanceDoc
	if err := db.Collection(colBalances).FindOne(ctx, bson.M{"_id": balanceID(email, u)}).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return UtilityBalance{}, fmt.Errorf("utility balance %s/%s: %w", email, u, ErrNotFound)
		}
		return UtilityBalance{}, classifyMongo(err)
	}
	return d.model(), nil
}

func findToken(ctx context.Context, db *mongo.Database, filter bson.M, code string) (token.RechargeToken, error) {
	var d tokenDoc
	if err := db.Collection(colTokens).FindOne(ctx, filter).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return token.RechargeToken{}, fmt.Errorf("token %s: %w", code, ErrNotFound)
		}
		return token.RechargeToken{}, classifyMongo(err)
	}
	return d.model()
}

func balanceID(email string, u utility.Type) string {
	return email + "|" + string(u)
}

// isMissingIndex reports IndexNotFound or NamespaceNotFound.
func isMissingIndex(err error) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && (ce.Code == 27 || ce.Code == 26)
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// classifyMongo maps driver failures onto the ledger error taxonomy.
func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	var se mongo.ServerError
	if errors.As(err, &se) &&
		(se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult")) {
		return fmt.Errorf("%w: %v", errConflict, err)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
