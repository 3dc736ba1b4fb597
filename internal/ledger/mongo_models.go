package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

type walletDoc struct {
	UserEmail string          `bson:"_id"`
	Balance   bson.Decimal128 `bson:"balance"`
	Version   int64           `bson:"version"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

func (d walletDoc) model() (WalletAccount, error) {
	bal, err := fromDecimal128(d.Balance)
	if err != nil {
		return WalletAccount{}, err
	}
	return WalletAccount{
		UserEmail: d.UserEmail,
		Balance:   bal,
		Version:   d.Version,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type balanceDoc struct {
	ID          string    `bson:"_id"`
	UserEmail   string    `bson:"user_email"`
	Utility     string    `bson:"utility_type"`
	Units       int64     `bson:"units"`
	Version     int64     `bson:"version"`
	CreatedAt   time.Time `bson:"created_at"`
	LastUpdated time.Time `bson:"last_updated"`
}

func (d balanceDoc) model() UtilityBalance {
	return UtilityBalance{
		UserEmail:   d.UserEmail,
		Utility:     utility.Type(d.Utility),
		Units:       d.Units,
		Version:     d.Version,
		CreatedAt:   d.CreatedAt.UTC(),
		LastUpdated: d.LastUpdated.UTC(),
	}
}

type tokenDoc struct {
	ID            string          `bson:"_id"`
	Code          string          `bson:"token_code"`
	OwnerEmail    string          `bson:"owner_email"`
	Utility       string          `bson:"utility_type"`
	Units         int64           `bson:"units"`
	TotalAmount   bson.Decimal128 `bson:"total_amount"`
	PaymentMethod string          `bson:"payment_method"`
	TransactionID string          `bson:"transaction_id"`
	Status        string          `bson:"status"`
	CreatedAt     time.Time       `bson:"created_at"`
	UsedAt        *time.Time      `bson:"used_at,omitempty"`
	MeterID       string          `bson:"meter_id,omitempty"`
	VoidedAt      *time.Time      `bson:"voided_at,omitempty"`
}

func newTokenDoc(tok token.RechargeToken) (tokenDoc, error) {
	amt, err := toDecimal128(tok.TotalAmount)
	if err != nil {
		return tokenDoc{}, err
	}
	return tokenDoc{
		ID:            tok.ID,
		Code:          tok.Code,
		OwnerEmail:    tok.OwnerEmail,
		Utility:       string(tok.Utility),
		Units:         tok.Units,
		TotalAmount:   amt,
		PaymentMethod: tok.PaymentMethod,
		TransactionID: tok.TransactionID,
		Status:        string(tok.Status),
		CreatedAt:     tok.CreatedAt,
		UsedAt:        tok.UsedAt,
		MeterID:       tok.MeterID,
		VoidedAt:      tok.VoidedAt,
	}, nil
}

func (d tokenDoc) model() (token.RechargeToken, error) {
	amt, err := fromDecimal128(d.TotalAmount)
	if err != nil {
		return token.RechargeToken{}, err
	}
	return token.RechargeToken{
		ID:            d.ID,
		Code:          d.Code,
		OwnerEmail:    d.OwnerEmail,
		Utility:       utility.Type(d.Utility),
		Units:         d.Units,
		TotalAmount:   amt,
		PaymentMethod: d.PaymentMethod,
		TransactionID: d.TransactionID,
		Status:        token.Status(d.Status),
		CreatedAt:     d.CreatedAt.UTC(),
		UsedAt:        d.UsedAt,
		MeterID:       d.MeterID,
		VoidedAt:      d.VoidedAt,
	}, nil
}

type txDoc struct {
	ID             string           `bson:"_id"`
	ClientTxID     string           `bson:"client_tx_id,omitempty"`
	UserEmail      string           `bson:"user_email"`
	Type           string           `bson:"type"`
	Amount         bson.Decimal128  `bson:"amount"`
	Units          int64            `bson:"units"`
	Utility        string           `bson:"utility_type,omitempty"`
	InitialBalance *bson.Decimal128 `bson:"initial_balance,omitempty"`
	FinalBalance   *bson.Decimal128 `bson:"final_balance,omitempty"`
	UnitsBefore    *int64           `bson:"units_before,omitempty"`
	UnitsAfter     *int64           `bson:"units_after,omitempty"`
	PaymentMethod  string           `bson:"payment_method"`
	TokenCode      string           `bson:"token_code,omitempty"`
	MeterID        string           `bson:"meter_id,omitempty"`
	Status         string           `bson:"status"`
	CreatedAt      time.Time        `bson:"created_at"`
}

func newTxDoc(t Transaction) (txDoc, error) {
	amt, err := toDecimal128(t.Amount)
	if err != nil {
		return txDoc{}, err
	}
	initial, err := toNullDecimal128(t.InitialBalance)
	if err != nil {
		return txDoc{}, err
	}
	final, err := toNullDecimal128(t.FinalBalance)
	if err != nil {
		return txDoc{}, err
	}
	return txDoc{
		ID:             t.ID,
		ClientTxID:     t.ClientTxID,
		UserEmail:      t.UserEmail,
		Type:           string(t.Type),
		Amount:         amt,
		Units:          t.Units,
		Utility:        string(t.Utility),
		InitialBalance: initial,
		FinalBalance:   final,
		UnitsBefore:    t.UnitsBefore,
		UnitsAfter:     t.UnitsAfter,
		PaymentMethod:  t.PaymentMethod,
		TokenCode:      t.TokenCode,
		MeterID:        t.MeterID,
		Status:         t.Status,
		CreatedAt:      t.CreatedAt,
	}, nil
}

func (d txDoc) model() (Transaction, error) {
	amt, err := fromDecimal128(d.Amount)
	if err != nil {
		return Transaction{}, err
	}
	initial, err := fromNullDecimal128(d.InitialBalance)
	if err != nil {
		return Transaction{}, err
	}
	final, err := fromNullDecimal128(d.FinalBalance)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:             d.ID,
		ClientTxID:     d.ClientTxID,
		UserEmail:      d.UserEmail,
		Type:           TxType(d.Type),
		Amount:         amt,
		Units:          d.Units,
		Utility:        utility.Type(d.Utility),
		InitialBalance: initial,
		FinalBalance:   final,
		UnitsBefore:    d.UnitsBefore,
		UnitsAfter:     d.UnitsAfter,
		PaymentMethod:  d.PaymentMethod,
		TokenCode:      d.TokenCode,
		MeterID:        d.MeterID,
		Status:         d.Status,
		CreatedAt:      d.CreatedAt.UTC(),
	}, nil
}

type priceDoc struct {
	Utility      string          `bson:"_id"`
	PricePerUnit bson.Decimal128 `bson:"price_per_unit"`
	Currency     string          `bson:"currency"`
	UnitLabel    string          `bson:"unit_label"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

func (d priceDoc) model() (UnitPrice, error) {
	price, err := fromDecimal128(d.PricePerUnit)
	if err != nil {
		return UnitPrice{}, err
	}
	return UnitPrice{
		Utility:      utility.Type(d.Utility),
		PricePerUnit: price,
		Currency:     d.Currency,
		UnitLabel:    d.UnitLabel,
		UpdatedAt:    d.UpdatedAt.UTC(),
	}, nil
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("ledger/mongo: encode decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("ledger/mongo: decode decimal %s: %w", v, err)
	}
	return d, nil
}

func toNullDecimal128(d decimal.NullDecimal) (*bson.Decimal128, error) {
	if !d.Valid {
		return nil, nil
	}
	v, err := toDecimal128(d.Decimal)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func fromNullDecimal128(v *bson.Decimal128) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := fromDecimal128(*v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
