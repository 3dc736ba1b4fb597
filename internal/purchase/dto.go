package purchase

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseRequest is the body of a utility purchase.
type PurchaseRequest struct {
	UtilityType   string `json:"utility_type"`
	Units         int64  `json:"units"`
	PaymentMethod string `json:"payment_method"`
	ClientTxID    string `json:"client_tx_id"`
	CardNumber    string `json:"card_number,omitempty"`
}

// PurchaseResponse is returned for a committed (or replayed) purchase.
type PurchaseResponse struct {
	TransactionID string           `json:"transaction_id"`
	TokenCode     string           `json:"token_code"`
	UtilityType   string           `json:"utility_type"`
	Units         int64            `json:"units"`
	TotalAmount   decimal.Decimal  `json:"total_amount"`
	PricePerUnit  decimal.Decimal  `json:"price_per_unit"`
	UnitLabel     string           `json:"unit_label,omitempty"`
	PaymentMethod string           `json:"payment_method"`
	WalletBalance *decimal.Decimal `json:"wallet_balance,omitempty"`
	UtilityUnits  int64            `json:"utility_units"`
	Status        string           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	Duplicate     bool             `json:"duplicate,omitempty"`
}

// InsufficientFundsResponse is the 402 body for a wallet that cannot cover the cost.
type InsufficientFundsResponse struct {
	Error          string          `json:"error"`
	WalletBalance  decimal.Decimal `json:"wallet_balance"`
	Cost           decimal.Decimal `json:"cost"`
	Shortfall      decimal.Decimal `json:"shortfall"`
	PaymentOptions []string        `json:"payment_options"`
}

func toResponse(r Receipt) PurchaseResponse {
	resp := PurchaseResponse{
		TransactionID: r.Transaction.ID,
		TokenCode:     r.Token.Code,
		UtilityType:   string(r.Token.Utility),
		Units:         r.Token.Units,
		TotalAmount:   r.Token.TotalAmount,
		PricePerUnit:  r.UnitPrice.PricePerUnit,
		UnitLabel:     r.UnitPrice.UnitLabel,
		PaymentMethod: r.Token.PaymentMethod,
		UtilityUnits:  r.UtilityUnits,
		Status:        string(r.Token.Status),
		CreatedAt:     r.Transaction.CreatedAt,
	}
	if r.Transaction.FinalBalance.Valid {
		balance := r.Transaction.FinalBalance.Decimal
		resp.WalletBalance = &balance
	}
	return resp
}
