package funding

import "github.com/shopspring/decimal"

// DepositRequest captures user-provided data to fund a wallet from a card.
type DepositRequest struct {
	CardNumber string          `json:"card_number"`
	Expiry     string          `json:"expiry"`
	CVV        string          `json:"cvv"`
	Amount     decimal.Decimal `json:"amount"`
	ClientTxID string          `json:"client_tx_id"`
}

// DepositResponse represents the API response for a deposit.
type DepositResponse struct {
	TransactionID     string          `json:"transaction_id"`
	WalletBalance     decimal.Decimal `json:"wallet_balance"`
	AcquirerReference string          `json:"acquirer_reference,omitempty"`
	Duplicate         bool            `json:"duplicate,omitempty"`
}
