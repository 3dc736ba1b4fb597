package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/utility"
)

// Balance encapsulates available funds for a wallet.
type Balance struct {
	UserEmail string
	Amount    decimal.Decimal
	Currency  string
	AsOf      time.Time
}

// UnitsBalance is the pending pool for one utility. Buckets never touched read as zero.
type UnitsBalance struct {
	Utility     utility.Type
	Units       int64
	LastUpdated *time.Time
}
