package reporting

import (
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// Summary is the per-utility unit report for one period.
type Summary struct {
	Utility                    utility.Type
	Period                     Period
	BroughtForward             int64
	PurchasedToDate            int64
	UsedToDate                 int64
	RedeemedToDate             int64
	VoidedToDate               int64
	Remaining                  int64
	CostOfUnitsPurchasedToDate decimal.Decimal

	// Price figures are attached by the Reader; Fold leaves them zero.
	PricePerUnit    decimal.Decimal
	Currency        string
	UnitLabel       string
	TotalCostToDate decimal.Decimal
}

// Fold derives the summary for u over p from the transaction log. Entries
// before p.Start are carried forward; entries at or after p.End are ignored.
// Used units include both redemptions and voids.
func Fold(txs []ledger.Transaction, u utility.Type, p Period) Summary {
	s := Summary{Utility: u, Period: p, CostOfUnitsPurchasedToDate: decimal.Zero}
	for _, t := range txs {
		if t.Utility != u {
			continue
		}
		if t.CreatedAt.Before(p.Start) {
			s.BroughtForward += t.SignedUnits()
			continue
		}
		if !p.Contains(t.CreatedAt) {
			continue
		}
		switch t.Type {
		case ledger.TypePurchaseUtility:
			s.PurchasedToDate += t.Units
			s.CostOfUnitsPurchasedToDate = s.CostOfUnitsPurchasedToDate.Add(t.Amount.Abs())
		case ledger.TypeRedeem:
			s.UsedToDate += t.Units
			s.RedeemedToDate += t.Units
		case ledger.TypeTokenVoid:
			s.UsedToDate += t.Units
			s.VoidedToDate += t.Units
		}
	}
	s.Remaining = s.BroughtForward + s.PurchasedToDate - s.UsedToDate
	return s
}
