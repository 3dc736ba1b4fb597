package reporting

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// SummaryResponse is one utility row of a report.
type SummaryResponse struct {
	UtilityType                string          `json:"utility_type"`
	BroughtForward             int64           `json:"brought_forward"`
	PurchasedToDate            int64           `json:"purchased_to_date"`
	UsedToDate                 int64           `json:"used_to_date"`
	VoidedToDate               int64           `json:"voided_to_date"`
	Remaining                  int64           `json:"remaining"`
	UnitLabel                  string          `json:"unit_label,omitempty"`
	PricePerUnit               decimal.Decimal `json:"price_per_unit"`
	Currency                   string          `json:"currency,omitempty"`
	CostOfUnitsPurchasedToDate decimal.Decimal `json:"cost_of_units_purchased_to_date"`
	TotalCostToDate            decimal.Decimal `json:"total_cost_to_date"`
}

// ReportResponse wraps the per-utility summaries of a period.
type ReportResponse struct {
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	Utilities []SummaryResponse `json:"utilities"`
}

// StatementResponse is the account statement body.
type StatementResponse struct {
	Start                time.Time         `json:"start"`
	End                  time.Time         `json:"end"`
	Utilities            []SummaryResponse `json:"utilities"`
	TotalDeposits        decimal.Decimal   `json:"total_deposits"`
	TotalWalletPurchases decimal.Decimal   `json:"total_wallet_purchases"`
	TotalDirectPurchases decimal.Decimal   `json:"total_direct_purchases"`
	WalletBalance        decimal.Decimal   `json:"wallet_balance"`
	WalletFromLog        decimal.Decimal   `json:"wallet_from_log"`
	Transactions         []TransactionLine `json:"transactions"`
}

// TransactionLine is a statement row.
type TransactionLine struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	UtilityType   string          `json:"utility_type,omitempty"`
	Units         int64           `json:"units,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	TokenCode     string          `json:"token_code,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BucketCheck is one row of a reconciliation check.
type BucketCheck struct {
	UtilityType    string `json:"utility_type"`
	LogUnits       int64  `json:"log_units"`
	ProjectedUnits int64  `json:"projected_units"`
	Consistent     bool   `json:"consistent"`
}

// Handler exposes reports and reconciliation checks.
type Handler struct {
	reader *Reader
}

// NewHandler constructs a reporting handler.
func NewHandler(reader *Reader) *Handler {
	return &Handler{reader: reader}
}

// Summary returns the unit report for the authenticated user.
func (h *Handler) Summary(c *fiber.Ctx) error {
	email, _ := c.Locals("user_email").(string)
	if email == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	p, err := h.period(c)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	var summaries []Summary
	if raw := c.Query("utility"); raw != "" {
		u, err := utility.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		s, err := h.reader.Summarize(c.UserContext(), email, u, p)
		if err != nil {
			return mapError(err)
		}
		summaries = []Summary{s}
	} else {
		summaries, err = h.reader.SummarizeAll(c.UserContext(), email, p)
		if err != nil {
			return mapError(err)
		}
	}

	return c.JSON(ReportResponse{Start: p.Start, End: p.End, Utilities: toSummaryResponses(summaries)})
}

// Statement returns the account statement for the authenticated user.
func (h *Handler) Statement(c *fiber.Ctx) error {
	email, _ := c.Locals("user_email").(string)
	if email == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	p, err := h.period(c)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	st, err := h.reader.Statement(c.UserContext(), email, p)
	if err != nil {
		return mapError(err)
	}

	lines := make([]TransactionLine, 0, len(st.Transactions))
	for _, t := range st.Transactions {
		lines = append(lines, TransactionLine{
			ID:            t.ID,
			Type:          string(t.Type),
			UtilityType:   string(t.Utility),
			Units:         t.Units,
			Amount:        t.Amount,
			PaymentMethod: t.PaymentMethod,
			TokenCode:     t.TokenCode,
			CreatedAt:     t.CreatedAt,
		})
	}
	return c.JSON(StatementResponse{
		Start:                p.Start,
		End:                  p.End,
		Utilities:            toSummaryResponses(st.Utilities),
		TotalDeposits:        st.TotalDeposits,
		TotalWalletPurchases: st.TotalWalletPurchases,
		TotalDirectPurchases: st.TotalDirectPurchases,
		WalletBalance:        st.WalletBalance,
		WalletFromLog:        st.WalletFromLog,
		Transactions:         lines,
	})
}

// Reconcile checks every bucket of the user in the path.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	email := c.Params("email")
	if email == "" {
		return fiber.NewError(http.StatusBadRequest, "email is required")
	}
	checks := make([]BucketCheck, 0, len(utility.All()))
	consistent := true
	for _, u := range utility.All() {
		check := BucketCheck{UtilityType: string(u), Consistent: true}
		err := h.reader.Verify(c.UserContext(), email, u)
		var drift *DriftError
		switch {
		case err == nil:
		case errors.As(err, &drift):
			check.Consistent = false
			check.LogUnits = drift.LogUnits
			check.ProjectedUnits = drift.ProjectedUnits
			consistent = false
		default:
			return mapError(err)
		}
		if check.Consistent {
			s, err := h.reader.Summarize(c.UserContext(), email, u, Since(Epoch))
			if err != nil {
				return mapError(err)
			}
			check.LogUnits = s.Remaining
			check.ProjectedUnits = s.Remaining
		}
		checks = append(checks, check)
	}
	return c.JSON(fiber.Map{"user_email": email, "consistent": consistent, "buckets": checks})
}

func (h *Handler) period(c *fiber.Ctx) (Period, error) {
	start, end := c.Query("start"), c.Query("end")
	if start == "" && end == "" {
		return MonthOf(h.reader.now()), nil
	}
	return ParsePeriod(start, end)
}

func toSummaryResponses(in []Summary) []SummaryResponse {
	out := make([]SummaryResponse, 0, len(in))
	for _, s := range in {
		out = append(out, SummaryResponse{
			UtilityType:                string(s.Utility),
			BroughtForward:             s.BroughtForward,
			PurchasedToDate:            s.PurchasedToDate,
			UsedToDate:                 s.UsedToDate,
			VoidedToDate:               s.VoidedToDate,
			Remaining:                  s.Remaining,
			UnitLabel:                  s.UnitLabel,
			PricePerUnit:               s.PricePerUnit,
			Currency:                   s.Currency,
			CostOfUnitsPurchasedToDate: s.CostOfUnitsPurchasedToDate,
			TotalCostToDate:            s.TotalCostToDate,
		})
	}
	return out
}

func mapError(err error) error {
	if ledger.IsRetryable(err) {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, "report failed")
}
