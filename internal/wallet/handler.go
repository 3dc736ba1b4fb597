package wallet

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transactionResponse struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Amount         decimal.Decimal  `json:"amount"`
	Units          int64            `json:"units,omitempty"`
	Utility        string           `json:"utility_type,omitempty"`
	InitialBalance *decimal.Decimal `json:"initial_balance,omitempty"`
	FinalBalance   *decimal.Decimal `json:"final_balance,omitempty"`
	UnitsBefore    *int64           `json:"units_before,omitempty"`
	UnitsAfter     *int64           `json:"units_after,omitempty"`
	PaymentMethod  string           `json:"payment_method"`
	TokenCode      string           `json:"token_code,omitempty"`
	MeterID        string           `json:"meter_id,omitempty"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

type tokenResponse struct {
	Code          string          `json:"token_code"`
	Utility       string          `json:"utility_type"`
	Units         int64           `json:"units"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UsedAt        *time.Time      `json:"used_at,omitempty"`
	MeterID       string          `json:"meter_id,omitempty"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
}

func currentUser(c *fiber.Ctx) (string, error) {
	email, _ := c.Locals("user_email").(string)
	if email == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	return email, nil
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	email, err := currentUser(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), email)
	if err != nil {
		if IsNotFound(err) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user_email": balance.UserEmail,
		"balance":    balance.Amount,
		"currency":   balance.Currency,
		"timestamp":  balance.AsOf,
	})
}

// UtilityBalances returns the pending units per utility.
func (h *Handler) UtilityBalances(c *fiber.Ctx) error {
	email, err := currentUser(c)
	if err != nil {
		return err
	}
	balances, err := h.service.UtilityBalances(c.UserContext(), email)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]fiber.Map, 0, len(balances))
	for _, b := range balances {
		out = append(out, fiber.Map{"utility_type": b.Utility, "units": b.Units, "last_updated": b.LastUpdated})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"balances": out})
}

// Transactions returns recent log entries, optionally filtered by utility and type.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	email, err := currentUser(c)
	if err != nil {
		return err
	}
	q := HistoryQuery{Limit: c.QueryInt("limit", defaultPageSize)}
	if raw := c.Query("utility_type"); raw != "" {
		u, err := utility.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		q.Utility = u
	}
	if raw := c.Query("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			q.Types = append(q.Types, ledger.TxType(strings.TrimSpace(t)))
		}
	}
	txs, err := h.service.History(c.UserContext(), email, q)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out})
}

// Tokens lists the user's recharge tokens.
func (h *Handler) Tokens(c *fiber.Ctx) error {
	email, err := currentUser(c)
	if err != nil {
		return err
	}
	toks, err := h.service.Tokens(c.UserContext(), email, token.Status(c.Query("status")), c.QueryInt("limit", defaultPageSize))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	out := make([]tokenResponse, 0, len(toks))
	for _, t := range toks {
		out = append(out, tokenResponse{
			Code:          t.Code,
			Utility:       string(t.Utility),
			Units:         t.Units,
			TotalAmount:   t.TotalAmount,
			PaymentMethod: t.PaymentMethod,
			Status:        string(t.Status),
			CreatedAt:     t.CreatedAt,
			UsedAt:        t.UsedAt,
			MeterID:       t.MeterID,
			VoidedAt:      t.VoidedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"tokens": out})
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:            t.ID,
		Type:          string(t.Type),
		Amount:        t.Amount,
		Units:         t.Units,
		Utility:       string(t.Utility),
		UnitsBefore:   t.UnitsBefore,
		UnitsAfter:    t.UnitsAfter,
		PaymentMethod: t.PaymentMethod,
		TokenCode:     t.TokenCode,
		MeterID:       t.MeterID,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
	}
	if t.InitialBalance.Valid {
		v := t.InitialBalance.Decimal
		resp.InitialBalance = &v
	}
	if t.FinalBalance.Valid {
		v := t.FinalBalance.Decimal
		resp.FinalBalance = &v
	}
	return resp
}
