package pricing

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// PriceResponse is one row of the price table.
type PriceResponse struct {
	UtilityType  string          `json:"utility_type"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Currency     string          `json:"currency"`
	UnitLabel    string          `json:"unit_label"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SetPriceRequest replaces the price of one utility.
type SetPriceRequest struct {
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Currency     string          `json:"currency"`
	UnitLabel    string          `json:"unit_label"`
}

// Handler exposes the price table.
type Handler struct {
	service *Service
}

// NewHandler constructs a pricing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// List returns every configured price.
func (h *Handler) List(c *fiber.Ctx) error {
	prices, err := h.service.List(c.UserContext())
	if err != nil {
		if ledger.IsRetryable(err) {
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, "list prices failed")
	}
	out := make([]PriceResponse, 0, len(prices))
	for _, p := range prices {
		out = append(out, toResponse(p))
	}
	return c.JSON(out)
}

// Set replaces the price of the utility in the path.
func (h *Handler) Set(c *fiber.Ctx) error {
	u, err := utility.Parse(c.Params("utility"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var req SetPriceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	p := ledger.UnitPrice{
		Utility:      u,
		PricePerUnit: req.PricePerUnit,
		Currency:     req.Currency,
		UnitLabel:    req.UnitLabel,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := h.service.Set(c.UserContext(), p); err != nil {
		if ledger.IsRetryable(err) {
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	stored, err := h.service.Lookup(c.UserContext(), u)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(toResponse(stored))
}

func toResponse(p ledger.UnitPrice) PriceResponse {
	return PriceResponse{
		UtilityType:  string(p.Utility),
		PricePerUnit: p.PricePerUnit,
		Currency:     p.Currency,
		UnitLabel:    p.UnitLabel,
		UpdatedAt:    p.UpdatedAt,
	}
}
