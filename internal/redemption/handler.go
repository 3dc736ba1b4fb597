package redemption

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// RedeemRequest is the body a meter posts.
type RedeemRequest struct {
	TokenCode   string `json:"token_code"`
	UtilityType string `json:"utility_type"`
	OwnerEmail  string `json:"owner_email"`
}

// RedeemResponse acknowledges a consumed token.
type RedeemResponse struct {
	AppliedUnits  int64     `json:"applied_units"`
	TokenCode     string    `json:"token_code"`
	MeterID       string    `json:"meter_id"`
	TransactionID string    `json:"transaction_id"`
	RedeemedAt    time.Time `json:"redeemed_at"`
}

// VoidRequest carries the operator's reason.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// VoidResponse acknowledges a voided token.
type VoidResponse struct {
	TokenCode     string    `json:"token_code"`
	OwnerEmail    string    `json:"owner_email"`
	UtilityType   string    `json:"utility_type"`
	ReleasedUnits int64     `json:"released_units"`
	PendingUnits  int64     `json:"pending_units"`
	TransactionID string    `json:"transaction_id"`
	VoidedAt      time.Time `json:"voided_at"`
}

// Handler exposes meter redemption and administrative voids.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a redemption handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Redeem consumes a token for the meter in the path.
func (h *Handler) Redeem(c *fiber.Ctx) error {
	var req RedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.engine.Redeem(c.UserContext(), RedeemInput{
		MeterID:    c.Params("meterId"),
		TokenCode:  req.TokenCode,
		Utility:    utility.Type(req.UtilityType),
		OwnerEmail: req.OwnerEmail,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(RedeemResponse{
		AppliedUnits:  res.AppliedUnits,
		TokenCode:     res.TokenCode,
		MeterID:       res.MeterID,
		TransactionID: res.TransactionID,
		RedeemedAt:    res.RedeemedAt,
	})
}

// Void cancels an active token.
func (h *Handler) Void(c *fiber.Ctx) error {
	var req VoidRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	res, err := h.engine.Void(c.UserContext(), VoidInput{TokenCode: c.Params("code"), Reason: req.Reason})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(VoidResponse{
		TokenCode:     res.TokenCode,
		OwnerEmail:    res.OwnerEmail,
		UtilityType:   string(res.Utility),
		ReleasedUnits: res.ReleasedUnits,
		PendingUnits:  res.PendingUnits,
		TransactionID: res.TransactionID,
		VoidedAt:      res.VoidedAt,
	})
}

func mapError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidOrUsedToken):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientUnits):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case ledger.IsRetryable(err):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "redemption failed")
	}
}
