package purchase

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/funding"
	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// Handler exposes the purchase endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a purchase handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Purchase buys utility units for the authenticated user.
func (h *Handler) Purchase(c *fiber.Ctx) error {
	email, _ := c.Locals("user_email").(string)
	if email == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	var req PurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	u, err := utility.Parse(req.UtilityType)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = ledger.MethodWallet
	}

	receipt, err := h.engine.Purchase(c.UserContext(), PurchaseInput{
		UserEmail:     email,
		Utility:       u,
		Units:         req.Units,
		PaymentMethod: req.PaymentMethod,
		ClientTxID:    req.ClientTxID,
		CardNumber:    req.CardNumber,
	})
	if err != nil {
		var funds *InsufficientFundsError
		switch {
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			resp := toResponse(receipt)
			resp.Duplicate = true
			return c.Status(http.StatusOK).JSON(resp)
		case errors.As(err, &funds):
			return c.Status(http.StatusPaymentRequired).JSON(InsufficientFundsResponse{
				Error:          "insufficient wallet balance",
				WalletBalance:  funds.WalletBalance,
				Cost:           funds.Cost,
				Shortfall:      funds.Shortfall,
				PaymentOptions: funds.PaymentOptions,
			})
		case errors.Is(err, funding.ErrPaymentDeclined):
			return fiber.NewError(http.StatusPaymentRequired, err.Error())
		case errors.Is(err, ledger.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		case errors.Is(err, pricing.ErrPriceNotConfigured):
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		case ledger.IsRetryable(err):
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, ErrInvalidPurchase):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, "purchase failed")
		}
	}

	return c.Status(http.StatusCreated).JSON(toResponse(receipt))
}
