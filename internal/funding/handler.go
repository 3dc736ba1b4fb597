package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/ledger"
)

// Handler exposes HTTP endpoints for wallet deposits.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Deposit processes wallet top-ups funded by cards.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	email, _ := c.Locals("user_email").(string)
	if email == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Deposit(c.UserContext(), DepositInput{
		UserEmail:  email,
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		CardNumber: req.CardNumber,
		Expiry:     req.Expiry,
		CVV:        req.CVV,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			resp := toResponse(result)
			resp.Duplicate = true
			return c.Status(http.StatusOK).JSON(resp)
		case errors.Is(err, ErrPaymentDeclined):
			return fiber.NewError(http.StatusPaymentRequired, err.Error())
		case ledger.IsRetryable(err):
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		default:
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

func toResponse(result DepositResult) DepositResponse {
	return DepositResponse{
		TransactionID:     result.TransactionID,
		WalletBalance:     result.WalletBalance,
		AcquirerReference: result.AcquirerReference,
	}
}
