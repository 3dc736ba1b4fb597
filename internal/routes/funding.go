package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/funding"
)

// RegisterFundingRoutes wires card deposits into the wallet.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler) {
	r.Post("/wallet/deposits", h.Deposit)
}
