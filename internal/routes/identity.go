package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/identity"
)

// RegisterIdentityRoutes wires registration; the handler provisions the wallet.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/identity/register", h.Register)
}
