package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/purchase"
	"github.com/meter-pay/meter_pay/internal/reporting"
	"github.com/meter-pay/meter_pay/internal/wallet"
)

// RegisterUtilityRoutes wires purchases, unit balances and the token listing.
func RegisterUtilityRoutes(r fiber.Router, purchases *purchase.Handler, wallets *wallet.Handler) {
	r.Post("/utilities/purchases", purchases.Purchase)
	r.Get("/utilities/balances", wallets.UtilityBalances)
	r.Get("/tokens", wallets.Tokens)
}

// RegisterReportRoutes wires the reporting endpoints.
func RegisterReportRoutes(r fiber.Router, h *reporting.Handler) {
	r.Get("/reports/summary", h.Summary)
	r.Get("/reports/statement", h.Statement)
}
