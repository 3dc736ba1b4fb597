package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meter-pay/meter_pay/internal/middleware"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/redemption"
	"github.com/meter-pay/meter_pay/internal/reporting"
)

// RegisterMeterRoutes wires the meter redemption endpoint behind the meter key
// and the per-meter rate limit.
func RegisterMeterRoutes(r fiber.Router, h *redemption.Handler, d Deps) {
	r.Post("/meters/:meterId/redeem",
		middleware.APIKey(middleware.MeterKeyHeader, d.Cfg.MeterAPIKey),
		middleware.RedeemRateLimit(d.Cache, d.Cfg.RedeemRatePerMinute, d.Logger),
		h.Redeem,
	)
}

// AdminHandlers groups the operator endpoints.
type AdminHandlers struct {
	Redemption *redemption.Handler
	Reporting  *reporting.Handler
	Pricing    *pricing.Handler
}

// RegisterAdminRoutes wires operator endpoints behind the admin key.
func RegisterAdminRoutes(r fiber.Router, h AdminHandlers, d Deps) {
	admin := r.Group("/admin", middleware.APIKey(middleware.AdminKeyHeader, d.Cfg.AdminAPIKey))
	admin.Post("/tokens/:code/void", h.Redemption.Void)
	admin.Get("/reconciliation/:email", h.Reporting.Reconcile)
	admin.Put("/prices/:utility", h.Pricing.Set)
}
