package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/meter-pay/meter_pay/internal/auth"
	"github.com/meter-pay/meter_pay/internal/config"
	"github.com/meter-pay/meter_pay/internal/funding"
	"github.com/meter-pay/meter_pay/internal/identity"
	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/metrics"
	"github.com/meter-pay/meter_pay/internal/middleware"
	"github.com/meter-pay/meter_pay/internal/notification"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/purchase"
	"github.com/meter-pay/meter_pay/internal/redemption"
	"github.com/meter-pay/meter_pay/internal/reporting"
	"github.com/meter-pay/meter_pay/internal/token"
	"github.com/meter-pay/meter_pay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	Store    ledger.Store
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Acquirer funding.Acquirer
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Store == nil {
		return fmt.Errorf("ledger store is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewRecorder()
	}
	// Enforce Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(cors.New(cors.Config{
		AllowOrigins: d.Cfg.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Idempotency-Key, X-Request-ID",
	}))
	app.Use(d.Metrics.Middleware())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health and metrics
	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))

	// Services and handlers
	var identityRepo identity.Repository
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
	}
	identitySvc := identity.NewService(identityRepo)
	authSvc := auth.NewService(d.Cfg, identityRepo)

	notifiers := notification.Multi{notification.NewLoggerNotifier(d.Logger)}
	if d.Cache != nil {
		notifiers = append(notifiers, notification.NewStreamNotifier(d.Cache, d.Cfg.NotificationStream))
	}

	acquirer := d.Acquirer
	if acquirer == nil {
		acquirer = funding.StaticAcquirer{}
	}
	tokens := token.NewManager(nil, d.Cfg.MaxCodeAttempts)
	priceSvc := pricing.NewService(d.Store)
	walletSvc := wallet.NewService(d.Store)
	fundingSvc := funding.NewService(d.Store, acquirer)

	purchaseEngine, err := purchase.NewEngine(purchase.Config{
		Store:    d.Store,
		Tokens:   tokens,
		Prices:   priceSvc,
		Acquirer: acquirer,
		Notifier: notifiers,
		Metrics:  d.Metrics,
		Logger:   d.Logger,
	})
	if err != nil {
		return err
	}
	redemptionEngine, err := redemption.NewEngine(redemption.Config{
		Store:    d.Store,
		Tokens:   tokens,
		Notifier: notifiers,
		Metrics:  d.Metrics,
		Logger:   d.Logger,
	})
	if err != nil {
		return err
	}
	reader := reporting.NewReader(d.Store)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	api.Get("/prices", pricing.NewHandler(priceSvc).List)
	RegisterIdentityRoutes(api, identity.NewHandler(identitySvc, walletSvc, d.Logger))
	RegisterAuthRoutes(api, auth.NewHandler(identitySvc, authSvc), middleware.LoginRateLimit(d.Cache, 5))

	// Device and operator routes carry their own keys and must be registered
	// before the bearer-protected group, whose middleware matches the whole prefix.
	redemptionHandler := redemption.NewHandler(redemptionEngine)
	RegisterMeterRoutes(api, redemptionHandler, d)
	RegisterAdminRoutes(api, AdminHandlers{
		Redemption: redemptionHandler,
		Reporting:  reporting.NewHandler(reader),
		Pricing:    pricing.NewHandler(priceSvc),
	}, d)

	// Protected routes
	protected := api.Group("", middleware.JWTAuth(authSvc))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	protected.Post("/auth/logout", auth.NewHandler(identitySvc, authSvc).Logout)
	RegisterWalletRoutes(protected, wallet.NewHandler(walletSvc))
	RegisterFundingRoutes(protected, funding.NewHandler(fundingSvc))
	RegisterUtilityRoutes(protected, purchase.NewHandler(purchaseEngine), wallet.NewHandler(walletSvc))
	RegisterReportRoutes(protected, reporting.NewHandler(reader))

	return nil
}
