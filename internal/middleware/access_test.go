package middleware

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/meter-pay/meter_pay/internal/auth"
	"github.com/meter-pay/meter_pay/internal/config"
	"github.com/meter-pay/meter_pay/internal/identity"
	"github.com/meter-pay/meter_pay/internal/logging"
)

func status(t *testing.T, app *fiber.App, method, path string, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestAPIKey(t *testing.T) {
	app := fiber.New()
	app.Get("/meter", APIKey(MeterKeyHeader, "s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	app.Get("/closed", APIKey(AdminKeyHeader, ""), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	if got := status(t, app, fiber.MethodGet, "/meter", map[string]string{MeterKeyHeader: "s3cret"}); got != fiber.StatusNoContent {
		t.Fatalf("expected %d got %d", fiber.StatusNoContent, got)
	}
	if got := status(t, app, fiber.MethodGet, "/meter", map[string]string{MeterKeyHeader: "guess"}); got != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, got)
	}
	if got := status(t, app, fiber.MethodGet, "/closed", map[string]string{AdminKeyHeader: ""}); got != fiber.StatusUnauthorized {
		t.Fatalf("empty key must reject, got %d", got)
	}
}

func TestRedeemRateLimitWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/meters/:meterId/redeem", RedeemRateLimit(cache, 2, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i, want := range []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests} {
		if got := status(t, app, fiber.MethodPost, "/meters/m1/redeem", nil); got != want {
			t.Fatalf("request %d: expected %d got %d", i, want, got)
		}
	}
	if got := status(t, app, fiber.MethodPost, "/meters/m2/redeem", nil); got != fiber.StatusOK {
		t.Fatalf("other meter should not be limited, got %d", got)
	}

	mr.FastForward(time.Minute)
	if got := status(t, app, fiber.MethodPost, "/meters/m1/redeem", nil); got != fiber.StatusOK {
		t.Fatalf("window should reset, got %d", got)
	}
}

func TestRedeemRateLimitInProcess(t *testing.T) {
	app := fiber.New()
	app.Post("/meters/:meterId/redeem", RedeemRateLimit(nil, 3, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 3; i++ {
		if got := status(t, app, fiber.MethodPost, "/meters/m1/redeem", nil); got != fiber.StatusOK {
			t.Fatalf("request %d: expected %d got %d", i, fiber.StatusOK, got)
		}
	}
	if got := status(t, app, fiber.MethodPost, "/meters/m1/redeem", nil); got != fiber.StatusTooManyRequests {
		t.Fatalf("expected burst to be exhausted, got %d", got)
	}
}

func TestKeyedLimiterSweepsIdleMeters(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := newKeyedLimiter(rate.Every(time.Minute/3), 3)
	k.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		if !k.allow(fmt.Sprintf("meter-%d", i)) {
			t.Fatalf("first request of meter-%d must pass", i)
		}
	}
	k.allow("busy")
	if got := k.size(); got != 101 {
		t.Fatalf("expected 101 tracked meters, got %d", got)
	}

	clock = clock.Add(30 * time.Second)
	for k.allow("busy") {
	}
	clock = clock.Add(45 * time.Second)
	passed := 0
	for k.allow("busy") {
		passed++
	}
	if got := k.size(); got != 1 {
		t.Fatalf("expected idle meters to be swept, %d remain", got)
	}
	if passed != 2 {
		t.Fatalf("active meter must keep its drained bucket, %d requests passed", passed)
	}
}

func TestJWTAuthSetsUserEmail(t *testing.T) {
	repo := identity.NewMemoryRepository()
	user, err := identity.NewService(repo).Register(context.Background(), identity.Credentials{Email: "ana@example.com", Password: "long enough"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	tokens := auth.NewService(config.Config{
		JWTSecret:       "access-secret",
		RefreshSecret:   "refresh-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, repo)
	pair, err := tokens.Login(user)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	app := fiber.New()
	app.Get("/me", JWTAuth(tokens), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_email").(string))
	})

	if got := status(t, app, fiber.MethodGet, "/me", nil); got != fiber.StatusUnauthorized {
		t.Fatalf("expected %d without token, got %d", fiber.StatusUnauthorized, got)
	}
	if got := status(t, app, fiber.MethodGet, "/me", map[string]string{fiber.HeaderAuthorization: "Bearer nonsense"}); got != fiber.StatusUnauthorized {
		t.Fatalf("expected %d for bad token, got %d", fiber.StatusUnauthorized, got)
	}
	if got := status(t, app, fiber.MethodGet, "/me", map[string]string{fiber.HeaderAuthorization: "Bearer " + pair.AccessToken}); got != fiber.StatusOK {
		t.Fatalf("expected %d, got %d", fiber.StatusOK, got)
	}
}
