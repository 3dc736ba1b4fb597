package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meter-pay/meter_pay/internal/config"
	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/logging"
	"github.com/meter-pay/meter_pay/internal/pricing"
	"github.com/meter-pay/meter_pay/internal/routes"
)

const (
	meterKey = "meter-secret"
	adminKey = "admin-secret"
	stream   = "meterpay:test"
)

type harness struct {
	t     *testing.T
	srv   *Server
	cache *redis.Client
	seq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	store := ledger.NewInMemory(ledger.Options{})
	require.NoError(t, pricing.NewService(store).Seed(context.Background(), pricing.Defaults()))

	cfg := config.Config{
		AppName:             "MeterPay",
		AppEnv:              "test",
		StoreBackend:        config.BackendMemory,
		IdempotencyTTL:      time.Minute,
		MaxCodeAttempts:     5,
		JWTSecret:           "access-secret",
		RefreshSecret:       "refresh-secret",
		AccessTokenTTL:      time.Minute,
		RefreshTokenTTL:     time.Hour,
		MeterAPIKey:         meterKey,
		AdminAPIKey:         adminKey,
		RedeemRatePerMinute: 100,
		NotificationStream:  stream,
		CORSOrigins:         "*",
	}
	srv, err := New(routes.Deps{Cfg: cfg, Store: store, Cache: cache, Logger: logging.Discard()})
	require.NoError(t, err)
	return &harness{t: t, srv: srv, cache: cache}
}

// do sends a request and decodes a JSON object body.
func (h *harness) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	h.t.Helper()
	status, raw := h.doRaw(method, path, body, headers)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &out), string(raw))
	}
	return status, out
}

// doRaw sends a request and returns the undecoded body.
func (h *harness) doRaw(method, path string, body any, headers map[string]string) (int, []byte) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet {
		h.seq++
		req.Header.Set("Idempotency-Key", fmt.Sprintf("key-%d", h.seq))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.App().Test(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, raw
}

func (h *harness) login(email string) string {
	h.t.Helper()
	status, _ := h.do(http.MethodPost, "/api/v1/identity/register", map[string]string{"email": email, "password": "s3cret-pass"}, nil)
	require.Equal(h.t, http.StatusCreated, status)
	status, body := h.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": "s3cret-pass"}, nil)
	require.Equal(h.t, http.StatusOK, status)
	token, _ := body["access_token"].(string)
	require.NotEmpty(h.t, token)
	return "Bearer " + token
}

func TestPurchaseAndRedeemOverHTTP(t *testing.T) {
	h := newHarness(t)
	bearer := h.login("alice@example.com")
	authz := map[string]string{"Authorization": bearer}

	status, body := h.do(http.MethodPost, "/api/v1/wallet/deposits", map[string]any{
		"card_number": "4111111111111111",
		"amount":      "50",
	}, authz)
	require.Equal(t, http.StatusCreated, status, body)
	require.Equal(t, "50", body["wallet_balance"])

	status, body = h.do(http.MethodPost, "/api/v1/utilities/purchases", map[string]any{
		"utility_type": "water",
		"units":        20,
	}, authz)
	require.Equal(t, http.StatusCreated, status, body)
	require.Equal(t, "20", body["wallet_balance"])
	require.Equal(t, float64(20), body["utility_units"])
	code, _ := body["token_code"].(string)
	require.NotEmpty(t, code)

	redeem := map[string]any{"token_code": code, "utility_type": "water", "owner_email": "alice@example.com"}

	status, _ = h.do(http.MethodPost, "/api/v1/meters/M-1/redeem", redeem, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = h.do(http.MethodPost, "/api/v1/meters/M-1/redeem", redeem, map[string]string{"X-Meter-Key": meterKey})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, float64(20), body["applied_units"])

	status, _ = h.do(http.MethodPost, "/api/v1/meters/M-1/redeem", redeem, map[string]string{"X-Meter-Key": meterKey})
	require.Equal(t, http.StatusConflict, status)

	status, body = h.do(http.MethodGet, "/api/v1/utilities/balances", nil, authz)
	require.Equal(t, http.StatusOK, status)
	balances, _ := body["balances"].([]any)
	require.Len(t, balances, 3)
	for _, b := range balances {
		require.Equal(t, float64(0), b.(map[string]any)["units"])
	}

	length, err := h.cache.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), length)
}

func TestInsufficientFundsOverHTTP(t *testing.T) {
	h := newHarness(t)
	authz := map[string]string{"Authorization": h.login("bob@example.com")}

	status, body := h.do(http.MethodPost, "/api/v1/utilities/purchases", map[string]any{
		"utility_type": "gas",
		"units":        3,
	}, authz)
	require.Equal(t, http.StatusPaymentRequired, status)
	require.Equal(t, "6", body["shortfall"])
	require.ElementsMatch(t, []any{"direct_pay", "deposit"}, body["payment_options"])
}

func TestAdminVoidReleasesUnits(t *testing.T) {
	h := newHarness(t)
	authz := map[string]string{"Authorization": h.login("carol@example.com")}

	status, body := h.do(http.MethodPost, "/api/v1/utilities/purchases", map[string]any{
		"utility_type":   "energy",
		"units":          100,
		"payment_method": "direct_pay",
		"card_number":    "4111111111111111",
	}, authz)
	require.Equal(t, http.StatusCreated, status, body)
	code := body["token_code"].(string)

	status, _ = h.do(http.MethodPost, "/api/v1/admin/tokens/"+code+"/void", map[string]string{"reason": "lost"}, map[string]string{"X-Admin-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = h.do(http.MethodPost, "/api/v1/admin/tokens/"+code+"/void", map[string]string{"reason": "lost"}, map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, float64(100), body["released_units"])
	require.Equal(t, float64(0), body["pending_units"])

	status, body = h.do(http.MethodGet, "/api/v1/admin/reconciliation/carol@example.com", nil, map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusOK, status, body)
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(http.MethodGet, "/api/v1/wallet", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, raw := h.doRaw(http.MethodGet, "/api/v1/prices", nil, nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	var prices []struct {
		UtilityType  string `json:"utility_type"`
		PricePerUnit string `json:"price_per_unit"`
	}
	require.NoError(t, json.Unmarshal(raw, &prices))
	got := map[string]string{}
	for _, p := range prices {
		got[p.UtilityType] = p.PricePerUnit
	}
	require.Equal(t, map[string]string{"water": "1.5", "gas": "2", "energy": "0.13"}, got)
}
