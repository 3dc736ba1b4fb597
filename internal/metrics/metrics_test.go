package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPurchaseCountsUnitsOnlyWhenCommitted(t *testing.T) {
	r := NewRecorder()
	r.RecordPurchase("water", "wallet", OutcomeOK, 20)
	r.RecordPurchase("water", "wallet", OutcomeRejected, 50)
	if got := testutil.ToFloat64(r.purchasedUnits.WithLabelValues("water")); got != 20 {
		t.Fatalf("expected 20 units counted, got %v", got)
	}
	if got := testutil.ToFloat64(r.purchases.WithLabelValues("water", "wallet", OutcomeRejected)); got != 1 {
		t.Fatalf("expected one rejected purchase, got %v", got)
	}
}

func TestRecordReconciliationSetsDrift(t *testing.T) {
	r := NewRecorder()
	r.RecordReconciliation(3, time.Millisecond, true)
	if got := testutil.ToFloat64(r.reconcileDrift); got != 3 {
		t.Fatalf("expected drift gauge 3, got %v", got)
	}
	r.RecordReconciliation(9, time.Millisecond, false)
	if got := testutil.ToFloat64(r.reconcileDrift); got != 3 {
		t.Fatalf("failed sweep must not overwrite drift gauge, got %v", got)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.RecordStoreRetry()
	if got := testutil.ToFloat64(b.storeRetries); got != 0 {
		t.Fatalf("recorders must not share collectors, got %v", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RecordPurchase("gas", "wallet", OutcomeOK, 1)
	r.RecordRedemption("gas", OutcomeOK)
	r.RecordStoreRetry()
	r.RecordReconciliation(1, time.Millisecond, true)

	app := fiber.New()
	app.Use(r.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("nil recorder middleware must pass through: %v %v", resp, err)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := NewRecorder()
	app := fiber.New()
	app.Use(r.Middleware())
	app.Get("/metrics", adaptor.HTTPHandler(r.Handler()))
	app.Get("/api/v1/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `meterpay_http_requests_total{method="GET",route="/api/v1/ping",status="200"}`) {
		t.Fatalf("expected ping request counter in exposition, got:\n%s", body)
	}
}
