package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meterpay"

// Outcome labels shared by the token counters.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Recorder owns the application's Prometheus collectors and their registry.
// A nil *Recorder records nothing, so components may be built without one.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	purchases      *prometheus.CounterVec
	purchasedUnits *prometheus.CounterVec
	redemptions    *prometheus.CounterVec
	storeRetries   prometheus.Counter
	reconcileDrift prometheus.Gauge
	reconcileRuns  *prometheus.HistogramVec
}

// NewRecorder builds the collectors on a fresh registry together with the
// process and Go runtime collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "purchases_total",
			Help:      "Token purchases by utility, payment method and outcome.",
		}, []string{"utility", "method", "outcome"}),
		purchasedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "purchased_units_total",
			Help:      "Units sold through committed purchases.",
		}, []string{"utility"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "redemptions_total",
			Help:      "Meter redemptions by utility and outcome.",
		}, []string{"utility", "outcome"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tx_retries_total",
			Help:      "Units of work re-run after a write conflict.",
		}),
		reconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "drifted_buckets",
			Help:      "Utility buckets whose log-derived remaining differs from the live balance.",
		}),
		reconcileRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"success"}),
	}
	r.registry.MustRegister(
		r.httpRequests,
		r.httpDuration,
		r.purchases,
		r.purchasedUnits,
		r.redemptions,
		r.storeRetries,
		r.reconcileDrift,
		r.reconcileRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return r
}

// Handler returns an HTTP handler exposing the registered metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per matched route.
func (r *Recorder) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if r == nil || c.Path() == "/metrics" {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		route := c.Route().Path
		if route == "" {
			route = "unmatched"
		}
		method := strings.ToUpper(c.Method())
		r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordPurchase counts a purchase attempt. units is added only for committed purchases.
func (r *Recorder) RecordPurchase(utility, method, outcome string, units int64) {
	if r == nil {
		return
	}
	r.purchases.WithLabelValues(utility, method, outcome).Inc()
	if outcome == OutcomeOK && units > 0 {
		r.purchasedUnits.WithLabelValues(utility).Add(float64(units))
	}
}

// RecordRedemption counts a redemption attempt.
func (r *Recorder) RecordRedemption(utility, outcome string) {
	if r == nil {
		return
	}
	r.redemptions.WithLabelValues(utility, outcome).Inc()
}

// RecordStoreRetry counts one re-run of a unit of work.
func (r *Recorder) RecordStoreRetry() {
	if r == nil {
		return
	}
	r.storeRetries.Inc()
}

// RecordReconciliation stores the outcome of a reconciliation sweep. A failed
// sweep leaves the drift gauge untouched.
func (r *Recorder) RecordReconciliation(drifted int, duration time.Duration, success bool) {
	if r == nil {
		return
	}
	if success {
		r.reconcileDrift.Set(float64(drifted))
	}
	r.reconcileRuns.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}
