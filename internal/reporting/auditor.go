package reporting

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meter-pay/meter_pay/internal/metrics"
)

// Auditor periodically compares every utility bucket with its log.
type Auditor struct {
	reader  *Reader
	metrics *metrics.Recorder
	logger  *slog.Logger
	timeout time.Duration
	cron    *cron.Cron
}

// NewAuditor schedules a sweep on spec (standard five-field cron syntax).
// recorder may be nil.
func NewAuditor(reader *Reader, spec string, timeout time.Duration, recorder *metrics.Recorder, logger *slog.Logger) (*Auditor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	a := &Auditor{
		reader:  reader,
		metrics: recorder,
		logger:  logger,
		timeout: timeout,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := a.cron.AddFunc(spec, func() { a.Run(context.Background()) }); err != nil {
		return nil, err
	}
	return a, nil
}

// Start begins the schedule in its own goroutine.
func (a *Auditor) Start() {
	a.cron.Start()
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (a *Auditor) Stop(ctx context.Context) {
	done := a.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Run performs one sweep and returns the number of drifted buckets.
func (a *Auditor) Run(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	drifted, err := a.reader.VerifyAll(ctx)
	a.metrics.RecordReconciliation(len(drifted), time.Since(start), err == nil)
	if err != nil {
		a.logger.Error("reconciliation sweep failed", slog.Any("error", err))
		return len(drifted)
	}
	for _, d := range drifted {
		a.logger.Error("utility balance drift",
			slog.String("user_email", d.UserEmail),
			slog.String("utility", string(d.Utility)),
			slog.Int64("log_units", d.LogUnits),
			slog.Int64("projected_units", d.ProjectedUnits),
		)
	}
	a.logger.Info("reconciliation sweep finished", slog.Int("drifted", len(drifted)))
	return len(drifted)
}
