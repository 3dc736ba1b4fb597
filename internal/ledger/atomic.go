package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxTxAttempts = 5
	defaultStoreTimeout  = 5 * time.Second
)

// Options tunes how backends run units of work.
type Options struct {
	// MaxTxAttempts bounds how often a conflicting unit of work is re-run.
	MaxTxAttempts int
	// StoreTimeout bounds every attempt.
	StoreTimeout time.Duration
	// OnRetry is called before each re-run, typically to count contention.
	OnRetry func(attempt int, err error)
}

func (o Options) withDefaults() Options {
	if o.MaxTxAttempts <= 0 {
		o.MaxTxAttempts = defaultMaxTxAttempts
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	return o
}

// retry runs attempt until it succeeds, fails with a non-conflict error, or the
// attempt budget is spent.
func (o Options) retry(ctx context.Context, attempt func(ctx context.Context) error) error {
	var last error
	for i := 1; i <= o.MaxTxAttempts; i++ {
		actx, cancel := context.WithTimeout(ctx, o.StoreTimeout)
		err := attempt(actx)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errConflict) {
			return o.unavailable(ctx, err)
		}
		last = err
		if i < o.MaxTxAttempts && o.OnRetry != nil {
			o.OnRetry(i, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrContention, last)
}

// unavailable maps an attempt deadline to ErrStoreUnavailable. A cancelled
// caller context is passed through untouched.
func (o Options) unavailable(ctx context.Context, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
