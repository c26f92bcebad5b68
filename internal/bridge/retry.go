package bridge

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"

	"github.com/klingon-exchange/fusion-escrow/internal/metrics"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

// retrier runs one bridge step with bounded attempts and jittered
// exponential backoff. Only transient failures are retried.
type retrier struct {
	maxAttempts    int
	minBackoff     time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration
	signingTimeout time.Duration

	// receiptAttempts bounds polling for a transaction receipt.
	receiptAttempts int

	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
}

func (r *retrier) do(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return r.doN(ctx, op, timeout, r.maxAttempts, fn)
}

// doN is do with an explicit attempt bound.
func (r *retrier) doN(ctx context.Context, op string, timeout time.Duration, maxAttempts int, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    r.minBackoff,
		Max:    r.maxBackoff,
		Factor: 2,
		Jitter: true,
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &RequestError{Op: op, Attempts: attempt - 1, Transient: Classify(err) == Transient, Err: err}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = r.clock.WithTimeout(ctx, timeout)
		}
		start := r.clock.Now()
		err := fn(attemptCtx)
		elapsed := r.clock.Since(start).Seconds()
		cancel()

		if err == nil {
			r.metrics.BridgeAttempt(op, metrics.OutcomeOK, elapsed)
			return nil
		}

		// The caller gave up; the attempt error is only a symptom.
		if ctx.Err() != nil {
			r.metrics.BridgeAttempt(op, metrics.OutcomePermanent, elapsed)
			return &RequestError{Op: op, Attempts: attempt, Transient: Classify(ctx.Err()) == Transient, Err: err}
		}

		if Classify(err) == Permanent {
			r.metrics.BridgeAttempt(op, metrics.OutcomePermanent, elapsed)
			r.log.Warn("Bridge request failed", "op", op, "attempt", attempt, "error", err)
			return &RequestError{Op: op, Attempts: attempt, Transient: false, Err: err}
		}

		if attempt >= maxAttempts {
			r.metrics.BridgeAttempt(op, metrics.OutcomeExhausted, elapsed)
			r.log.Warn("Bridge request exhausted retries", "op", op, "attempts", attempt, "error", err)
			return &RequestError{Op: op, Attempts: attempt, Transient: true, Err: err}
		}

		r.metrics.BridgeAttempt(op, metrics.OutcomeRetry, elapsed)
		wait := b.Duration()
		r.log.Debug("Retrying bridge request", "op", op, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return &RequestError{Op: op, Attempts: attempt, Transient: Classify(ctx.Err()) == Transient, Err: ctx.Err()}
		case <-r.clock.After(wait):
		}
	}
}
