package bridge

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/klingon-exchange/fusion-escrow/internal/metrics"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

var (
	healthCheckSeed   = []byte("health_check_test")
	healthCheckDigest = sha256.Sum256([]byte("health_check_test"))
)

// healthMonitor test-signs through the signer and keeps the last report.
type healthMonitor struct {
	signer         Signer
	maxAttempts    int
	signingTimeout time.Duration
	healthyLatency time.Duration
	ttl            time.Duration

	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	last     *HealthReport
	failures int
}

// check runs a fresh health check.
func (h *healthMonitor) check(ctx context.Context) HealthReport {
	maxAttempts := h.maxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	report := HealthReport{State: Unavailable}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		report.Attempts = attempt

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if h.signingTimeout > 0 {
			attemptCtx, cancel = h.clock.WithTimeout(ctx, h.signingTimeout)
		}
		start := h.clock.Now()
		_, err := h.signer.Sign(attemptCtx, healthCheckSeed, healthCheckDigest)
		report.Latency = h.clock.Since(start)
		cancel()

		if err == nil {
			report.State = Degraded
			if attempt == 1 && report.Latency <= h.healthyLatency {
				report.State = Healthy
			}
			report.LastError = ""
			break
		}
		report.LastError = err.Error()
		if ctx.Err() != nil {
			break
		}
	}
	report.CheckedAt = h.clock.Now()

	h.mu.Lock()
	if report.State == Healthy {
		h.failures = 0
	} else if report.State == Unavailable {
		h.failures++
	}
	report.RecentFailures = h.failures
	h.last = &report
	h.mu.Unlock()

	h.metrics.SetSignerHealth(string(report.State), report.RecentFailures)

	switch report.State {
	case Healthy:
		h.log.Debug("Signer health check", "state", report.State, "latency", report.Latency)
	case Degraded:
		h.log.Warn("Signer degraded", "latency", report.Latency, "attempts", report.Attempts)
	default:
		h.log.Error("Signer unavailable", "attempts", report.Attempts, "error", report.LastError)
	}
	return report
}

// current returns the cached report while it is younger than the ttl,
// otherwise runs a new check.
func (h *healthMonitor) current(ctx context.Context) HealthReport {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()

	if last != nil && h.ttl > 0 && h.clock.Since(last.CheckedAt) < h.ttl {
		return *last
	}
	return h.check(ctx)
}

// lastReport returns the most recent report, or nil before the first check.
func (h *healthMonitor) lastReport() *HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	r := *h.last
	return &r
}
