// Package timelock derives the two expiry timestamps of a cross-chain escrow.
//
// The foreign (EVM) leg always expires before the host leg. The gap is the
// finality buffer plus the coordination buffer, so a party that watches the
// foreign leg expire still has time to refund on the host side.
package timelock

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimelockTooShort    = errors.New("timelock too short")
	ErrInvalidTimelock     = errors.New("invalid timelock")
	ErrInvalidCoordination = errors.New("invalid timelock coordination")
)

// Default buffers.
const (
	DefaultFinalityBuffer     = 2 * time.Minute
	DefaultCoordinationBuffer = time.Minute
	DefaultMinDuration        = 10 * time.Minute
)

// Config holds the tunable buffers. Zero values are allowed.
type Config struct {
	FinalityBuffer     time.Duration
	CoordinationBuffer time.Duration

	// MinDuration is the floor for a requested duration.
	MinDuration time.Duration

	// SafetyBuffer is headroom a requested duration must have beyond the
	// two buffers.
	SafetyBuffer time.Duration
}

// DefaultConfig returns the default buffers.
func DefaultConfig() Config {
	return Config{
		FinalityBuffer:     DefaultFinalityBuffer,
		CoordinationBuffer: DefaultCoordinationBuffer,
		MinDuration:        DefaultMinDuration,
	}
}

// TotalBuffer is finality plus coordination.
func (c Config) TotalBuffer() time.Duration {
	return c.FinalityBuffer + c.CoordinationBuffer
}

// ConservativeTimelocks is computed once per escrow and never changes.
type ConservativeTimelocks struct {
	ICPTimelock        time.Time     `json:"icp_timelock"`
	EVMTimelock        time.Time     `json:"evm_timelock"`
	FinalityBuffer     time.Duration `json:"finality_buffer"`
	CoordinationBuffer time.Duration `json:"coordination_buffer"`
}

// TotalBuffer is the gap between the two timelocks.
func (t ConservativeTimelocks) TotalBuffer() time.Duration {
	return t.FinalityBuffer + t.CoordinationBuffer
}

// Calculator computes ConservativeTimelocks for one chain pair.
type Calculator struct {
	cfg Config
}

// New creates a calculator with the given buffers.
func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Config returns the calculator's buffers.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Calculate returns the host and foreign timelocks for a duration requested at now.
func (c *Calculator) Calculate(now time.Time, requested time.Duration) (ConservativeTimelocks, error) {
	total := c.cfg.TotalBuffer()
	if requested <= total+c.cfg.SafetyBuffer {
		return ConservativeTimelocks{}, fmt.Errorf("%w: %s does not exceed the %s buffer",
			ErrTimelockTooShort, FormatDuration(requested), FormatDuration(total+c.cfg.SafetyBuffer))
	}
	if requested < c.cfg.MinDuration {
		return ConservativeTimelocks{}, fmt.Errorf("%w: %s is below the %s minimum",
			ErrTimelockTooShort, FormatDuration(requested), FormatDuration(c.cfg.MinDuration))
	}

	base := now.Add(requested)
	tl := ConservativeTimelocks{
		ICPTimelock:        base,
		EVMTimelock:        base.Add(-total),
		FinalityBuffer:     c.cfg.FinalityBuffer,
		CoordinationBuffer: c.cfg.CoordinationBuffer,
	}
	if !tl.ICPTimelock.After(now) || !tl.EVMTimelock.After(now) {
		return ConservativeTimelocks{}, fmt.Errorf("%w: timelocks must be in the future", ErrInvalidTimelock)
	}
	return tl, nil
}

// ValidateCoordination checks that icp expires after evm by at least minBuffer.
func ValidateCoordination(icp, evm time.Time, minBuffer time.Duration) error {
	if !icp.After(evm) {
		return fmt.Errorf("%w: icp timelock %d is not after evm timelock %d",
			ErrInvalidCoordination, icp.Unix(), evm.Unix())
	}
	if gap := icp.Sub(evm); gap < minBuffer {
		return fmt.Errorf("%w: buffer %s is below %s",
			ErrInvalidCoordination, FormatDuration(gap), FormatDuration(minBuffer))
	}
	return nil
}

// IsExpired reports whether t has been reached.
func IsExpired(t, now time.Time) bool {
	return !now.Before(t)
}

// TimeUntilExpiry returns the remaining time and false once t has been reached.
func TimeUntilExpiry(t, now time.Time) (time.Duration, bool) {
	if t.After(now) {
		return t.Sub(now), true
	}
	return 0, false
}

// StatusKind classifies a timelock at a point in time.
type StatusKind string

const (
	StatusActive  StatusKind = "active"
	StatusExpired StatusKind = "expired"
	StatusInvalid StatusKind = "invalid"
)

// Status describes a timelock relative to now.
type Status struct {
	Kind      StatusKind    `json:"kind"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Overdue   time.Duration `json:"overdue,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

func (s Status) String() string {
	switch s.Kind {
	case StatusActive:
		return "active, " + FormatDuration(s.Remaining) + " remaining"
	case StatusExpired:
		return "expired " + FormatDuration(s.Overdue) + " ago"
	default:
		return "invalid: " + s.Reason
	}
}

// StatusAt returns the status of t at now. A zero t is invalid.
func StatusAt(t, now time.Time) Status {
	if t.IsZero() {
		return Status{Kind: StatusInvalid, Reason: "timelock not set"}
	}
	if IsExpired(t, now) {
		return Status{Kind: StatusExpired, Overdue: now.Sub(t)}
	}
	return Status{Kind: StatusActive, Remaining: t.Sub(now)}
}

// FormatDuration renders d as "1d 2h 3m", "2h 3m", "3m 4s" or "4s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
