package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/fusion-escrow/internal/metrics"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

// Config tunes retries, timeouts and the health gate.
type Config struct {
	MaxAttempts    int
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	SigningTimeout time.Duration
	HealthyLatency time.Duration

	// ReceiptAttempts bounds how often a sent transaction's receipt is
	// polled, with the same backoff as other requests.
	ReceiptAttempts int

	// HealthTTL is how long a health report gates signing before it is
	// refreshed.
	HealthTTL time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		MinBackoff:      time.Second,
		MaxBackoff:      8 * time.Second,
		RequestTimeout:  15 * time.Second,
		SigningTimeout:  10 * time.Second,
		HealthyLatency:  2 * time.Second,
		ReceiptAttempts: 12,
		HealthTTL:       15 * time.Second,
	}
}

// Bridge routes foreign escrow requests to chain legs and owns the
// signer, its health monitor and the retry policy they share.
type Bridge struct {
	clock  clock.Clock
	log    *logging.Logger
	retry  *retrier
	keys   *keyring
	health *healthMonitor

	mu   sync.RWMutex
	legs map[uint64]ChainLeg
}

// New creates a bridge backed by signer.
func New(cfg Config, signer Signer) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefault()
	}
	log := cfg.Logger.Component("bridge")

	r := &retrier{
		maxAttempts:     cfg.MaxAttempts,
		minBackoff:      cfg.MinBackoff,
		maxBackoff:      cfg.MaxBackoff,
		requestTimeout:  cfg.RequestTimeout,
		signingTimeout:  cfg.SigningTimeout,
		receiptAttempts: cfg.ReceiptAttempts,
		clock:           cfg.Clock,
		log:             log,
		metrics:         cfg.Metrics,
	}

	return &Bridge{
		clock: cfg.Clock,
		log:   log,
		retry: r,
		keys:  newKeyring(signer, r),
		health: &healthMonitor{
			signer:         signer,
			maxAttempts:    cfg.MaxAttempts,
			signingTimeout: cfg.SigningTimeout,
			healthyLatency: cfg.HealthyLatency,
			ttl:            cfg.HealthTTL,
			clock:          cfg.Clock,
			log:            log,
			metrics:        cfg.Metrics,
		},
		legs: make(map[uint64]ChainLeg),
	}
}

// AddLeg registers a chain leg, replacing any leg for the same chain.
func (b *Bridge) AddLeg(leg ChainLeg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.legs[leg.Chain()] = leg
}

// AddEVMLeg registers an EVM chain served by client and contract.
func (b *Bridge) AddEVMLeg(chainID uint64, client EthClient, contract common.Address) *EVMLeg {
	leg := &EVMLeg{
		chainID:  chainID,
		client:   client,
		contract: contract,
		keys:     b.keys,
		retry:    b.retry,
		log:      b.log.With("chain", chainID),
	}
	b.AddLeg(leg)
	return leg
}

// Chains lists the chain ids with a registered leg.
func (b *Bridge) Chains() []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]uint64, 0, len(b.legs))
	for id := range b.legs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *Bridge) leg(chainID uint64) (ChainLeg, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	leg, ok := b.legs[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return leg, nil
}

// DeriveForeignAddress returns the EVM address the signer controls for seed.
// The same seed always yields the same address.
func (b *Bridge) DeriveForeignAddress(ctx context.Context, seed []byte) (common.Address, error) {
	return b.keys.address(ctx, seed)
}

// CheckSigningHealth runs a fresh signer health check. An unavailable
// signer is reported, not returned as an error.
func (b *Bridge) CheckSigningHealth(ctx context.Context) HealthReport {
	return b.health.check(ctx)
}

// LastHealth returns the most recent health report, if any.
func (b *Bridge) LastHealth() *HealthReport {
	return b.health.lastReport()
}

// CreateForeignEscrow creates the foreign escrow for p. It is idempotent per
// seed: repeating the call after a success returns the existing escrow.
func (b *Bridge) CreateForeignEscrow(ctx context.Context, p ForeignParams) (*ForeignRef, error) {
	if err := b.validate(p); err != nil {
		return nil, err
	}
	leg, err := b.leg(p.ChainID)
	if err != nil {
		return nil, err
	}

	report := b.health.current(ctx)
	switch report.State {
	case Unavailable:
		return nil, fmt.Errorf("%w: %w", ErrThresholdSigningUnavailable, &RequestError{
			Op:        "signer_health",
			Attempts:  report.Attempts,
			Transient: true,
			Err:       errors.New(report.LastError),
		})
	case Degraded:
		b.log.Warn("Creating foreign escrow with degraded signer", "latency", report.Latency)
	}

	return leg.CreateEscrow(ctx, p)
}

// VerifyForeignEscrowState reads the foreign escrow ref on chainID and
// compares it against exp. It never writes.
func (b *Bridge) VerifyForeignEscrowState(ctx context.Context, chainID uint64, ref string, exp *Expectation) (*ForeignEscrowState, error) {
	leg, err := b.leg(chainID)
	if err != nil {
		return nil, err
	}
	return leg.VerifyState(ctx, ref, exp)
}

func (b *Bridge) validate(p ForeignParams) error {
	switch {
	case len(p.Seed) == 0:
		return fmt.Errorf("%w: empty seed", ErrInvalidParams)
	case p.Receiver == (common.Address{}):
		return fmt.Errorf("%w: zero receiver", ErrInvalidParams)
	case p.Amount == nil || p.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	case p.Hashlock == [32]byte{}:
		return fmt.Errorf("%w: zero hashlock", ErrInvalidParams)
	case !p.Timelock.After(b.clock.Now()):
		return fmt.Errorf("%w: timelock %s is not in the future", ErrInvalidParams, p.Timelock.UTC().Format(time.RFC3339))
	}
	return nil
}
