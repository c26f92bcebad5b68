// Package bridge drives the foreign (EVM) leg of an escrow.
//
// The bridge never holds a foreign-chain private key. Addresses are derived
// from the threshold signer's root public key and a per-escrow seed, and
// every transaction is signed by the Signer. Each call that leaves the
// process is retried with bounded backoff when, and only when, the failure
// is transient.
package bridge

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/fusion-escrow/internal/contracts/htlc"
)

// ForeignParams describes the counterpart escrow to create on a foreign chain.
type ForeignParams struct {
	ChainID uint64

	// Seed identifies the escrow. The sender address and the on-chain swap
	// id are both derived from it.
	Seed []byte

	Receiver common.Address

	// Token is the ERC20 contract, or the zero address for the native coin.
	Token  common.Address
	Amount *big.Int

	Hashlock [32]byte

	// Timelock is the foreign (earlier) expiry.
	Timelock time.Time
}

// ForeignRef identifies a foreign escrow once it exists.
type ForeignRef struct {
	ChainID   uint64         `json:"chain_id"`
	Reference string         `json:"reference"`
	Contract  common.Address `json:"contract"`
	Sender    common.Address `json:"sender"`
	TxHash    common.Hash    `json:"tx_hash,omitempty"`

	// Existing is set when the escrow was already on chain and no
	// transaction was sent.
	Existing bool `json:"existing,omitempty"`
}

// Expectation is what the caller believes the foreign escrow holds.
// Nil fields are not checked.
type Expectation struct {
	Hashlock *[32]byte
	Amount   *big.Int
	Timelock *time.Time
	Receiver *common.Address
}

// ForeignEscrowState is a read-only view of a foreign escrow.
type ForeignEscrowState struct {
	ChainID   uint64         `json:"chain_id"`
	Reference string         `json:"reference"`
	Exists    bool           `json:"exists"`
	State     string         `json:"state"`
	Sender    common.Address `json:"sender"`
	Receiver  common.Address `json:"receiver"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
	Hashlock  common.Hash    `json:"hashlock"`
	Timelock  time.Time      `json:"timelock"`

	// Mismatches lists expectation fields that did not match.
	Mismatches []string `json:"mismatches,omitempty"`
}

// Matches reports whether the escrow exists, is active and matched every expectation.
func (s *ForeignEscrowState) Matches() bool {
	return s.Exists && s.State == htlc.SwapStateActive.String() && len(s.Mismatches) == 0
}

// HealthState is the outcome of a signing health check.
type HealthState string

const (
	Healthy     HealthState = "healthy"
	Degraded    HealthState = "degraded"
	Unavailable HealthState = "unavailable"
)

// HealthReport is the last health check result.
type HealthReport struct {
	State          HealthState   `json:"state"`
	Latency        time.Duration `json:"latency"`
	Attempts       int           `json:"attempts"`
	CheckedAt      time.Time     `json:"checked_at"`
	LastError      string        `json:"last_error,omitempty"`
	RecentFailures int           `json:"recent_failures"`
}
