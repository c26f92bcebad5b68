// Package escrow implements the host-side HTLC escrow lifecycle.
//
// An escrow moves strictly forward: created, then funded, then claimed or
// refunded. A created escrow that is never funded is swept to expired once
// its host timelock passes. The foreign leg, when requested, is driven
// through a ForeignBridge after the record has been persisted.
package escrow

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/klingon-exchange/fusion-escrow/internal/hashlock"
	"github.com/klingon-exchange/fusion-escrow/internal/timelock"
	"github.com/klingon-exchange/fusion-escrow/pkg/helpers"
)

// MinIDLength is the shortest accepted escrow id (an order hash).
const MinIDLength = 8

// State is the lifecycle state of an escrow.
type State string

const (
	StateCreated  State = "created"
	StateFunded   State = "funded"
	StateClaimed  State = "claimed"
	StateRefunded State = "refunded"
	StateExpired  State = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateClaimed, StateRefunded, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateFunded, StateClaimed, StateRefunded, StateExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a forward edge.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateFunded || to == StateExpired
	case StateFunded:
		return to == StateClaimed || to == StateRefunded
	}
	return false
}

// ForeignParams describes the counterpart leg on an EVM chain.
type ForeignParams struct {
	ChainID uint64 `json:"chain_id"`

	// Receiver is the EVM address that can claim the foreign leg.
	Receiver string `json:"receiver"`

	// Token is an ERC20 address; empty means the native coin.
	Token string `json:"token,omitempty"`

	// Amount is in the foreign token's smallest unit.
	Amount *big.Int `json:"amount"`
}

// Record is a persisted escrow.
type Record struct {
	ID            string                         `json:"id"`
	Hashlock      [32]byte                       `json:"-"`
	Timelocks     timelock.ConservativeTimelocks `json:"timelocks"`
	Token         string                         `json:"token"`
	Amount        uint64                         `json:"amount"`
	SafetyDeposit uint64                         `json:"safety_deposit"`
	Depositor     string                         `json:"depositor"`
	Recipient     string                         `json:"recipient"`
	State         State                          `json:"state"`

	Foreign    *ForeignParams `json:"foreign,omitempty"`
	ForeignRef string         `json:"foreign_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type recordJSON struct {
	*recordAlias
	Hashlock string `json:"hashlock"`
}

type recordAlias Record

// MarshalJSON encodes the hashlock as hex.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		recordAlias: (*recordAlias)(r),
		Hashlock:    helpers.BytesToHex(r.Hashlock[:]),
	})
}

// UnmarshalJSON decodes a hex hashlock.
func (r *Record) UnmarshalJSON(data []byte) error {
	aux := recordJSON{recordAlias: (*recordAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	h, err := hashlock.ParseHashlock(aux.Hashlock)
	if err != nil {
		return err
	}
	r.Hashlock = h
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Foreign != nil {
		f := *r.Foreign
		if f.Amount != nil {
			f.Amount = new(big.Int).Set(f.Amount)
		}
		c.Foreign = &f
	}
	return &c
}

// CreateParams is the input to CreateEscrow.
type CreateParams struct {
	// ID is the caller-chosen identifier, normally the order hash.
	ID       string
	Hashlock [32]byte
	Duration time.Duration

	Token         string
	Amount        uint64
	SafetyDeposit uint64
	Depositor     string
	Recipient     string

	// Foreign is set when a counterpart escrow must be created.
	Foreign *ForeignParams
}

// Status is the read-only projection returned by GetStatus.
type Status struct {
	Escrow    *Record         `json:"escrow"`
	ICPStatus timelock.Status `json:"icp_timelock_status"`
	EVMStatus timelock.Status `json:"evm_timelock_status"`

	// InFlight names an operation currently suspended on this escrow.
	InFlight string `json:"in_flight,omitempty"`
}

// EventKind names an audit event.
type EventKind string

const (
	EventCreated         EventKind = "escrow_created"
	EventFunded          EventKind = "escrow_funded"
	EventSecretRevealed  EventKind = "secret_revealed"
	EventRefunded        EventKind = "escrow_refunded"
	EventExpired         EventKind = "escrow_expired"
	EventForeignCreated  EventKind = "foreign_escrow_created"
	EventForeignFailed   EventKind = "foreign_escrow_failed"
	EventForeignVerified EventKind = "foreign_escrow_verified"
)

// Event is an entry in an escrow's audit trail.
type Event struct {
	ID       string            `json:"id"`
	EscrowID string            `json:"escrow_id"`
	Kind     EventKind         `json:"kind"`
	State    State             `json:"state"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// SnapshotVersion is the current Export format.
const SnapshotVersion = 1

// Snapshot is the stable serialized form of the store.
type Snapshot struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Escrows    []*Record `json:"escrows"`
	Events     []*Event  `json:"events"`
}
