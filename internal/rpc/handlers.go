package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
	"github.com/klingon-exchange/fusion-escrow/internal/hashlock"
	"github.com/klingon-exchange/fusion-escrow/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

// ========================================
// Lifecycle handlers
// ========================================

// ForeignParamsArg describes the foreign leg of create_icp_escrow.
type ForeignParamsArg struct {
	ChainID  uint64 `json:"chain_id"`
	Receiver string `json:"receiver"`
	Token    string `json:"token,omitempty"`
	// Amount is a base-10 integer in the token's smallest unit.
	Amount string `json:"amount"`
}

// CreateEscrowParams is the request for create_icp_escrow.
type CreateEscrowParams struct {
	EscrowID string `json:"escrow_id"`
	Hashlock string `json:"hashlock"`
	// TimelockDuration is in nanoseconds.
	TimelockDuration int64  `json:"timelock_duration"`
	Token            string `json:"token"`
	Amount           uint64 `json:"amount"`
	SafetyDeposit    uint64 `json:"safety_deposit"`
	Depositor        string `json:"depositor"`
	Recipient        string `json:"recipient"`

	Foreign *ForeignParamsArg `json:"foreign,omitempty"`
}

// CreateEscrowResult is the response for create_icp_escrow.
type CreateEscrowResult struct {
	EscrowID string `json:"escrow_id"`
	State    string `json:"state"`
}

func (s *Server) createICPEscrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateEscrowParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	lock, err := helpers.HexToBytes32(p.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("%w: hashlock: %v", escrow.ErrInvalidInput, err)
	}

	cp := escrow.CreateParams{
		ID:            p.EscrowID,
		Hashlock:      lock,
		Duration:      time.Duration(p.TimelockDuration),
		Token:         p.Token,
		Amount:        p.Amount,
		SafetyDeposit: p.SafetyDeposit,
		Depositor:     p.Depositor,
		Recipient:     p.Recipient,
	}
	if p.Foreign != nil {
		amount, ok := new(big.Int).SetString(p.Foreign.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("%w: foreign amount %q", escrow.ErrInvalidInput, p.Foreign.Amount)
		}
		cp.Foreign = &escrow.ForeignParams{
			ChainID:  p.Foreign.ChainID,
			Receiver: p.Foreign.Receiver,
			Token:    p.Foreign.Token,
			Amount:   amount,
		}
	}

	id, err := s.escrows.CreateEscrow(ctx, cp)
	if err != nil {
		if id != "" {
			return nil, &partialError{escrowID: id, err: err}
		}
		return nil, err
	}

	return &CreateEscrowResult{EscrowID: id, State: string(escrow.StateCreated)}, nil
}

// DepositParams is the request for deposit_tokens.
type DepositParams struct {
	EscrowID string `json:"escrow_id"`
	Amount   uint64 `json:"amount"`
}

// EscrowStateResult reports an escrow's state after an operation.
type EscrowStateResult struct {
	EscrowID string `json:"escrow_id"`
	State    string `json:"state"`
}

func (s *Server) depositTokens(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DepositParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.escrows.Deposit(ctx, p.EscrowID, p.Amount); err != nil {
		return nil, err
	}
	return &EscrowStateResult{EscrowID: p.EscrowID, State: string(escrow.StateFunded)}, nil
}

// ClaimParams is the request for claim_escrow.
type ClaimParams struct {
	EscrowID string `json:"escrow_id"`
	// Preimage is hex encoded.
	Preimage string `json:"preimage"`
}

func (s *Server) claimEscrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ClaimParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	preimage, err := helpers.HexToBytes(p.Preimage)
	if err != nil {
		return nil, fmt.Errorf("%w: preimage: %v", escrow.ErrInvalidInput, err)
	}
	if err := s.escrows.Claim(ctx, p.EscrowID, preimage); err != nil {
		return nil, err
	}
	return &EscrowStateResult{EscrowID: p.EscrowID, State: string(escrow.StateClaimed)}, nil
}

// EscrowIDParams is the request for methods that take only an escrow id.
type EscrowIDParams struct {
	EscrowID string `json:"escrow_id"`
}

func (s *Server) refundEscrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	state, err := s.escrows.Refund(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	return &EscrowStateResult{EscrowID: p.EscrowID, State: string(state)}, nil
}

func (s *Server) getEscrowStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.escrows.GetStatus(p.EscrowID)
}

// ========================================
// Chain fusion handlers
// ========================================

// DeriveAddressParams is the request for derive_deterministic_foreign_address.
// Exactly one of Seed (hex) or EscrowID is used; an escrow id derives the
// address that escrow's foreign leg signs with.
type DeriveAddressParams struct {
	Seed     string `json:"seed,omitempty"`
	EscrowID string `json:"escrow_id,omitempty"`
}

// DeriveAddressResult is the response for derive_deterministic_foreign_address.
type DeriveAddressResult struct {
	Address string `json:"address"`
}

func (s *Server) deriveForeignAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DeriveAddressParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	var seed []byte
	switch {
	case p.Seed != "" && p.EscrowID != "":
		return nil, invalidParams("seed and escrow_id are mutually exclusive")
	case p.EscrowID != "":
		seed = []byte(p.EscrowID)
	default:
		b, err := helpers.HexToBytes(p.Seed)
		if err != nil {
			return nil, fmt.Errorf("%w: seed: %v", escrow.ErrInvalidInput, err)
		}
		seed = b
	}

	addr, err := s.escrows.DeriveForeignAddress(ctx, seed)
	if err != nil {
		return nil, err
	}
	return &DeriveAddressResult{Address: addr.Hex()}, nil
}

func (s *Server) createForeignEscrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.escrows.CreateForeignEscrow(ctx, p.EscrowID)
}

func (s *Server) checkSigningHealth(ctx context.Context, params json.RawMessage) (interface{}, error) {
	report, err := s.escrows.CheckSigningHealth(ctx)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// VerifyForeignParams is the request for verify_foreign_escrow_state.
// Either EscrowID, or ChainID with Reference, must be given.
type VerifyForeignParams struct {
	EscrowID  string `json:"escrow_id,omitempty"`
	ChainID   uint64 `json:"chain_id,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (s *Server) verifyForeignEscrowState(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p VerifyForeignParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.EscrowID != "":
		return s.escrows.VerifyForeignEscrow(ctx, p.EscrowID)
	case p.ChainID != 0 && p.Reference != "":
		return s.escrows.VerifyForeignReference(ctx, p.ChainID, p.Reference)
	default:
		return nil, invalidParams("escrow_id or chain_id and reference required")
	}
}

// ========================================
// Audit handlers
// ========================================

// ListEscrowsParams is the request for list_escrows.
type ListEscrowsParams struct {
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ListEscrowsResult is the response for list_escrows.
type ListEscrowsResult struct {
	Escrows []*escrow.Record `json:"escrows"`
	Count   int              `json:"count"`
}

func (s *Server) listEscrows(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListEscrowsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(fmt.Sprintf("invalid params: %v", err))
		}
	}

	var (
		records []*escrow.Record
		err     error
	)
	if p.State != "" {
		records, err = s.escrows.ListByState(escrow.State(p.State))
	} else {
		limit := p.Limit
		if limit <= 0 {
			limit = 100
		}
		records, err = s.escrows.List(limit)
	}
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*escrow.Record{}
	}
	return &ListEscrowsResult{Escrows: records, Count: len(records)}, nil
}

// ListEventsResult is the response for list_escrow_events.
type ListEventsResult struct {
	EscrowID string          `json:"escrow_id"`
	Events   []*escrow.Event `json:"events"`
}

func (s *Server) listEscrowEvents(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	events, err := s.escrows.Events(p.EscrowID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*escrow.Event{}
	}
	return &ListEventsResult{EscrowID: p.EscrowID, Events: events}, nil
}

func (s *Server) exportEscrows(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.escrows.Export()
}

// GenerateSecretResult is the response for generate_secret. The secret is
// not stored; the caller keeps it until the claim.
type GenerateSecretResult struct {
	Secret   string `json:"secret"`
	Hashlock string `json:"hashlock"`
}

func (s *Server) generateSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	secret, hash, err := hashlock.GenerateSecret()
	if err != nil {
		return nil, err
	}
	return &GenerateSecretResult{
		Secret:   helpers.BytesToHex(secret[:]),
		Hashlock: helpers.BytesToHex(hash[:]),
	}, nil
}

// DaemonStatusResult is the response for daemon_status.
type DaemonStatusResult struct {
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	WSClients int            `json:"ws_clients"`
	Escrows   map[string]int `json:"escrows"`

	// ForeignChains is empty when the bridge is disabled.
	ForeignChains []uint64 `json:"foreign_chains"`

	// SigningHealth is the last health check result, nil before the first.
	SigningHealth *bridge.HealthReport `json:"signing_health,omitempty"`
}

func (s *Server) daemonStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	counts, err := s.escrows.Counts()
	if err != nil {
		return nil, err
	}
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	chains := s.escrows.ForeignChains()
	if chains == nil {
		chains = []uint64{}
	}

	return &DaemonStatusResult{
		Version:       Version,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		WSClients:     wsClients,
		Escrows:       byState,
		ForeignChains: chains,
		SigningHealth: s.escrows.LastSigningHealth(),
	}, nil
}
