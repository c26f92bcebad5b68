package escrow

import (
	"errors"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
	"github.com/klingon-exchange/fusion-escrow/internal/timelock"
)

// Validation errors.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrTimelockTooShort = timelock.ErrTimelockTooShort
	ErrInvalidTimelock  = timelock.ErrInvalidTimelock
	ErrAmountMismatch   = errors.New("amount mismatch")
)

// State errors.
var (
	ErrInvalidState        = errors.New("invalid state")
	ErrEscrowAlreadyExists = errors.New("escrow already exists")
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrOperationInProgress = errors.New("operation in progress")
	ErrNoForeignLeg        = errors.New("escrow has no foreign leg")
)

// Store contract errors.
var (
	// ErrStateConflict is returned by a compare-and-set whose expected state did not match.
	ErrStateConflict = errors.New("state changed concurrently")

	// ErrForeignRefSet is returned when a foreign reference is already recorded.
	ErrForeignRefSet = errors.New("foreign reference already set")
)

// Timelock errors.
var (
	ErrTimelockNotExpired = errors.New("timelock not expired")
	ErrTimelockExpired    = errors.New("timelock expired")
)

// Cryptographic errors.
var ErrInvalidSecret = errors.New("invalid secret")

// Chain-fusion errors.
var (
	ErrThresholdSigningUnavailable = bridge.ErrThresholdSigningUnavailable
	ErrChainFusionRequestFailed    = bridge.ErrChainFusionRequestFailed
)

// Transfer errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransferFailed      = errors.New("transfer failed")
)

// Category groups errors by how a caller should react.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryState         Category = "state"
	CategoryTimelock      Category = "timelock"
	CategoryCryptographic Category = "cryptographic"
	CategoryChainFusion   Category = "chain_fusion"
	CategoryTransfer      Category = "transfer"
	CategoryInternal      Category = "internal"
)

var categories = []struct {
	err error
	cat Category
}{
	{ErrInvalidInput, CategoryValidation},
	{ErrInvalidAddress, CategoryValidation},
	{ErrTimelockTooShort, CategoryValidation},
	{ErrInvalidTimelock, CategoryValidation},
	{ErrAmountMismatch, CategoryValidation},
	{ErrInvalidState, CategoryState},
	{ErrEscrowAlreadyExists, CategoryState},
	{ErrEscrowNotFound, CategoryState},
	{ErrOperationInProgress, CategoryState},
	{ErrNoForeignLeg, CategoryState},
	{ErrStateConflict, CategoryState},
	{ErrForeignRefSet, CategoryState},
	{ErrTimelockNotExpired, CategoryTimelock},
	{ErrTimelockExpired, CategoryTimelock},
	{ErrInvalidSecret, CategoryCryptographic},
	{ErrThresholdSigningUnavailable, CategoryChainFusion},
	{ErrChainFusionRequestFailed, CategoryChainFusion},
	{bridge.ErrUnsupportedChain, CategoryChainFusion},
	{bridge.ErrInvalidParams, CategoryValidation},
	{ErrInsufficientBalance, CategoryTransfer},
	{ErrTransferFailed, CategoryTransfer},
}

// CategoryOf returns the category of err, or CategoryInternal.
func CategoryOf(err error) Category {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.cat
		}
	}
	return CategoryInternal
}

// IsRetryable reports whether the same call may succeed later without the
// caller changing its input. Transfers are never retryable.
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryTimelock, CategoryCryptographic:
		return true
	case CategoryState:
		return errors.Is(err, ErrOperationInProgress) || errors.Is(err, ErrStateConflict)
	case CategoryChainFusion:
		return bridge.IsTransient(err)
	}
	return false
}
