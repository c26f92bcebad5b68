package rpc

import (
	"errors"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
)

// Escrow error codes. They are stable across releases.
const (
	CodeInvalidInput        = -32001
	CodeInvalidAddress      = -32002
	CodeTimelockTooShort    = -32003
	CodeInvalidTimelock     = -32004
	CodeAmountMismatch      = -32005
	CodeInvalidState        = -32010
	CodeEscrowAlreadyExists = -32011
	CodeEscrowNotFound      = -32012
	CodeOperationInProgress = -32013
	CodeNoForeignLeg        = -32014
	CodeStateConflict       = -32015
	CodeTimelockNotExpired  = -32020
	CodeTimelockExpired     = -32021
	CodeInvalidSecret       = -32030
	CodeSigningUnavailable  = -32040
	CodeChainFusionFailed   = -32041
	CodeUnsupportedChain    = -32042
	CodeInsufficientBalance = -32050
	CodeTransferFailed      = -32051
)

// errorCodes is checked in order; the first match wins.
var errorCodes = []struct {
	err  error
	code int
	name string
}{
	{escrow.ErrInvalidInput, CodeInvalidInput, "InvalidInput"},
	{bridge.ErrInvalidParams, CodeInvalidInput, "InvalidInput"},
	{escrow.ErrInvalidAddress, CodeInvalidAddress, "InvalidAddress"},
	{escrow.ErrTimelockTooShort, CodeTimelockTooShort, "TimelockTooShort"},
	{escrow.ErrInvalidTimelock, CodeInvalidTimelock, "InvalidTimelock"},
	{escrow.ErrAmountMismatch, CodeAmountMismatch, "AmountMismatch"},
	{escrow.ErrInvalidState, CodeInvalidState, "InvalidState"},
	{escrow.ErrEscrowAlreadyExists, CodeEscrowAlreadyExists, "EscrowAlreadyExists"},
	{escrow.ErrEscrowNotFound, CodeEscrowNotFound, "EscrowNotFound"},
	{escrow.ErrOperationInProgress, CodeOperationInProgress, "OperationInProgress"},
	{escrow.ErrNoForeignLeg, CodeNoForeignLeg, "NoForeignLeg"},
	{escrow.ErrStateConflict, CodeStateConflict, "StateConflict"},
	{escrow.ErrForeignRefSet, CodeStateConflict, "StateConflict"},
	{escrow.ErrTimelockNotExpired, CodeTimelockNotExpired, "TimelockNotExpired"},
	{escrow.ErrTimelockExpired, CodeTimelockExpired, "TimelockExpired"},
	{escrow.ErrInvalidSecret, CodeInvalidSecret, "InvalidSecret"},
	{escrow.ErrThresholdSigningUnavailable, CodeSigningUnavailable, "ThresholdSigningUnavailable"},
	{bridge.ErrUnsupportedChain, CodeUnsupportedChain, "UnsupportedChain"},
	{escrow.ErrChainFusionRequestFailed, CodeChainFusionFailed, "ChainFusionRequestFailed"},
	{escrow.ErrInsufficientBalance, CodeInsufficientBalance, "InsufficientBalance"},
	{escrow.ErrTransferFailed, CodeTransferFailed, "TransferFailed"},
}

// ErrorData is attached to every escrow error response.
type ErrorData struct {
	Error     string `json:"error"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`

	// EscrowID is set when the escrow was persisted before the failure.
	EscrowID string `json:"escrow_id,omitempty"`
}

// paramsError marks malformed request parameters.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

func invalidParams(msg string) error {
	return &paramsError{msg: msg}
}

// partialError carries the id of an escrow that was created even though
// the call as a whole failed.
type partialError struct {
	escrowID string
	err      error
}

func (e *partialError) Error() string { return e.err.Error() }
func (e *partialError) Unwrap() error { return e.err }

func toRPCError(err error) *Error {
	var pe *paramsError
	if errors.As(err, &pe) {
		return &Error{Code: InvalidParams, Message: "Invalid params", Data: pe.msg}
	}

	data := &ErrorData{
		Error:     err.Error(),
		Category:  string(escrow.CategoryOf(err)),
		Retryable: escrow.IsRetryable(err),
	}
	var partial *partialError
	if errors.As(err, &partial) {
		data.EscrowID = partial.escrowID
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return &Error{Code: c.code, Message: c.name, Data: data}
		}
	}
	return &Error{Code: InternalError, Message: "Internal error", Data: data}
}
