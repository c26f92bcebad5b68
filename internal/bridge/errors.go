package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrThresholdSigningUnavailable = errors.New("threshold signing unavailable")
	ErrChainFusionRequestFailed    = errors.New("chain fusion request failed")
	ErrUnsupportedChain            = errors.New("unsupported foreign chain")
	ErrInvalidParams               = errors.New("invalid foreign escrow params")

	// ErrTransactionPending means a sent transaction has no receipt yet.
	ErrTransactionPending = errors.New("transaction not yet mined")
)

// ErrorClass tags a bridge failure for the retry loop.
type ErrorClass int

const (
	Permanent ErrorClass = iota
	Transient
)

func (c ErrorClass) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// RequestError is returned when a bridge step gives up.
type RequestError struct {
	Op        string
	Attempts  int
	Transient bool
	Err       error
}

func (e *RequestError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("%s failed after %d attempt(s) (%s): %v", e.Op, e.Attempts, class, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is makes every RequestError match ErrChainFusionRequestFailed.
func (e *RequestError) Is(target error) bool {
	return target == ErrChainFusionRequestFailed
}

// IsTransient reports whether err is a bridge error worth retrying later.
func IsTransient(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Transient
	}
	return Classify(err) == Transient
}

// JSON-RPC error codes nodes use for rate limits and overload.
var transientRPCCodes = map[int]bool{
	-32005: true, // limit exceeded
	-32603: true, // internal error
}

var permanentMarkers = []string{
	"insufficient funds",
	"nonce too low",
	"execution reverted",
	"invalid params",
	"invalid argument",
	"invalid sender",
	"intrinsic gas too low",
	"gas limit reached",
	"already known",
	"replacement transaction underpriced",
	"malformed",
	"rlp:",
	"key not found",
	"unknown key",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"header not found",
	"signer busy",
	"try again",
}

// Classify decides whether err is transient (retry) or permanent (surface).
// Unknown errors are permanent so budget is never spent on them.
func Classify(err error) ErrorClass {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransactionPending) {
		return Transient
	}
	var re *RequestError
	if errors.As(err, &re) {
		if re.Transient {
			return Transient
		}
		return Permanent
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return Permanent
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return Transient
		}
		return Permanent
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if transientRPCCodes[rpcErr.ErrorCode()] {
			return Transient
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return Transient
		}
	}
	return Permanent
}
