package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		err       error
		category  Category
		retryable bool
	}{
		{ErrInvalidInput, CategoryValidation, false},
		{fmt.Errorf("wrapped: %w", ErrAmountMismatch), CategoryValidation, false},
		{ErrTimelockTooShort, CategoryValidation, false},
		{ErrInvalidState, CategoryState, false},
		{ErrEscrowNotFound, CategoryState, false},
		{ErrOperationInProgress, CategoryState, true},
		{ErrTimelockNotExpired, CategoryTimelock, true},
		{ErrTimelockExpired, CategoryTimelock, true},
		{ErrInvalidSecret, CategoryCryptographic, true},
		{&bridge.RequestError{Op: "send", Attempts: 3, Transient: true, Err: errors.New("timeout")}, CategoryChainFusion, true},
		{&bridge.RequestError{Op: "send", Attempts: 1, Err: errors.New("nonce too low")}, CategoryChainFusion, false},
		{ErrInsufficientBalance, CategoryTransfer, false},
		{ErrTransferFailed, CategoryTransfer, false},
		{errors.New("disk on fire"), CategoryInternal, false},
	}

	for _, tt := range tests {
		if got := CategoryOf(tt.err); got != tt.category {
			t.Errorf("CategoryOf(%v) = %s, want %s", tt.err, got, tt.category)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestCanTransition(t *testing.T) {
	all := []State{StateCreated, StateFunded, StateClaimed, StateRefunded, StateExpired}
	allowed := map[[2]State]bool{
		{StateCreated, StateFunded}:  true,
		{StateCreated, StateExpired}: true,
		{StateFunded, StateClaimed}:  true,
		{StateFunded, StateRefunded}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]State{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
		if from.IsTerminal() != (from == StateClaimed || from == StateRefunded || from == StateExpired) {
			t.Errorf("%s.IsTerminal() wrong", from)
		}
	}
}
