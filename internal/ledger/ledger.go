// Package ledger is the token book used as the escrow transfer collaborator
// in development deployments and tests. Balances live in memory and, when a
// Store is attached, every change is written through before it is applied.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

// ErrInsufficientBalance is the escrow transfer error of the same name.
var ErrInsufficientBalance = escrow.ErrInsufficientBalance

type account struct {
	token     string
	principal string
}

// Balance is one persisted (token, principal) entry.
type Balance struct {
	Token     string
	Principal string
	Amount    uint64
}

// Store persists balances.
type Store interface {
	LoadBalances() ([]Balance, error)

	// PutBalances writes every entry or none.
	PutBalances(bs []Balance) error

	// ApplyGenesis writes bs unless a genesis was already applied to the
	// store, and reports whether it wrote.
	ApplyGenesis(bs []Balance) (bool, error)
}

// Ledger holds balances keyed by token and principal.
type Ledger struct {
	mu       sync.Mutex
	balances map[account]uint64
	store    Store
	log      *logging.Logger
}

// New creates an empty ledger.
func New(log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.Discard()
	}
	return &Ledger{
		balances: make(map[account]uint64),
		log:      log,
	}
}

// Open loads a ledger whose balances are persisted in store.
func Open(store Store, log *logging.Logger) (*Ledger, error) {
	l := New(log)
	bs, err := store.LoadBalances()
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	for _, b := range bs {
		l.balances[account{b.Token, b.Principal}] = b.Amount
	}
	l.store = store
	l.log.Debug("Ledger loaded", "entries", len(bs))
	return l, nil
}

// Mint credits amount to principal.
func (l *Ledger) Mint(token, principal string, amount uint64) error {
	if token == "" || principal == "" {
		return fmt.Errorf("%w: token and principal are required", escrow.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := account{token, principal}
	if l.balances[key] > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance overflow", escrow.ErrTransferFailed)
	}
	if err := l.commit(map[account]uint64{key: l.balances[key] + amount}); err != nil {
		return err
	}
	l.log.Debug("Minted", "token", token, "principal", principal, "amount", amount)
	return nil
}

// Genesis mints the configured opening balances. With a store attached it
// does so at most once per store and reports false on later calls.
func (l *Ledger) Genesis(entries []Balance) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[account]uint64)
	for _, e := range entries {
		if e.Token == "" || e.Principal == "" {
			return false, fmt.Errorf("%w: token and principal are required", escrow.ErrInvalidInput)
		}
		key := account{e.Token, e.Principal}
		cur, ok := next[key]
		if !ok {
			cur = l.balances[key]
		}
		if cur > math.MaxUint64-e.Amount {
			return false, fmt.Errorf("%w: balance overflow", escrow.ErrTransferFailed)
		}
		next[key] = cur + e.Amount
	}

	if l.store != nil {
		applied, err := l.store.ApplyGenesis(toBalances(next))
		if err != nil {
			return false, fmt.Errorf("%w: %v", escrow.ErrTransferFailed, err)
		}
		if !applied {
			return false, nil
		}
	}
	for k, v := range next {
		l.balances[k] = v
	}
	l.log.Info("Genesis balances minted", "entries", len(entries))
	return true, nil
}

// commit writes changed balances through the store, then applies them.
// Called with l.mu held.
func (l *Ledger) commit(changed map[account]uint64) error {
	if l.store != nil {
		if err := l.store.PutBalances(toBalances(changed)); err != nil {
			return fmt.Errorf("%w: %v", escrow.ErrTransferFailed, err)
		}
	}
	for k, v := range changed {
		l.balances[k] = v
	}
	return nil
}

func toBalances(m map[account]uint64) []Balance {
	out := make([]Balance, 0, len(m))
	for k, v := range m {
		out = append(out, Balance{Token: k.token, Principal: k.principal, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Principal < out[j].Principal
	})
	return out
}

// Balance returns the balance of principal in token.
func (l *Ledger) Balance(token, principal string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account{token, principal}]
}

// Transfer moves amount from one principal to another. It either moves the
// whole amount or nothing.
func (l *Ledger) Transfer(ctx context.Context, token, from, to string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", escrow.ErrTransferFailed, err)
	}
	if from == to {
		return fmt.Errorf("%w: self transfer", escrow.ErrTransferFailed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src := account{token, from}
	dst := account{token, to}
	if l.balances[src] < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientBalance, from, l.balances[src], token, amount)
	}
	if l.balances[dst] > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance overflow", escrow.ErrTransferFailed)
	}
	if err := l.commit(map[account]uint64{
		src: l.balances[src] - amount,
		dst: l.balances[dst] + amount,
	}); err != nil {
		return err
	}

	l.log.Debug("Transfer", "token", token, "from", from, "to", to, "amount", amount)
	return nil
}

// Balances returns every non-zero balance of a token, by principal.
func (l *Ledger) Balances(token string) map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]uint64)
	for k, v := range l.balances {
		if k.token == token && v > 0 {
			out[k.principal] = v
		}
	}
	return out
}

// Tokens lists tokens with at least one balance entry.
func (l *Ledger) Tokens() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for k := range l.balances {
		if !seen[k.token] {
			seen[k.token] = true
			out = append(out, k.token)
		}
	}
	sort.Strings(out)
	return out
}
