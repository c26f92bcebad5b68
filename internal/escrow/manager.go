package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
	"github.com/klingon-exchange/fusion-escrow/internal/hashlock"
	"github.com/klingon-exchange/fusion-escrow/internal/metrics"
	"github.com/klingon-exchange/fusion-escrow/internal/timelock"
	"github.com/klingon-exchange/fusion-escrow/pkg/helpers"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

// DefaultCustodyAccount holds funded escrows on the token ledger.
const DefaultCustodyAccount = "escrow-custody"

// Store persists escrow records. Implemented by storage.Storage.
type Store interface {
	Insert(e *Record) error
	Get(id string) (*Record, error)
	UpdateState(id string, from, to State, at time.Time) error
	UpdateForeignReference(id, ref string, at time.Time) error
	ListByState(state State) ([]*Record, error)
	List(limit int) ([]*Record, error)
	CountByState() (map[State]int, error)
	AppendEvent(ev *Event) error
	ListEvents(escrowID string) ([]*Event, error)
	Export() (*Snapshot, error)
	Import(snap *Snapshot) error
}

// TokenLedger moves host-chain tokens between principals.
type TokenLedger interface {
	Transfer(ctx context.Context, token, from, to string, amount uint64) error
}

// ForeignBridge drives the foreign leg. Implemented by bridge.Bridge.
type ForeignBridge interface {
	DeriveForeignAddress(ctx context.Context, seed []byte) (common.Address, error)
	CheckSigningHealth(ctx context.Context) bridge.HealthReport
	CreateForeignEscrow(ctx context.Context, p bridge.ForeignParams) (*bridge.ForeignRef, error)
	VerifyForeignEscrowState(ctx context.Context, chainID uint64, ref string, exp *bridge.Expectation) (*bridge.ForeignEscrowState, error)
	LastHealth() *bridge.HealthReport
	Chains() []uint64
}

// Notifier receives every audit event after it is stored.
type Notifier interface {
	Notify(ev *Event)
}

// Config configures a Manager.
type Config struct {
	// Timelock is the default buffer configuration.
	Timelock timelock.Config

	// ChainTimelocks overrides Timelock per foreign chain id.
	ChainTimelocks map[uint64]timelock.Config

	CustodyAccount string

	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
}

// Manager runs the escrow lifecycle. Every operation reserves its escrow
// for its whole duration, so a second operation on the same escrow fails
// with ErrOperationInProgress instead of interleaving across a transfer or
// bridge call.
type Manager struct {
	store  Store
	ledger TokenLedger
	bridge ForeignBridge

	calc       *timelock.Calculator
	chainCalcs map[uint64]*timelock.Calculator
	custody    string

	clock    clock.Clock
	log      *logging.Logger
	metrics  *metrics.Metrics
	notifier Notifier

	mu       sync.Mutex
	inFlight map[string]string
}

// NewManager creates a lifecycle manager. fb may be nil when no foreign
// chain is configured.
func NewManager(cfg Config, store Store, ledger TokenLedger, fb ForeignBridge) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefault()
	}
	if cfg.CustodyAccount == "" {
		cfg.CustodyAccount = DefaultCustodyAccount
	}

	chainCalcs := make(map[uint64]*timelock.Calculator, len(cfg.ChainTimelocks))
	for id, tc := range cfg.ChainTimelocks {
		chainCalcs[id] = timelock.New(tc)
	}

	return &Manager{
		store:      store,
		ledger:     ledger,
		bridge:     fb,
		calc:       timelock.New(cfg.Timelock),
		chainCalcs: chainCalcs,
		custody:    cfg.CustodyAccount,
		clock:      cfg.Clock,
		log:        cfg.Logger.Component("escrow"),
		metrics:    cfg.Metrics,
		notifier:   cfg.Notifier,
		inFlight:   make(map[string]string),
	}
}

// SetNotifier replaces the event notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// CustodyAccount returns the ledger principal holding funded escrows.
func (m *Manager) CustodyAccount() string {
	return m.custody
}

// CreateEscrow validates p, computes the timelocks and persists a Created
// escrow. When p.Foreign is set the foreign escrow is created afterwards;
// if that fails the id is returned together with the bridge error and the
// escrow stays Created with no foreign reference.
func (m *Manager) CreateEscrow(ctx context.Context, p CreateParams) (id string, err error) {
	defer m.observe("create_escrow", &err)

	if err := validateCreate(p); err != nil {
		return "", err
	}

	now := m.clock.Now()
	tl, err := m.calculatorFor(p.Foreign).Calculate(now, p.Duration)
	if err != nil {
		return "", err
	}

	if err := m.begin(p.ID, "create_escrow"); err != nil {
		return "", err
	}
	defer m.end(p.ID)

	rec := &Record{
		ID:            p.ID,
		Hashlock:      p.Hashlock,
		Timelocks:     tl,
		Token:         p.Token,
		Amount:        p.Amount,
		SafetyDeposit: p.SafetyDeposit,
		Depositor:     p.Depositor,
		Recipient:     p.Recipient,
		State:         StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.Foreign != nil {
		f := *p.Foreign
		rec.Foreign = &f
	}

	if err := m.store.Insert(rec); err != nil {
		return "", err
	}
	m.metrics.EscrowTransition("", string(StateCreated))
	m.emit(rec.ID, EventCreated, StateCreated, map[string]string{
		"icp_timelock": strconv.FormatInt(tl.ICPTimelock.Unix(), 10),
		"evm_timelock": strconv.FormatInt(tl.EVMTimelock.Unix(), 10),
	})

	m.log.Info("Escrow created",
		"id", rec.ID,
		"hashlock", helpers.ShortHex(rec.Hashlock[:], 16),
		"amount", rec.Amount,
		"token", rec.Token,
		"icp_timelock", tl.ICPTimelock.Format(time.RFC3339),
		"evm_timelock", tl.EVMTimelock.Format(time.RFC3339),
	)

	if rec.Foreign == nil {
		return rec.ID, nil
	}
	if _, err := m.driveForeign(ctx, rec); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

// Deposit moves amount plus the safety deposit from the depositor into
// custody and marks the escrow Funded.
func (m *Manager) Deposit(ctx context.Context, id string, amount uint64) (err error) {
	defer m.observe("deposit", &err)

	if err := m.begin(id, "deposit"); err != nil {
		return err
	}
	defer m.end(id)

	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if rec.State != StateCreated {
		return fmt.Errorf("%w: cannot deposit into %s escrow", ErrInvalidState, rec.State)
	}
	if amount != rec.Amount {
		return fmt.Errorf("%w: got %d, escrow requires %d", ErrAmountMismatch, amount, rec.Amount)
	}
	if !m.clock.Now().Before(rec.Timelocks.ICPTimelock) {
		return fmt.Errorf("%w: deposit window closed at %s", ErrTimelockExpired, rec.Timelocks.ICPTimelock.Format(time.RFC3339))
	}

	total := rec.Amount + rec.SafetyDeposit
	if err := m.ledger.Transfer(ctx, rec.Token, rec.Depositor, m.custody, total); err != nil {
		return transferError(err)
	}

	if err := m.transition(rec.ID, StateCreated, StateFunded); err != nil {
		m.compensate(ctx, rec.Token, m.custody, rec.Depositor, total, rec.ID)
		return err
	}
	m.emit(rec.ID, EventFunded, StateFunded, map[string]string{
		"amount":         strconv.FormatUint(rec.Amount, 10),
		"safety_deposit": strconv.FormatUint(rec.SafetyDeposit, 10),
	})
	m.log.Info("Escrow funded", "id", rec.ID, "amount", rec.Amount)
	return nil
}

// Claim releases a funded escrow to its recipient when preimage hashes to
// the hashlock and the host timelock has not passed.
func (m *Manager) Claim(ctx context.Context, id string, preimage []byte) (err error) {
	defer m.observe("claim", &err)

	if err := m.begin(id, "claim"); err != nil {
		return err
	}
	defer m.end(id)

	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if rec.State != StateFunded {
		return fmt.Errorf("%w: cannot claim %s escrow", ErrInvalidState, rec.State)
	}
	if !m.clock.Now().Before(rec.Timelocks.ICPTimelock) {
		return fmt.Errorf("%w: claim window closed at %s", ErrTimelockExpired, rec.Timelocks.ICPTimelock.Format(time.RFC3339))
	}
	if !hashlock.Verify(preimage, rec.Hashlock[:]) {
		return ErrInvalidSecret
	}

	total := rec.Amount + rec.SafetyDeposit
	if err := m.ledger.Transfer(ctx, rec.Token, m.custody, rec.Recipient, total); err != nil {
		return transferError(err)
	}

	if err := m.transition(rec.ID, StateFunded, StateClaimed); err != nil {
		m.compensate(ctx, rec.Token, rec.Recipient, m.custody, total, rec.ID)
		return err
	}
	m.emit(rec.ID, EventSecretRevealed, StateClaimed, map[string]string{
		"preimage":  helpers.BytesToHex(preimage),
		"recipient": rec.Recipient,
	})
	m.log.Info("Escrow claimed", "id", rec.ID, "recipient", rec.Recipient)
	return nil
}

// Refund returns a funded escrow to its depositor once the host timelock
// has passed. A Created escrow past its timelock is swept to Expired
// instead. It returns the resulting state.
func (m *Manager) Refund(ctx context.Context, id string) (state State, err error) {
	defer m.observe("refund", &err)

	if err := m.begin(id, "refund"); err != nil {
		return "", err
	}
	defer m.end(id)

	rec, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	now := m.clock.Now()
	expired := timelock.IsExpired(rec.Timelocks.ICPTimelock, now)

	switch rec.State {
	case StateFunded:
		if !expired {
			remaining, _ := timelock.TimeUntilExpiry(rec.Timelocks.ICPTimelock, now)
			return "", fmt.Errorf("%w: %s remaining", ErrTimelockNotExpired, timelock.FormatDuration(remaining))
		}

		total := rec.Amount + rec.SafetyDeposit
		if err := m.ledger.Transfer(ctx, rec.Token, m.custody, rec.Depositor, total); err != nil {
			return "", transferError(err)
		}
		if err := m.transition(rec.ID, StateFunded, StateRefunded); err != nil {
			m.compensate(ctx, rec.Token, rec.Depositor, m.custody, total, rec.ID)
			return "", err
		}
		m.emit(rec.ID, EventRefunded, StateRefunded, map[string]string{"depositor": rec.Depositor})
		m.log.Info("Escrow refunded", "id", rec.ID, "depositor", rec.Depositor)
		return StateRefunded, nil

	case StateCreated:
		if !expired {
			return "", fmt.Errorf("%w: escrow was never funded", ErrInvalidState)
		}
		if err := m.transition(rec.ID, StateCreated, StateExpired); err != nil {
			return "", err
		}
		m.emit(rec.ID, EventExpired, StateExpired, nil)
		m.log.Info("Unfunded escrow expired", "id", rec.ID)
		return StateExpired, nil

	default:
		return "", fmt.Errorf("%w: cannot refund %s escrow", ErrInvalidState, rec.State)
	}
}

// GetStatus returns the escrow and the status of both timelocks.
func (m *Manager) GetStatus(id string) (*Status, error) {
	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	op := m.inFlight[id]
	m.mu.Unlock()

	return &Status{
		Escrow:    rec,
		ICPStatus: timelock.StatusAt(rec.Timelocks.ICPTimelock, now),
		EVMStatus: timelock.StatusAt(rec.Timelocks.EVMTimelock, now),
		InFlight:  op,
	}, nil
}

// CreateForeignEscrow (re)drives foreign escrow creation for an escrow
// with foreign params. An escrow that already has a reference returns it
// without calling the bridge.
func (m *Manager) CreateForeignEscrow(ctx context.Context, id string) (ref *bridge.ForeignRef, err error) {
	defer m.observe("create_foreign_escrow", &err)

	if err := m.begin(id, "create_foreign_escrow"); err != nil {
		return nil, err
	}
	defer m.end(id)

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Foreign == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoForeignLeg, id)
	}
	if rec.State.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, rec.State)
	}
	if rec.ForeignRef != "" {
		return &bridge.ForeignRef{ChainID: rec.Foreign.ChainID, Reference: rec.ForeignRef, Existing: true}, nil
	}
	return m.driveForeign(ctx, rec)
}

// VerifyForeignEscrow reads the escrow's foreign leg and compares it with
// the record's hashlock, amount, receiver and foreign timelock.
func (m *Manager) VerifyForeignEscrow(ctx context.Context, id string) (st *bridge.ForeignEscrowState, err error) {
	defer m.observe("verify_foreign_escrow", &err)

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Foreign == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoForeignLeg, id)
	}
	if rec.ForeignRef == "" {
		return nil, fmt.Errorf("%w: foreign escrow not created yet", ErrInvalidState)
	}
	if m.bridge == nil {
		return nil, errBridgeDisabled
	}

	receiver := common.HexToAddress(rec.Foreign.Receiver)
	exp := &bridge.Expectation{
		Hashlock: &rec.Hashlock,
		Amount:   rec.Foreign.Amount,
		Timelock: &rec.Timelocks.EVMTimelock,
		Receiver: &receiver,
	}
	st, err = m.bridge.VerifyForeignEscrowState(ctx, rec.Foreign.ChainID, rec.ForeignRef, exp)
	if err != nil {
		return nil, err
	}
	if st.Matches() {
		m.emit(rec.ID, EventForeignVerified, rec.State, map[string]string{"reference": rec.ForeignRef})
	} else {
		m.log.Warn("Foreign escrow does not match", "id", rec.ID, "exists", st.Exists, "state", st.State, "mismatches", strings.Join(st.Mismatches, ","))
	}
	return st, nil
}

// VerifyForeignReference reads a foreign escrow by reference without any
// expectation.
func (m *Manager) VerifyForeignReference(ctx context.Context, chainID uint64, ref string) (*bridge.ForeignEscrowState, error) {
	if m.bridge == nil {
		return nil, errBridgeDisabled
	}
	return m.bridge.VerifyForeignEscrowState(ctx, chainID, ref, nil)
}

// DeriveForeignAddress returns the foreign address controlled for seed.
func (m *Manager) DeriveForeignAddress(ctx context.Context, seed []byte) (common.Address, error) {
	if m.bridge == nil {
		return common.Address{}, errBridgeDisabled
	}
	return m.bridge.DeriveForeignAddress(ctx, seed)
}

// CheckSigningHealth runs a signer health check.
func (m *Manager) CheckSigningHealth(ctx context.Context) (bridge.HealthReport, error) {
	if m.bridge == nil {
		return bridge.HealthReport{}, errBridgeDisabled
	}
	return m.bridge.CheckSigningHealth(ctx), nil
}

// LastSigningHealth returns the most recent signer health report, or nil
// when none has run or no bridge is configured.
func (m *Manager) LastSigningHealth() *bridge.HealthReport {
	if m.bridge == nil {
		return nil
	}
	return m.bridge.LastHealth()
}

// ForeignChains lists the foreign chain ids the bridge serves.
func (m *Manager) ForeignChains() []uint64 {
	if m.bridge == nil {
		return nil
	}
	return m.bridge.Chains()
}

// ListByState returns every escrow in state.
func (m *Manager) ListByState(state State) ([]*Record, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state)
	}
	return m.store.ListByState(state)
}

// List returns the most recent escrows.
func (m *Manager) List(limit int) ([]*Record, error) {
	return m.store.List(limit)
}

// Counts returns the number of escrows per state.
func (m *Manager) Counts() (map[State]int, error) {
	return m.store.CountByState()
}

// Events returns the audit trail of an escrow.
func (m *Manager) Events(id string) ([]*Event, error) {
	if _, err := m.store.Get(id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(id)
}

// Export snapshots every escrow and event.
func (m *Manager) Export() (*Snapshot, error) {
	return m.store.Export()
}

// Import restores a snapshot.
func (m *Manager) Import(snap *Snapshot) error {
	return m.store.Import(snap)
}

var errBridgeDisabled = fmt.Errorf("%w: no foreign chain configured", bridge.ErrUnsupportedChain)

// driveForeign asks the bridge for the foreign escrow and records the
// reference. Called with the escrow reserved.
func (m *Manager) driveForeign(ctx context.Context, rec *Record) (*bridge.ForeignRef, error) {
	if m.bridge == nil {
		m.emit(rec.ID, EventForeignFailed, rec.State, map[string]string{"error": errBridgeDisabled.Error()})
		return nil, errBridgeDisabled
	}

	ref, err := m.bridge.CreateForeignEscrow(ctx, foreignParams(rec))
	if err != nil {
		m.emit(rec.ID, EventForeignFailed, rec.State, map[string]string{
			"error":     err.Error(),
			"transient": strconv.FormatBool(bridge.IsTransient(err)),
		})
		m.log.Warn("Foreign escrow creation failed", "id", rec.ID, "transient", bridge.IsTransient(err), "error", err)
		return nil, err
	}

	// Resumed after the bridge call: the reference may only be set once.
	if err := m.store.UpdateForeignReference(rec.ID, ref.Reference, m.clock.Now()); err != nil {
		return nil, err
	}

	m.emit(rec.ID, EventForeignCreated, rec.State, map[string]string{
		"chain_id":  strconv.FormatUint(ref.ChainID, 10),
		"reference": ref.Reference,
		"contract":  ref.Contract.Hex(),
		"sender":    ref.Sender.Hex(),
		"tx_hash":   ref.TxHash.Hex(),
		"existing":  strconv.FormatBool(ref.Existing),
	})
	m.log.Info("Foreign escrow linked", "id", rec.ID, "chain", ref.ChainID, "reference", ref.Reference)
	return ref, nil
}

func foreignParams(rec *Record) bridge.ForeignParams {
	f := rec.Foreign
	fp := bridge.ForeignParams{
		ChainID:  f.ChainID,
		Seed:     []byte(rec.ID),
		Receiver: common.HexToAddress(f.Receiver),
		Amount:   f.Amount,
		Hashlock: rec.Hashlock,
		Timelock: rec.Timelocks.EVMTimelock,
	}
	if f.Token != "" {
		fp.Token = common.HexToAddress(f.Token)
	}
	return fp
}

func (m *Manager) calculatorFor(f *ForeignParams) *timelock.Calculator {
	if f != nil {
		if c, ok := m.chainCalcs[f.ChainID]; ok {
			return c
		}
	}
	return m.calc
}

func (m *Manager) begin(id, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.inFlight[id]; ok {
		return fmt.Errorf("%w: %s is running on %s", ErrOperationInProgress, cur, id)
	}
	m.inFlight[id] = op
	return nil
}

func (m *Manager) end(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

func (m *Manager) transition(id string, from, to State) error {
	if err := m.store.UpdateState(id, from, to, m.clock.Now()); err != nil {
		return err
	}
	m.metrics.EscrowTransition(string(from), string(to))
	return nil
}

// compensate reverses a transfer whose state change could not be recorded.
func (m *Manager) compensate(ctx context.Context, token, from, to string, amount uint64, id string) {
	if err := m.ledger.Transfer(context.WithoutCancel(ctx), token, from, to, amount); err != nil {
		m.log.Error("Compensating transfer failed", "id", id, "from", from, "to", to, "amount", amount, "error", err)
	}
}

func (m *Manager) emit(id string, kind EventKind, state State, details map[string]string) {
	ev := &Event{
		EscrowID: id,
		Kind:     kind,
		State:    state,
		Details:  details,
		At:       m.clock.Now(),
	}
	if err := m.store.AppendEvent(ev); err != nil {
		m.log.Error("Failed to record escrow event", "id", id, "kind", kind, "error", err)
		return
	}

	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		n.Notify(ev)
	}
}

func (m *Manager) observe(op string, err *error) {
	result := "ok"
	if *err != nil {
		result = string(CategoryOf(*err))
	}
	m.metrics.EscrowOperation(op, result)
}

func transferError(err error) error {
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

func validateCreate(p CreateParams) error {
	switch {
	case len(strings.TrimSpace(p.ID)) < MinIDLength:
		return fmt.Errorf("%w: id must be at least %d characters", ErrInvalidInput, MinIDLength)
	case strings.TrimSpace(p.Token) == "":
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	case strings.TrimSpace(p.Depositor) == "":
		return fmt.Errorf("%w: depositor is required", ErrInvalidInput)
	case strings.TrimSpace(p.Recipient) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	case p.Depositor == p.Recipient:
		return fmt.Errorf("%w: depositor and recipient must differ", ErrInvalidInput)
	case helpers.IsZeroBytes(p.Hashlock[:]):
		return fmt.Errorf("%w: hashlock is zero", ErrInvalidInput)
	case p.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case p.SafetyDeposit > math.MaxInt64 || p.Amount > math.MaxInt64-p.SafetyDeposit:
		return fmt.Errorf("%w: amount plus safety deposit overflows", ErrInvalidInput)
	}

	if f := p.Foreign; f != nil {
		switch {
		case f.ChainID == 0:
			return fmt.Errorf("%w: foreign chain id is required", ErrInvalidInput)
		case !common.IsHexAddress(f.Receiver) || common.HexToAddress(f.Receiver) == (common.Address{}):
			return fmt.Errorf("%w: foreign receiver %q", ErrInvalidAddress, f.Receiver)
		case f.Token != "" && !common.IsHexAddress(f.Token):
			return fmt.Errorf("%w: foreign token %q", ErrInvalidAddress, f.Token)
		case f.Amount == nil || f.Amount.Sign() <= 0:
			return fmt.Errorf("%w: foreign amount must be positive", ErrInvalidInput)
		}
	}
	return nil
}
