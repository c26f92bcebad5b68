package bridge

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/fusion-escrow/internal/contracts/htlc"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const testChainID = 11155111

var testContract = common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade")

// fakeChain stands in for an EVM node with the HTLC contract deployed.
// Sent transactions sit in a mempool until a receipt poll mines them, and
// calls and gas estimates see mined state only.
type fakeChain struct {
	mu sync.Mutex

	chainID   *big.Int
	contract  common.Address
	swaps     map[[32]byte]*htlc.Swap
	allowance *big.Int
	nonce     uint64

	pending  []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	block    uint64

	// pollsBeforeMine is how many receipt polls report the pool as
	// unmined before it is mined. stalled keeps it unmined forever.
	pollsBeforeMine int
	polls           int
	stalled         bool

	// revertCreates mines HTLC creates with a failed status.
	revertCreates bool

	sent      []*types.Transaction
	sendCalls int
	sendErrs  []error
	callErrs  []error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:   big.NewInt(testChainID),
		contract:  testContract,
		swaps:     make(map[[32]byte]*htlc.Swap),
		allowance: new(big.Int),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg.To != nil && *msg.To == f.contract {
		method, args, err := decodeHTLCCall(msg.Data)
		if err != nil {
			return 0, err
		}
		if method == "createSwapERC20" && f.allowance.Cmp(args[3].(*big.Int)) < 0 {
			return 0, errors.New("execution reverted: ERC20: insufficient allowance")
		}
	}
	return 100_000, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		return nil, err
	}

	if *msg.To == f.contract {
		var id [32]byte
		copy(id[:], msg.Data[4:36])
		s, ok := f.swaps[id]
		if !ok {
			s = &htlc.Swap{}
		}
		return htlc.PackGetSwapResult(s)
	}
	// ERC20 allowance
	return common.LeftPadBytes(f.allowance.Bytes(), 32), nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendCalls++
	var injected error
	if len(f.sendErrs) > 0 {
		injected = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		// "already known" means an earlier broadcast reached the pool.
		if !isAlreadyKnown(injected) {
			return injected
		}
	}

	if _, err := types.Sender(types.NewEIP155Signer(f.chainID), tx); err != nil {
		return err
	}
	f.pending = append(f.pending, tx)
	f.sent = append(f.sent, tx)
	f.nonce++
	return injected
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	inPool := false
	for _, tx := range f.pending {
		if tx.Hash() == hash {
			inPool = true
		}
	}
	if !inPool || f.stalled {
		return nil, ethereum.NotFound
	}
	if f.polls < f.pollsBeforeMine {
		f.polls++
		return nil, ethereum.NotFound
	}
	f.mineLocked()
	return f.receipts[hash], nil
}

// mine includes every pending transaction in a new block.
func (f *fakeChain) mine() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked()
}

func (f *fakeChain) mineLocked() {
	f.block++
	for _, tx := range f.pending {
		status := types.ReceiptStatusSuccessful
		if err := f.applyLocked(tx); err != nil {
			status = types.ReceiptStatusFailed
		}
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(f.block),
		}
	}
	f.pending = nil
	f.polls = 0
}

func (f *fakeChain) applyLocked(tx *types.Transaction) error {
	sender, err := types.Sender(types.NewEIP155Signer(f.chainID), tx)
	if err != nil {
		return err
	}

	data := tx.Data()
	if *tx.To() != f.contract {
		// ERC20 approve(spender, amount)
		f.allowance = new(big.Int).SetBytes(data[36:68])
		return nil
	}

	method, args, err := decodeHTLCCall(data)
	if err != nil {
		return err
	}
	swapID := args[0].([32]byte)
	if f.revertCreates {
		return errors.New("reverted")
	}
	if s, ok := f.swaps[swapID]; ok && s.Exists() {
		return errors.New("swap exists")
	}

	var s *htlc.Swap
	switch method {
	case "createSwapNative":
		s = &htlc.Swap{
			Sender:     sender,
			Receiver:   args[1].(common.Address),
			Amount:     tx.Value(),
			DaoFee:     new(big.Int),
			SecretHash: args[2].([32]byte),
			Timelock:   args[3].(*big.Int),
			State:      htlc.SwapStateActive,
		}
	case "createSwapERC20":
		amount := args[3].(*big.Int)
		if f.allowance.Cmp(amount) < 0 {
			return errors.New("insufficient allowance")
		}
		s = &htlc.Swap{
			Sender:     sender,
			Receiver:   args[1].(common.Address),
			Token:      args[2].(common.Address),
			Amount:     amount,
			DaoFee:     new(big.Int),
			SecretHash: args[4].([32]byte),
			Timelock:   args[5].(*big.Int),
			State:      htlc.SwapStateActive,
		}
	default:
		return errors.New("unknown method " + method)
	}
	f.swaps[swapID] = s
	return nil
}

func decodeHTLCCall(data []byte) (string, []interface{}, error) {
	method, err := htlc.ABI().MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	return method.Name, args, nil
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// flakySigner fails the first n Sign calls with err.
type flakySigner struct {
	inner Signer

	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *flakySigner) PublicKey(ctx context.Context) (*secp256k1.PublicKey, error) {
	return s.inner.PublicKey(ctx)
}

func (s *flakySigner) Sign(ctx context.Context, seed []byte, digest [32]byte) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, s.err
	}
	s.mu.Unlock()
	return s.inner.Sign(ctx, seed, digest)
}

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	s, err := NewLocalSigner(testMnemonic, "")
	require.NoError(t, err)
	return s
}

func testConfig() Config {
	return Config{
		MaxAttempts:     3,
		MinBackoff:      time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		RequestTimeout:  time.Second,
		SigningTimeout:  time.Second,
		HealthyLatency:  time.Second,
		ReceiptAttempts: 5,
		Clock:           clock.New(),
		Logger:          logging.Discard(),
	}
}

func newTestBridge(t *testing.T, signer Signer) (*Bridge, *fakeChain) {
	t.Helper()
	b := New(testConfig(), signer)
	chain := newFakeChain()
	b.AddEVMLeg(testChainID, chain, testContract)
	return b, chain
}

func testParams(seed string) ForeignParams {
	return ForeignParams{
		ChainID:  testChainID,
		Seed:     []byte(seed),
		Receiver: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Amount:   big.NewInt(1_000_000),
		Hashlock: [32]byte{0xde, 0xad, 0xbe, 0xef},
		Timelock: time.Now().Add(time.Hour).Truncate(time.Second),
	}
}

// downSigner never answers.
type downSigner struct{}

func (downSigner) PublicKey(ctx context.Context) (*secp256k1.PublicKey, error) {
	return nil, errors.New("key not found")
}

func (downSigner) Sign(ctx context.Context, seed []byte, digest [32]byte) ([]byte, error) {
	return nil, errors.New("key not found")
}
