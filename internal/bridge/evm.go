package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/fusion-escrow/internal/contracts/htlc"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

// ChainLeg is one foreign chain the bridge can create escrows on.
type ChainLeg interface {
	Chain() uint64
	DeriveAddress(ctx context.Context, seed []byte) (common.Address, error)
	CreateEscrow(ctx context.Context, p ForeignParams) (*ForeignRef, error)
	VerifyState(ctx context.Context, ref string, exp *Expectation) (*ForeignEscrowState, error)
}

// EthClient is the subset of ethclient.Client the EVM leg uses.
type EthClient interface {
	ethereum.ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// gasMarginPercent is added on top of the node's gas estimate.
const gasMarginPercent = 20

// EVMLeg creates HTLC escrows on an EVM chain with threshold-signed
// transactions.
type EVMLeg struct {
	chainID  uint64
	client   EthClient
	contract common.Address

	keys  *keyring
	retry *retrier
	log   *logging.Logger
}

var _ ChainLeg = (*EVMLeg)(nil)

// Chain implements ChainLeg.
func (l *EVMLeg) Chain() uint64 { return l.chainID }

// Contract returns the HTLC contract address.
func (l *EVMLeg) Contract() common.Address { return l.contract }

// DeriveAddress implements ChainLeg.
func (l *EVMLeg) DeriveAddress(ctx context.Context, seed []byte) (common.Address, error) {
	return l.keys.address(ctx, seed)
}

// CreateEscrow implements ChainLeg. Calling it twice for the same seed and
// terms returns the existing escrow instead of sending a second transaction.
func (l *EVMLeg) CreateEscrow(ctx context.Context, p ForeignParams) (*ForeignRef, error) {
	sender, err := l.keys.address(ctx, p.Seed)
	if err != nil {
		return nil, err
	}
	if err := l.checkChainID(ctx); err != nil {
		return nil, err
	}

	swapID := htlc.SwapIDFromSeed(p.Seed)
	ref := &ForeignRef{
		ChainID:   l.chainID,
		Reference: hexutil.Encode(swapID[:]),
		Contract:  l.contract,
		Sender:    sender,
	}

	existing, err := l.getSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if existing.Exists() {
		if existing.SecretHash != p.Hashlock || existing.Receiver != p.Receiver {
			return nil, &RequestError{Op: "get_swap", Attempts: 1,
				Err: fmt.Errorf("swap %s already exists with different terms", ref.Reference)}
		}
		l.log.Info("Foreign escrow already exists", "swap_id", ref.Reference, "state", existing.State)
		ref.Existing = true
		return ref, nil
	}

	timelock := htlc.TimelockArg(p.Timelock)
	value := new(big.Int)
	var data []byte
	if p.Token == (common.Address{}) {
		data, err = htlc.PackCreateSwapNative(swapID, p.Receiver, p.Hashlock, timelock)
		value.Set(p.Amount)
	} else {
		if err := l.ensureAllowance(ctx, p, sender); err != nil {
			return nil, err
		}
		data, err = htlc.PackCreateSwapERC20(swapID, p.Receiver, p.Token, p.Amount, p.Hashlock, timelock)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	txHash, err := l.sendTx(ctx, p.Seed, sender, l.contract, value, data)
	if err != nil {
		return nil, err
	}
	ref.TxHash = txHash

	receipt, err := l.waitMined(ctx, "create_swap_receipt", txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A reverted create still counts if an identical swap is active,
		// e.g. an earlier broadcast of the same escrow won the race.
		swap, err := l.getSwap(ctx, swapID)
		if err != nil {
			return nil, err
		}
		if !swap.Exists() || swap.SecretHash != p.Hashlock || swap.Receiver != p.Receiver {
			return nil, &RequestError{Op: "create_swap_receipt", Attempts: 1,
				Err: fmt.Errorf("transaction %s reverted", txHash.Hex())}
		}
		ref.Existing = true
	}

	l.log.Info("Foreign escrow created",
		"chain", l.chainID,
		"swap_id", ref.Reference,
		"sender", sender.Hex(),
		"tx", txHash.Hex(),
	)
	return ref, nil
}

// VerifyState implements ChainLeg.
func (l *EVMLeg) VerifyState(ctx context.Context, ref string, exp *Expectation) (*ForeignEscrowState, error) {
	raw, err := hexutil.Decode(ref)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: reference must be a 32-byte hex swap id", ErrInvalidParams)
	}
	var swapID [32]byte
	copy(swapID[:], raw)

	swap, err := l.getSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	st := &ForeignEscrowState{
		ChainID:   l.chainID,
		Reference: hexutil.Encode(swapID[:]),
		Exists:    swap.Exists(),
		State:     swap.State.String(),
		Sender:    swap.Sender,
		Receiver:  swap.Receiver,
		Token:     swap.Token,
		Amount:    swap.Amount,
		Hashlock:  common.Hash(swap.SecretHash),
		Timelock:  swap.TimelockTime(),
	}
	if !st.Exists || exp == nil {
		return st, nil
	}

	if exp.Hashlock != nil && *exp.Hashlock != swap.SecretHash {
		st.Mismatches = append(st.Mismatches, "hashlock")
	}
	if exp.Amount != nil && !amountMatches(swap, exp.Amount) {
		st.Mismatches = append(st.Mismatches, "amount")
	}
	if exp.Timelock != nil && exp.Timelock.Unix() != swap.TimelockTime().Unix() {
		st.Mismatches = append(st.Mismatches, "timelock")
	}
	if exp.Receiver != nil && *exp.Receiver != swap.Receiver {
		st.Mismatches = append(st.Mismatches, "receiver")
	}
	return st, nil
}

// amountMatches accepts the locked amount with or without the DAO fee.
func amountMatches(s *htlc.Swap, want *big.Int) bool {
	if s.Amount == nil {
		return want.Sign() == 0
	}
	if s.Amount.Cmp(want) == 0 {
		return true
	}
	if s.DaoFee != nil {
		return new(big.Int).Add(s.Amount, s.DaoFee).Cmp(want) == 0
	}
	return false
}

func (l *EVMLeg) checkChainID(ctx context.Context) error {
	var id *big.Int
	err := l.retry.do(ctx, "eth_chainId", l.retry.requestTimeout, func(ctx context.Context) error {
		v, err := l.client.ChainID(ctx)
		id = v
		return err
	})
	if err != nil {
		return err
	}
	if !id.IsUint64() || id.Uint64() != l.chainID {
		return &RequestError{Op: "eth_chainId", Attempts: 1,
			Err: fmt.Errorf("%w: node reports chain %s, want %d", ErrUnsupportedChain, id, l.chainID)}
	}
	return nil
}

func (l *EVMLeg) getSwap(ctx context.Context, swapID [32]byte) (*htlc.Swap, error) {
	var swap *htlc.Swap
	err := l.retry.do(ctx, "get_swap", l.retry.requestTimeout, func(ctx context.Context) error {
		s, err := htlc.GetSwap(ctx, l.client, l.contract, swapID)
		swap = s
		return err
	})
	return swap, err
}

// ensureAllowance approves the HTLC contract for the ERC20 amount when the
// current allowance is short.
func (l *EVMLeg) ensureAllowance(ctx context.Context, p ForeignParams, owner common.Address) error {
	var allowance *big.Int
	err := l.retry.do(ctx, "erc20_allowance", l.retry.requestTimeout, func(ctx context.Context) error {
		a, err := htlc.Allowance(ctx, l.client, p.Token, owner, l.contract)
		allowance = a
		return err
	})
	if err != nil {
		return err
	}
	if allowance.Cmp(p.Amount) >= 0 {
		return nil
	}

	data, err := htlc.PackApprove(l.contract, p.Amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	txHash, err := l.sendTx(ctx, p.Seed, owner, p.Token, new(big.Int), data)
	if err != nil {
		return err
	}
	l.log.Info("ERC20 approval sent", "token", p.Token.Hex(), "amount", p.Amount, "tx", txHash.Hex())

	// Gas for createSwapERC20 is estimated against mined state, so the
	// approval has to be in a block first.
	receipt, err := l.waitMined(ctx, "erc20_approve_receipt", txHash)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &RequestError{Op: "erc20_approve_receipt", Attempts: 1,
			Err: fmt.Errorf("approval %s reverted", txHash.Hex())}
	}

	err = l.retry.do(ctx, "erc20_allowance", l.retry.requestTimeout, func(ctx context.Context) error {
		a, err := htlc.Allowance(ctx, l.client, p.Token, owner, l.contract)
		allowance = a
		return err
	})
	if err != nil {
		return err
	}
	if allowance.Cmp(p.Amount) < 0 {
		return &RequestError{Op: "erc20_allowance", Attempts: 1,
			Err: fmt.Errorf("allowance %s below %s after approval", allowance, p.Amount)}
	}
	return nil
}

// waitMined polls for the receipt of txHash. A missing receipt is retried
// with backoff up to the receipt attempt bound, then reported as transient.
func (l *EVMLeg) waitMined(ctx context.Context, op string, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := l.retry.doN(ctx, op, l.retry.requestTimeout, l.retry.receiptAttempts, func(ctx context.Context) error {
		r, err := l.client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && r == nil) {
			return fmt.Errorf("%w: %s", ErrTransactionPending, txHash.Hex())
		}
		receipt = r
		return err
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug("Transaction mined", "hash", txHash.Hex(), "status", receipt.Status, "block", receipt.BlockNumber)
	return receipt, nil
}

// sendTx builds a legacy EIP-155 transaction from the seed's derived
// address, has the signer sign it and broadcasts it.
func (l *EVMLeg) sendTx(ctx context.Context, seed []byte, from, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	var nonce uint64
	err := l.retry.do(ctx, "eth_getTransactionCount", l.retry.requestTimeout, func(ctx context.Context) error {
		n, err := l.client.PendingNonceAt(ctx, from)
		nonce = n
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}

	var gasPrice *big.Int
	err = l.retry.do(ctx, "eth_gasPrice", l.retry.requestTimeout, func(ctx context.Context) error {
		p, err := l.client.SuggestGasPrice(ctx)
		gasPrice = p
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}

	var gas uint64
	err = l.retry.do(ctx, "eth_estimateGas", l.retry.requestTimeout, func(ctx context.Context) error {
		g, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		gas = g
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}
	gas += gas * gasMarginPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signer := types.NewEIP155Signer(new(big.Int).SetUint64(l.chainID))
	digest := signer.Hash(tx)

	sig, err := l.keys.sign(ctx, seed, digest, from)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return common.Hash{}, &RequestError{Op: "threshold_sign", Attempts: 1, Err: err}
	}

	err = l.retry.do(ctx, "eth_sendRawTransaction", l.retry.requestTimeout, func(ctx context.Context) error {
		err := l.client.SendTransaction(ctx, signed)
		if err != nil && isAlreadyKnown(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}

	l.log.Debug("Transaction sent", "hash", signed.Hash().Hex(), "nonce", nonce, "gas", gas)
	return signed.Hash(), nil
}

// isAlreadyKnown reports a node rejecting a transaction it already holds.
// An earlier attempt reached the mempool, so the broadcast succeeded.
func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
