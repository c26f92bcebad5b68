package htlc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEventNotFound is returned when a receipt carries no SwapCreated log.
var ErrEventNotFound = errors.New("SwapCreated event not found")

// SwapState represents the state of an HTLC swap
type SwapState uint8

const (
	SwapStateEmpty    SwapState = 0
	SwapStateActive   SwapState = 1
	SwapStateClaimed  SwapState = 2
	SwapStateRefunded SwapState = 3
)

func (s SwapState) String() string {
	switch s {
	case SwapStateEmpty:
		return "empty"
	case SwapStateActive:
		return "active"
	case SwapStateClaimed:
		return "claimed"
	case SwapStateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Swap is the on-chain record returned by getSwap.
type Swap struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address // address(0) for native token
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      SwapState
}

// IsNativeToken returns true if this swap uses the native coin.
func (s *Swap) IsNativeToken() bool {
	return s.Token == common.Address{}
}

// Exists returns false for the zero record of an unknown swap id.
func (s *Swap) Exists() bool {
	return s.State != SwapStateEmpty
}

// TimelockTime returns the timelock as a time.
func (s *Swap) TimelockTime() time.Time {
	if s.Timelock == nil {
		return time.Time{}
	}
	return time.Unix(s.Timelock.Int64(), 0).UTC()
}

// SwapIDFromSeed derives the on-chain swap id for an escrow seed.
func SwapIDFromSeed(seed []byte) [32]byte {
	return crypto.Keccak256Hash(seed)
}

// TimelockArg converts t to the contract's uint256 unix seconds.
func TimelockArg(t time.Time) *big.Int {
	return big.NewInt(t.Unix())
}

// PackCreateSwapNative encodes createSwapNative. The amount travels as tx value.
func PackCreateSwapNative(swapID [32]byte, receiver common.Address, secretHash [32]byte, timelock *big.Int) ([]byte, error) {
	return htlcABI.Pack("createSwapNative", swapID, receiver, secretHash, timelock)
}

// PackCreateSwapERC20 encodes createSwapERC20. The token must be approved first.
func PackCreateSwapERC20(swapID [32]byte, receiver, token common.Address, amount *big.Int, secretHash [32]byte, timelock *big.Int) ([]byte, error) {
	return htlcABI.Pack("createSwapERC20", swapID, receiver, token, amount, secretHash, timelock)
}

// PackGetSwap encodes getSwap.
func PackGetSwap(swapID [32]byte) ([]byte, error) {
	return htlcABI.Pack("getSwap", swapID)
}

type swapTuple struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      uint8
}

// UnpackGetSwap decodes the getSwap return data.
func UnpackGetSwap(data []byte) (*Swap, error) {
	out, err := htlcABI.Unpack("getSwap", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getSwap: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getSwap returned %d values", len(out))
	}
	t := *abi.ConvertType(out[0], new(swapTuple)).(*swapTuple)
	return &Swap{
		Sender:     t.Sender,
		Receiver:   t.Receiver,
		Token:      t.Token,
		Amount:     t.Amount,
		DaoFee:     t.DaoFee,
		SecretHash: t.SecretHash,
		Timelock:   t.Timelock,
		State:      SwapState(t.State),
	}, nil
}

// GetSwap reads a swap through any contract caller.
func GetSwap(ctx context.Context, caller ethereum.ContractCaller, contract common.Address, swapID [32]byte) (*Swap, error) {
	data, err := PackGetSwap(swapID)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return UnpackGetSwap(res)
}

// PackApprove encodes ERC20 approve.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackAllowance encodes ERC20 allowance.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// Allowance reads an ERC20 allowance through any contract caller.
func Allowance(ctx context.Context, caller ethereum.ContractCaller, token, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get allowance: %w", err)
	}
	out, err := erc20ABI.Unpack("allowance", res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack allowance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// SwapCreatedEvent is a decoded SwapCreated log.
type SwapCreatedEvent struct {
	SwapID     [32]byte
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
}

// FindSwapCreated returns the SwapCreated event for swapID in a receipt.
func FindSwapCreated(receipt *types.Receipt, contract common.Address, swapID [32]byte) (*SwapCreatedEvent, error) {
	ev := htlcABI.Events["SwapCreated"]
	for _, lg := range receipt.Logs {
		if lg.Address != contract || len(lg.Topics) != 4 || lg.Topics[0] != ev.ID {
			continue
		}
		if lg.Topics[1] != common.Hash(swapID) {
			continue
		}
		var out SwapCreatedEvent
		if err := htlcABI.UnpackIntoInterface(&out, "SwapCreated", lg.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack SwapCreated: %w", err)
		}
		out.SwapID = swapID
		out.Sender = common.BytesToAddress(lg.Topics[2].Bytes())
		out.Receiver = common.BytesToAddress(lg.Topics[3].Bytes())
		return &out, nil
	}
	return nil, ErrEventNotFound
}

// PackGetSwapResult encodes s as getSwap return data. Used by test backends
// that stand in for the contract.
func PackGetSwapResult(s *Swap) ([]byte, error) {
	t := swapTuple{
		Sender:     s.Sender,
		Receiver:   s.Receiver,
		Token:      s.Token,
		Amount:     orZero(s.Amount),
		DaoFee:     orZero(s.DaoFee),
		SecretHash: s.SecretHash,
		Timelock:   orZero(s.Timelock),
		State:      uint8(s.State),
	}
	return htlcABI.Methods["getSwap"].Outputs.Pack(t)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
