// Package htlc encodes calls to the KlingonHTLC contract and the ERC20
// methods the foreign escrow leg needs.
package htlc

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// HTLCABI is the subset of the KlingonHTLC ABI used by the bridge.
const HTLCABI = `[
	{"type":"function","name":"createSwapNative","stateMutability":"payable","outputs":[],
	 "inputs":[{"name":"swapId","type":"bytes32"},{"name":"receiver","type":"address"},{"name":"secretHash","type":"bytes32"},{"name":"timelock","type":"uint256"}]},
	{"type":"function","name":"createSwapERC20","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"swapId","type":"bytes32"},{"name":"receiver","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"secretHash","type":"bytes32"},{"name":"timelock","type":"uint256"}]},
	{"type":"function","name":"getSwap","stateMutability":"view",
	 "inputs":[{"name":"swapId","type":"bytes32"}],
	 "outputs":[{"name":"","type":"tuple","internalType":"struct KlingonHTLC.Swap","components":[
		{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"daoFee","type":"uint256"},{"name":"secretHash","type":"bytes32"},
		{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"}]}]},
	{"type":"event","name":"SwapCreated","anonymous":false,
	 "inputs":[{"name":"swapId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},
		{"name":"receiver","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},{"name":"daoFee","type":"uint256","indexed":false},
		{"name":"secretHash","type":"bytes32","indexed":false},{"name":"timelock","type":"uint256","indexed":false}]}
]`

// ERC20ABI covers allowance and approve.
const ERC20ABI = `[
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var (
	htlcABI  = mustParse(HTLCABI)
	erc20ABI = mustParse(ERC20ABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("htlc: invalid ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed KlingonHTLC ABI.
func ABI() *abi.ABI {
	return &htlcABI
}
