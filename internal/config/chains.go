package config

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// EVMChain describes a foreign EVM chain the bridge can target.
type EVMChain struct {
	Name string

	// HTLCContract is the KlingonHTLC deployment used for foreign escrows.
	HTLCContract common.Address

	// Confirmations is the depth treated as final.
	Confirmations uint64
}

// evmChainRegistry maps chainID -> chain description
var evmChainRegistry = map[uint64]*EVMChain{
	// Testnets
	11155111: {
		Name:          "sepolia",
		HTLCContract:  common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade"),
		Confirmations: 6,
	},
	97: {
		Name:          "bsc-testnet",
		HTLCContract:  common.HexToAddress("0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"),
		Confirmations: 15,
	},
	80002: {Name: "polygon-amoy", Confirmations: 128},
	421614: {Name: "arbitrum-sepolia", Confirmations: 12},
	84532: {Name: "base-sepolia", Confirmations: 12},

	// Mainnets (not deployed)
	1:     {Name: "ethereum", Confirmations: 12},
	56:    {Name: "bsc", Confirmations: 15},
	137:   {Name: "polygon", Confirmations: 128},
	42161: {Name: "arbitrum", Confirmations: 12},
	8453:  {Name: "base", Confirmations: 12},
}

// GetEVMChain returns the registered chain, or nil.
func GetEVMChain(chainID uint64) *EVMChain {
	return evmChainRegistry[chainID]
}

// GetHTLCContract returns the HTLC contract address for a given chain ID.
// Returns zero address if the chain is not registered or contract not deployed.
func GetHTLCContract(chainID uint64) common.Address {
	if c := evmChainRegistry[chainID]; c != nil {
		return c.HTLCContract
	}
	return common.Address{}
}

// IsHTLCDeployed returns true if the HTLC contract is deployed on the given chain.
func IsHTLCDeployed(chainID uint64) bool {
	return GetHTLCContract(chainID) != (common.Address{})
}

// ListDeployedHTLCChains returns all chain IDs where HTLC is deployed, sorted.
func ListDeployedHTLCChains() []uint64 {
	var chains []uint64
	for chainID, c := range evmChainRegistry {
		if c.HTLCContract != (common.Address{}) {
			chains = append(chains, chainID)
		}
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// HTLCContractFor resolves the contract for the bridge: the configured
// override if set, the registry entry otherwise.
func (b *BridgeConfig) HTLCContractFor() common.Address {
	if b.HTLCContract != "" {
		return common.HexToAddress(b.HTLCContract)
	}
	return GetHTLCContract(b.ChainID)
}
