// Package networks holds the static per-chain bridge configuration.
package networks

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

var (
	ErrUnknownChain    = errors.New("networks: unknown chain id")
	ErrMissingContract = errors.New("networks: missing contract address")
	ErrInvalidConfig   = errors.New("networks: invalid config")
)

// StacksDomain is the bridge-protocol domain id routing deposits to Stacks.
const StacksDomain uint32 = 10003

// Network is the per-chain configuration the bridge pipeline reads. It is never mutated after
// the table is built.
type Network struct {
	ChainID uint64
	Name    string
	Testnet bool

	// Token is the USDC contract; Bridge is the deposit contract that receives the allowance.
	Token  common.Address
	Bridge common.Address

	DestinationDomain uint32
	RPCURLs           []string

	// PriorityFeeBumpPercent raises the node's suggested tip for faster inclusion.
	PriorityFeeBumpPercent int
}

// StacksNetwork is the recipient network deposits from this chain must target.
func (n Network) StacksNetwork() stacksaddr.Network {
	if n.Testnet {
		return stacksaddr.NetworkTestnet
	}
	return stacksaddr.NetworkMainnet
}

// Table is an immutable chain id -> Network lookup.
type Table struct {
	byID map[uint64]Network
}

func NewTable(nets ...Network) (*Table, error) {
	if len(nets) == 0 {
		return nil, fmt.Errorf("%w: no networks", ErrInvalidConfig)
	}
	byID := make(map[uint64]Network, len(nets))
	for _, n := range nets {
		if n.ChainID == 0 {
			return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
		}
		if _, ok := byID[n.ChainID]; ok {
			return nil, fmt.Errorf("%w: duplicate chain id %d", ErrInvalidConfig, n.ChainID)
		}
		if n.PriorityFeeBumpPercent < 0 {
			return nil, fmt.Errorf("%w: chain %d: negative priority fee bump", ErrInvalidConfig, n.ChainID)
		}
		if strings.TrimSpace(n.Name) == "" {
			n.Name = fmt.Sprintf("chain-%d", n.ChainID)
		}
		n.RPCURLs = append([]string(nil), n.RPCURLs...)
		byID[n.ChainID] = n
	}
	return &Table{byID: byID}, nil
}

// Lookup returns the network for chainID. Unknown chains and chains without both contract
// addresses are configuration errors.
func (t *Table) Lookup(chainID uint64) (Network, error) {
	if t == nil {
		return Network{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	n, ok := t.byID[chainID]
	if !ok {
		return Network{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	if n.Token == (common.Address{}) {
		return Network{}, fmt.Errorf("%w: chain %d token", ErrMissingContract, chainID)
	}
	if n.Bridge == (common.Address{}) {
		return Network{}, fmt.Errorf("%w: chain %d bridge", ErrMissingContract, chainID)
	}
	n.RPCURLs = append([]string(nil), n.RPCURLs...)
	return n, nil
}

// ChainIDs returns the configured chain ids in ascending order.
func (t *Table) ChainIDs() []uint64 {
	if t == nil {
		return nil
	}
	out := make([]uint64, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Table) All() []Network {
	ids := t.ChainIDs()
	out := make([]Network, 0, len(ids))
	for _, id := range ids {
		n := t.byID[id]
		n.RPCURLs = append([]string(nil), n.RPCURLs...)
		out = append(out, n)
	}
	return out
}

var (
	xReserveMainnet = common.HexToAddress("0x8888888199b2Df864bf678259607d6D5EBb4e3Ce")
	xReserveTestnet = common.HexToAddress("0x008888878f94C0d87defdf0B07f46B93C1934442")
)

// Default is the built-in table of supported source chains.
func Default() *Table {
	t, err := NewTable(
		Network{
			ChainID:                1,
			Name:                   "Ethereum",
			Token:                  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Bridge:                 xReserveMainnet,
			DestinationDomain:      StacksDomain,
			RPCURLs:                []string{"https://ethereum-rpc.publicnode.com", "https://eth.llamarpc.com"},
			PriorityFeeBumpPercent: 20,
		},
		Network{
			ChainID:                8453,
			Name:                   "Base",
			Token:                  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			Bridge:                 xReserveMainnet,
			DestinationDomain:      StacksDomain,
			RPCURLs:                []string{"https://mainnet.base.org", "https://base.llamarpc.com"},
			PriorityFeeBumpPercent: 10,
		},
		Network{
			ChainID:                42161,
			Name:                   "Arbitrum",
			Token:                  common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
			Bridge:                 xReserveMainnet,
			DestinationDomain:      StacksDomain,
			RPCURLs:                []string{"https://arb1.arbitrum.io/rpc", "https://arbitrum.llamarpc.com"},
			PriorityFeeBumpPercent: 10,
		},
		Network{
			ChainID:                11155111,
			Name:                   "Sepolia",
			Testnet:                true,
			Token:                  common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
			Bridge:                 xReserveTestnet,
			DestinationDomain:      StacksDomain,
			RPCURLs:                []string{"https://ethereum-sepolia-rpc.publicnode.com"},
			PriorityFeeBumpPercent: 20,
		},
		Network{
			ChainID:                84532,
			Name:                   "Base Sepolia",
			Testnet:                true,
			Token:                  common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Bridge:                 xReserveTestnet,
			DestinationDomain:      StacksDomain,
			RPCURLs:                []string{"https://sepolia.base.org"},
			PriorityFeeBumpPercent: 10,
		},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// Subset keeps only the given chains. An empty ids keeps every chain.
func (t *Table) Subset(ids []uint64) (*Table, error) {
	if len(ids) == 0 {
		return t, nil
	}
	nets := make([]Network, 0, len(ids))
	for _, id := range ids {
		n, ok := t.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChain, id)
		}
		nets = append(nets, n)
	}
	return NewTable(nets...)
}
