package chain

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/networks"
)

// Client is everything bound to one configured chain. Submitter and Account are zero for
// read-only clients.
type Client struct {
	Network   networks.Network
	Account   common.Address
	Reader    Reader
	Submitter Submitter
}

// HasWallet reports whether the client can sign for Account.
func (c Client) HasWallet() bool {
	return c.Submitter != nil && c.Account != (common.Address{})
}

// Registry maps chain ids to clients. It is built once at startup and read-only afterwards.
type Registry struct {
	byID map[uint64]Client
}

func NewRegistry(clients ...Client) (*Registry, error) {
	byID := make(map[uint64]Client, len(clients))
	for _, c := range clients {
		id := c.Network.ChainID
		if id == 0 {
			return nil, fmt.Errorf("%w: client without chain id", ErrInvalidRegistry)
		}
		if c.Reader == nil {
			return nil, fmt.Errorf("%w: chain %d: nil reader", ErrInvalidRegistry, id)
		}
		if _, ok := byID[id]; ok {
			return nil, fmt.Errorf("%w: duplicate chain %d", ErrInvalidRegistry, id)
		}
		byID[id] = c
	}
	return &Registry{byID: byID}, nil
}

// Get returns the client for chainID; unknown chains wrap networks.ErrUnknownChain.
func (r *Registry) Get(chainID uint64) (Client, error) {
	if r != nil {
		if c, ok := r.byID[chainID]; ok {
			return c, nil
		}
	}
	return Client{}, fmt.Errorf("%w: %d", networks.ErrUnknownChain, chainID)
}

// Wallet is Get restricted to clients that can sign.
func (r *Registry) Wallet(chainID uint64) (Client, error) {
	c, err := r.Get(chainID)
	if err != nil {
		return Client{}, err
	}
	if !c.HasWallet() {
		return Client{}, fmt.Errorf("%w: chain %d", ErrWalletNotConfigured, chainID)
	}
	return c, nil
}

func (r *Registry) ChainIDs() []uint64 {
	if r == nil {
		return nil
	}
	out := make([]uint64, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
