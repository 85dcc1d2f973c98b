package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/networks"
)

// WalletFunc builds the signing side of one chain. A nil Submitter leaves the chain read-only.
type WalletFunc func(ctx context.Context, n networks.Network, client *ethclient.Client) (common.Address, chain.Submitter, error)

type RegistryConfig struct {
	Networks []networks.Network
	Reader   ReaderConfig
	Wallet   WalletFunc

	Log *slog.Logger
}

// DialRegistry connects to every network and returns the registry with a func closing the
// connections.
func DialRegistry(ctx context.Context, cfg RegistryConfig) (*chain.Registry, func(), error) {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var opened []*ethclient.Client
	closeAll := func() {
		for _, c := range opened {
			c.Close()
		}
	}

	clients := make([]chain.Client, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		ec, url, err := DialFirst(ctx, n.RPCURLs, n.ChainID)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, ec)

		reader, err := NewRPCReader(ec, cfg.Reader)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		c := chain.Client{Network: n, Reader: reader}
		if cfg.Wallet != nil {
			acct, sub, err := cfg.Wallet(ctx, n, ec)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("chain %d wallet: %w", n.ChainID, err)
			}
			if sub != nil {
				c.Account, c.Submitter = acct, sub
			}
		}
		cfg.Log.Info("chain connected", "chainID", n.ChainID, "name", n.Name, "rpc", redactURL(url), "wallet", c.HasWallet())
		clients = append(clients, c)
	}

	reg, err := chain.NewRegistry(clients...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return reg, closeAll, nil
}

// KeyWallet signs on every chain with one local key.
func KeyWallet(key *ecdsa.PrivateKey, minTipCap *big.Int) WalletFunc {
	signer := NewLocalSigner(key)
	return func(_ context.Context, n networks.Network, ec *ethclient.Client) (common.Address, chain.Submitter, error) {
		sub, err := NewKeySubmitter(ec, signer, SubmitterConfig{
			ChainID:   new(big.Int).SetUint64(n.ChainID),
			MinTipCap: minTipCap,
		})
		if err != nil {
			return common.Address{}, nil, err
		}
		return signer.Address(), sub, nil
	}
}
