package httpapi

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/eth"
	"github.com/juno-intents/stacks-bridge/internal/networks"
)

// RemoteWallet binds the remote signer to the chain it reports. Other chains stay read-only.
func RemoteWallet(c *Client) eth.WalletFunc {
	return func(ctx context.Context, n networks.Network, _ *ethclient.Client) (common.Address, chain.Submitter, error) {
		acct, err := c.Account(ctx)
		if err != nil {
			return common.Address{}, nil, err
		}
		if acct.ChainID != n.ChainID {
			return common.Address{}, nil, nil
		}
		return common.HexToAddress(acct.Address), c, nil
	}
}
