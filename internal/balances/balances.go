// Package balances reads a connected account's USDC and native gas balances.
package balances

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/juno-intents/stacks-bridge/internal/amount"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"golang.org/x/sync/errgroup"
)

type Balance struct {
	ChainID uint64         `json:"chainId"`
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`

	// USDC is in token smallest units; USDCDisplay is rounded to 2 decimals.
	USDC        *big.Int `json:"usdc"`
	USDCDisplay string   `json:"usdcDisplay"`

	// Native is in wei.
	Native        *big.Int `json:"native"`
	NativeDisplay string   `json:"nativeDisplay"`

	// Block is the height the reads were issued at.
	Block uint64 `json:"block"`
}

// CanBridge reports whether the account holds at least units of USDC.
func (b Balance) CanBridge(units uint64) bool {
	return b.USDC != nil && b.USDC.Cmp(new(big.Int).SetUint64(units)) >= 0
}

// HasGas reports whether any native balance is left for fees.
func (b Balance) HasGas() bool {
	return b.Native != nil && b.Native.Sign() > 0
}

type Fetcher struct {
	registry *chain.Registry
}

func NewFetcher(r *chain.Registry) *Fetcher {
	return &Fetcher{registry: r}
}

// Fetch reads both balances concurrently. Every call hits the chain.
func (f *Fetcher) Fetch(ctx context.Context, chainID uint64, account common.Address) (Balance, error) {
	c, err := f.registry.Get(chainID)
	if err != nil {
		return Balance{}, err
	}
	return Read(ctx, c.Reader, c.Network.ChainID, c.Network.Token, account)
}

func Read(ctx context.Context, r chain.Reader, chainID uint64, token, account common.Address) (Balance, error) {
	out := Balance{ChainID: chainID, Account: account, Token: token}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := bridgeabi.PackBalanceOf(account)
		if err != nil {
			return err
		}
		raw, err := r.ReadState(gctx, chain.CallSpec{From: account, To: token, Data: data})
		if err != nil {
			return fmt.Errorf("balances: read usdc: %w", err)
		}
		v, err := bridgeabi.UnpackBalanceOf(raw)
		if err != nil {
			return fmt.Errorf("balances: decode usdc: %w", err)
		}
		out.USDC = v
		return nil
	})
	g.Go(func() error {
		v, err := r.BalanceAt(gctx, account)
		if err != nil {
			return fmt.Errorf("balances: read native: %w", err)
		}
		out.Native = v
		return nil
	})
	g.Go(func() error {
		h, err := r.CurrentBlockHeight(gctx)
		if err != nil {
			return fmt.Errorf("balances: block height: %w", err)
		}
		out.Block = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return Balance{}, err
	}

	out.USDCDisplay = formatUnits(out.USDC)
	out.NativeDisplay = formatWei(out.Native)
	return out, nil
}

func formatUnits(v *big.Int) string {
	if v.IsUint64() {
		return amount.Format(v.Uint64())
	}
	return new(big.Rat).SetFrac(v, big.NewInt(1_000_000)).FloatString(2)
}

// formatWei renders wei as ether with 6 decimals.
func formatWei(v *big.Int) string {
	return new(big.Rat).SetFrac(v, big.NewInt(params.Ether)).FloatString(6)
}
