// Package gas produces gas limits and EIP-1559 fee parameters for bridge transactions.
//
// Estimation never fails the caller: a failed simulation yields a per-kind fallback limit and a
// failed fee lookup leaves the fee fields for the submitter to choose.
package gas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/eth"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidPolicy = errors.New("gas: invalid fee policy")

// Kind selects the fallback gas limit.
type Kind string

const (
	KindApproval Kind = "approval"
	KindDeposit  Kind = "deposit"
)

const (
	FallbackApprovalGas uint64 = 150_000
	FallbackDepositGas  uint64 = 500_000
)

// Fallback returns the conservative gas limit used when simulation fails.
func (k Kind) Fallback() uint64 {
	if k == KindApproval {
		return FallbackApprovalGas
	}
	return FallbackDepositGas
}

// WithBuffer returns floor(est * 1.2) without overflowing for large estimates. Saturates at the
// uint64 maximum.
func WithBuffer(est uint64) uint64 {
	q, r := est/10, est%10
	const limit = ^uint64(0)
	if q > (limit-12*r/10)/12 {
		return limit
	}
	return 12*q + 12*r/10
}

// EstimateCallGas simulates call and adds a 20% buffer. Any failure, including a zero
// simulation result, returns kind's fallback.
func EstimateCallGas(ctx context.Context, r chain.Reader, call chain.CallSpec, kind Kind) uint64 {
	limit, _ := estimate(ctx, r, call, kind)
	return limit
}

func estimate(ctx context.Context, r chain.Reader, call chain.CallSpec, kind Kind) (uint64, error) {
	if r == nil {
		return kind.Fallback(), errors.New("gas: nil reader")
	}
	sim, err := r.SimulateCall(ctx, call)
	if err != nil {
		return kind.Fallback(), err
	}
	if sim == 0 {
		return kind.Fallback(), errors.New("gas: simulation returned zero")
	}
	return WithBuffer(sim), nil
}

// FeePolicy tunes the node's suggested tip for faster inclusion.
type FeePolicy struct {
	// PriorityFeeBumpPercent is added on top of the suggested tip.
	PriorityFeeBumpPercent int
	// MinTipCap floors the tip after the bump. Nil means zero.
	MinTipCap *big.Int
}

type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// OptimizedFeeData returns tip = max(suggested*(100+bump)/100, minTip) and
// maxFee = 2*baseFee + tip.
func OptimizedFeeData(ctx context.Context, r chain.Reader, p FeePolicy) (FeeData, error) {
	if p.PriorityFeeBumpPercent < 0 || (p.MinTipCap != nil && p.MinTipCap.Sign() < 0) {
		return FeeData{}, ErrInvalidPolicy
	}
	if r == nil {
		return FeeData{}, errors.New("gas: nil reader")
	}
	minTip := p.MinTipCap
	if minTip == nil {
		minTip = new(big.Int)
	}

	suggested, err := r.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeData{}, fmt.Errorf("gas: suggest tip: %w", err)
	}
	baseFee, err := r.LatestBaseFee(ctx)
	if err != nil {
		return FeeData{}, fmt.Errorf("gas: base fee: %w", err)
	}
	bumped, err := eth.BumpPercent(suggested, p.PriorityFeeBumpPercent)
	if err != nil {
		return FeeData{}, fmt.Errorf("gas: bump tip: %w", err)
	}
	tip, fee, err := eth.Calc1559Fees(baseFee, bumped, minTip)
	if err != nil {
		return FeeData{}, fmt.Errorf("gas: fee caps: %w", err)
	}
	return FeeData{MaxFeePerGas: fee, MaxPriorityFeePerGas: tip}, nil
}

// TxParams parametrises one submission. Nil fee fields mean "submitter default".
type TxParams struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Apply copies p onto a TxSpec for call.
func (p TxParams) Apply(call chain.CallSpec) chain.TxSpec {
	return chain.TxSpec{
		CallSpec:             call,
		GasLimit:             p.GasLimit,
		MaxFeePerGas:         p.MaxFeePerGas,
		MaxPriorityFeePerGas: p.MaxPriorityFeePerGas,
	}
}

type Estimator struct {
	policy FeePolicy
	log    *slog.Logger
}

func NewEstimator(policy FeePolicy, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Estimator{policy: policy, log: log}
}

// WithPolicy returns an estimator sharing e's logger with a different fee policy.
func (e *Estimator) WithPolicy(p FeePolicy) *Estimator {
	return &Estimator{policy: p, log: e.log}
}

// Params runs gas estimation and the fee lookup concurrently and waits for both. Failures are
// logged and absorbed.
func (e *Estimator) Params(ctx context.Context, r chain.Reader, call chain.CallSpec, kind Kind) TxParams {
	var (
		params TxParams
		fees   FeeData
		gasErr error
		feeErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		params.GasLimit, gasErr = estimate(ctx, r, call, kind)
		return nil
	})
	g.Go(func() error {
		fees, feeErr = OptimizedFeeData(ctx, r, e.policy)
		return nil
	})
	_ = g.Wait()

	if gasErr != nil {
		e.log.Warn("gas simulation failed; using fallback", "kind", string(kind), "to", call.To, "gasLimit", params.GasLimit, "err", gasErr)
	}
	if feeErr != nil {
		e.log.Warn("fee lookup failed; leaving fees to submitter", "kind", string(kind), "err", feeErr)
	} else {
		params.MaxFeePerGas = fees.MaxFeePerGas
		params.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas
	}
	return params
}
