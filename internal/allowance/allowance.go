// Package allowance keeps the bridge contract's ERC-20 spending allowance sufficient for a
// deposit.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/gas"
)

var (
	ErrInvalidConfig  = errors.New("allowance: invalid config")
	ErrInvalidRequest = errors.New("allowance: invalid request")
)

// DefaultMaxApproval is the largest single grant, in token smallest units (1000 USDC).
const DefaultMaxApproval uint64 = 1_000_000_000

const DefaultConfirmTimeout = 5 * time.Minute

// CurrentAllowance reads allowance(owner, spender) on token. Every call goes to the chain.
func CurrentAllowance(ctx context.Context, r chain.Reader, token, owner, spender common.Address) (*big.Int, error) {
	data, err := bridgeabi.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	ret, err := r.ReadState(ctx, chain.CallSpec{From: owner, To: token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("allowance: read: %w", err)
	}
	v, err := bridgeabi.UnpackAllowance(ret)
	if err != nil {
		return nil, fmt.Errorf("allowance: decode: %w", err)
	}
	return v, nil
}

type Config struct {
	Estimator *gas.Estimator

	// MaxApproval caps each grant. Defaults to DefaultMaxApproval.
	MaxApproval *big.Int

	ConfirmTimeout time.Duration

	Log *slog.Logger
}

type Manager struct {
	est            *gas.Estimator
	maxApproval    *big.Int
	confirmTimeout time.Duration
	log            *slog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Estimator == nil {
		cfg.Estimator = gas.NewEstimator(gas.FeePolicy{}, cfg.Log)
	}
	if cfg.MaxApproval == nil {
		cfg.MaxApproval = new(big.Int).SetUint64(DefaultMaxApproval)
	}
	if cfg.MaxApproval.Sign() <= 0 {
		return nil, fmt.Errorf("%w: max approval must be > 0", ErrInvalidConfig)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Manager{
		est:            cfg.Estimator,
		maxApproval:    new(big.Int).Set(cfg.MaxApproval),
		confirmTimeout: cfg.ConfirmTimeout,
		log:            cfg.Log,
	}, nil
}

func (m *Manager) MaxApproval() *big.Int { return new(big.Int).Set(m.maxApproval) }

type Request struct {
	Reader    chain.Reader
	Submitter chain.Submitter

	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int

	// Estimator overrides the manager's estimator, e.g. with a per-chain fee policy.
	Estimator *gas.Estimator
}

type Outcome struct {
	// Current is the allowance read before any transaction.
	Current *big.Int

	// ResetTxHash is set when a residual allowance was first cleared to zero.
	ResetTxHash *common.Hash
	// ApprovalTxHash and Approved are set when a grant was submitted and confirmed.
	ApprovalTxHash *common.Hash
	Approved       *big.Int
}

// Sufficient reports whether the existing allowance already covered the request.
func (o Outcome) Sufficient() bool { return o.ApprovalTxHash == nil }

// EnsureAllowance makes allowance(owner, spender) at least min(amount, MaxApproval).
//
// A residual allowance strictly between zero and amount is first reset to zero and the reset is
// confirmed on chain before the new grant is submitted. Each submission blocks until mined.
func (m *Manager) EnsureAllowance(ctx context.Context, req Request) (Outcome, error) {
	if req.Reader == nil || req.Submitter == nil {
		return Outcome{}, fmt.Errorf("%w: missing chain capabilities", ErrInvalidRequest)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Outcome{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if req.Token == (common.Address{}) || req.Spender == (common.Address{}) || req.Owner == (common.Address{}) {
		return Outcome{}, fmt.Errorf("%w: zero address", ErrInvalidRequest)
	}
	est := req.Estimator
	if est == nil {
		est = m.est
	}

	current, err := CurrentAllowance(ctx, req.Reader, req.Token, req.Owner, req.Spender)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Current: current}
	if current.Cmp(req.Amount) >= 0 {
		m.log.Info("allowance sufficient", "owner", req.Owner, "spender", req.Spender, "allowance", current)
		return out, nil
	}

	if current.Sign() > 0 {
		h, err := m.approve(ctx, est, req, new(big.Int))
		if err != nil {
			return out, fmt.Errorf("allowance: reset to zero: %w", err)
		}
		out.ResetTxHash = &h
	}

	grant := new(big.Int).Set(req.Amount)
	if grant.Cmp(m.maxApproval) > 0 {
		m.log.Warn("requested amount exceeds approval ceiling", "amount", req.Amount, "ceiling", m.maxApproval)
		grant.Set(m.maxApproval)
	}
	h, err := m.approve(ctx, est, req, grant)
	if err != nil {
		return out, fmt.Errorf("allowance: approve: %w", err)
	}
	out.ApprovalTxHash = &h
	out.Approved = grant
	return out, nil
}

// approve submits approve(spender, value) and blocks until it is mined successfully.
func (m *Manager) approve(ctx context.Context, est *gas.Estimator, req Request, value *big.Int) (common.Hash, error) {
	data, err := bridgeabi.PackApprove(req.Spender, value)
	if err != nil {
		return common.Hash{}, err
	}
	call := chain.CallSpec{From: req.Owner, To: req.Token, Data: data, Value: new(big.Int)}
	params := est.Params(ctx, req.Reader, call, gas.KindApproval)

	h, err := req.Submitter.Submit(ctx, params.Apply(call))
	if err != nil {
		return common.Hash{}, err
	}
	m.log.Info("approval submitted", "owner", req.Owner, "spender", req.Spender, "value", value, "txHash", h, "gasLimit", params.GasLimit)

	receipt, err := req.Reader.WaitForConfirmation(ctx, h, m.confirmTimeout)
	if err != nil {
		return h, err
	}
	if err := chain.CheckReceipt(receipt); err != nil {
		return h, fmt.Errorf("%w: %s", err, h)
	}
	return h, nil
}
