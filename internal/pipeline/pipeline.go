// Package pipeline orchestrates one USDC bridge transfer from an EVM chain to a Stacks
// recipient: allowance check and optional approval, deposit submission, and confirmation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/juno-intents/stacks-bridge/internal/allowance"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/gas"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

// User-facing messages.
const (
	MsgConnectWallet = "connect wallet"
	MsgInvalidAmount = "invalid amount"
	MsgCancelled     = "Transaction cancelled"
)

var (
	ErrBusy          = errors.New("pipeline: execution already in progress")
	ErrInvalidConfig = errors.New("pipeline: invalid config")

	// ErrValidation wraps every user-correctable rejection below.
	ErrValidation         = errors.New("pipeline: validation failed")
	ErrWalletNotConnected = errors.New(MsgConnectWallet)
	ErrInvalidAmount      = errors.New(MsgInvalidAmount)
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrWrongChain         = errors.New("wallet is connected to a different chain")
	ErrMinAmountOut       = errors.New("amount received would be below the minimum")

	// ErrSubmission wraps approval, deposit and confirmation failures.
	ErrSubmission = errors.New("pipeline: submission failed")
	ErrCancelled  = errors.New("pipeline: transaction cancelled")
)

// BridgeMaxFee is the maxFee argument of every deposit, in token smallest units.
const BridgeMaxFee uint64 = 0

// hookData is the opaque hookData argument of every deposit.
var hookData = []byte{}

const DefaultConfirmTimeout = 5 * time.Minute

// Request is one user submission. It is not modified once accepted.
type Request struct {
	// Amount is in token smallest units (6 decimals).
	Amount    uint64         `json:"amount"`
	Recipient string         `json:"recipient"`
	Account   common.Address `json:"account"`
	ChainID   uint64         `json:"chainId"`
	// MinAmountOut, when set, is the least the recipient may receive after bridge fees.
	MinAmountOut *uint64 `json:"minAmountOut,omitempty"`
}

// Wallet is the connected account and its chain capabilities.
type Wallet struct {
	Account   common.Address
	ChainID   uint64
	Reader    chain.Reader
	Submitter chain.Submitter
}

// WalletFromClient adapts a registry client.
func WalletFromClient(c chain.Client) Wallet {
	return Wallet{
		Account:   c.Account,
		ChainID:   c.Network.ChainID,
		Reader:    c.Reader,
		Submitter: c.Submitter,
	}
}

func (w Wallet) connected() bool {
	return w.Account != (common.Address{}) && w.Reader != nil && w.Submitter != nil
}

type Config struct {
	Networks  *networks.Table
	Allowance *allowance.Manager
	Estimator *gas.Estimator

	// MinTipCap floors the priority fee of every transaction. Nil means zero.
	MinTipCap *big.Int

	ConfirmTimeout time.Duration

	// OnTransition observes every state change, in order, after it is applied.
	OnTransition func(Snapshot)

	Log *slog.Logger
	Now func() time.Time
}

// Pipeline is a single session's bridge executor. It runs at most one Execute at a time.
type Pipeline struct {
	cfg Config

	mu     sync.Mutex
	snap   Snapshot
	seq    uint64
	cancel context.CancelFunc

	// notifyMu orders OnTransition calls; notified is the seq of the last delivered snapshot.
	notifyMu sync.Mutex
	notified uint64
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Networks == nil {
		return nil, fmt.Errorf("%w: nil network table", ErrInvalidConfig)
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Estimator == nil {
		cfg.Estimator = gas.NewEstimator(gas.FeePolicy{}, cfg.Log)
	}
	if cfg.Allowance == nil {
		m, err := allowance.NewManager(allowance.Config{
			Estimator:      cfg.Estimator,
			ConfirmTimeout: cfg.ConfirmTimeout,
			Log:            cfg.Log,
		})
		if err != nil {
			return nil, err
		}
		cfg.Allowance = m
	}
	return &Pipeline{cfg: cfg, snap: Snapshot{State: StateIdle}}, nil
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *Pipeline) State() State {
	return p.Snapshot().State
}

// Validate reports the error Execute would reject req with, without touching the chain or
// the pipeline state.
func (p *Pipeline) Validate(w Wallet, req Request) error {
	_, err := p.validate(w, req)
	return err
}

// Reset returns the pipeline to idle from any state. An in-flight run is detached and its
// context cancelled; transactions it already broadcast are not recalled.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.snap = Snapshot{State: StateIdle, UpdatedAt: p.cfg.Now()}
	p.seq++
	seq, snap := p.seq, p.snap
	p.mu.Unlock()

	p.notify(seq, snap)
}

// Execute runs one transfer to completion. It returns ErrBusy, leaving the running execution
// untouched, when called while another is approving or bridging.
func (p *Pipeline) Execute(ctx context.Context, w Wallet, req Request) (Result, error) {
	p.mu.Lock()
	if p.snap.State.InFlight() {
		p.mu.Unlock()
		return Result{}, ErrBusy
	}

	now := p.cfg.Now()
	runID := uuid.NewString()
	reqCopy := req
	if reqCopy.Account == (common.Address{}) {
		reqCopy.Account = w.Account
	}
	if reqCopy.ChainID == 0 {
		reqCopy.ChainID = w.ChainID
	}
	p.snap = Snapshot{RunID: runID, State: StateIdle, Request: &reqCopy, StartedAt: now, UpdatedAt: now}

	plan, err := p.validate(w, req)
	if err != nil {
		p.snap.State = StateError
		p.snap.FailedStep = StateIdle
		p.snap.Message = userMessage(err)
		p.seq++
		seq, snap := p.seq, p.snap
		p.mu.Unlock()

		p.cfg.Log.Info("bridge request rejected", "runID", runID, "chainID", req.ChainID, "reason", snap.Message)
		p.notify(seq, snap)
		return Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel
	p.snap.State = StateApproving
	p.seq++
	seq, snap := p.seq, p.snap
	p.mu.Unlock()

	p.notify(seq, snap)
	log := p.cfg.Log.With("runID", runID, "chainID", plan.network.ChainID, "account", w.Account)
	log.Info("bridge started", "amount", req.Amount, "recipient", req.Recipient)

	res, step, err := p.run(runCtx, log, runID, w, plan)
	if err != nil {
		msg := userMessage(err)
		var out error
		if chain.IsUserRejection(err) {
			out = fmt.Errorf("%w: %w", ErrCancelled, err)
			log.Info("bridge cancelled by user", "step", string(step))
		} else {
			out = fmt.Errorf("%w: %w", ErrSubmission, err)
			log.Error("bridge failed", "step", string(step), "err", err)
		}
		p.update(runID, func(s *Snapshot) {
			s.State = StateError
			s.FailedStep = step
			s.Message = msg
		})
		return Result{}, out
	}

	p.update(runID, func(s *Snapshot) {
		s.State = StateSuccess
		r := res
		s.Result = &r
	})
	log.Info("bridge confirmed", "bridgeTxHash", res.BridgeTxHash, "block", res.BlockNumber)
	return res, nil
}

type plan struct {
	network   networks.Network
	amount    *big.Int
	recipient [32]byte
	estimator *gas.Estimator
}

// validate gates every on-chain call. It does no I/O.
func (p *Pipeline) validate(w Wallet, req Request) (plan, error) {
	if !w.connected() {
		return plan{}, fmt.Errorf("%w: %w", ErrValidation, ErrWalletNotConnected)
	}
	if req.Amount == 0 {
		return plan{}, fmt.Errorf("%w: %w", ErrValidation, ErrInvalidAmount)
	}
	if req.Account != (common.Address{}) && req.Account != w.Account {
		return plan{}, fmt.Errorf("%w: %w: request account %s, wallet %s", ErrValidation, ErrWalletNotConnected, req.Account, w.Account)
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = w.ChainID
	}
	if w.ChainID != 0 && chainID != w.ChainID {
		return plan{}, fmt.Errorf("%w: %w: request %d, wallet %d", ErrValidation, ErrWrongChain, chainID, w.ChainID)
	}

	net, err := p.cfg.Networks.Lookup(chainID)
	if err != nil {
		return plan{}, err
	}

	v := stacksaddr.ValidateForNetwork(req.Recipient, net.StacksNetwork())
	if !v.Valid {
		return plan{}, fmt.Errorf("%w: %w: %s", ErrValidation, ErrInvalidRecipient, v.Reason)
	}
	recipient, err := stacksaddr.EncodeRecipient(req.Recipient)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %w: %v", ErrValidation, ErrInvalidRecipient, err)
	}

	if req.MinAmountOut != nil && req.Amount-BridgeMaxFee < *req.MinAmountOut {
		return plan{}, fmt.Errorf("%w: %w", ErrValidation, ErrMinAmountOut)
	}

	return plan{
		network:   net,
		amount:    new(big.Int).SetUint64(req.Amount),
		recipient: recipient,
		estimator: p.cfg.Estimator.WithPolicy(gas.FeePolicy{
			PriorityFeeBumpPercent: net.PriorityFeeBumpPercent,
			MinTipCap:              p.cfg.MinTipCap,
		}),
	}, nil
}

// run performs the on-chain steps and reports the step that failed.
func (p *Pipeline) run(ctx context.Context, log *slog.Logger, runID string, w Wallet, pl plan) (Result, State, error) {
	out, err := p.cfg.Allowance.EnsureAllowance(ctx, allowance.Request{
		Reader:    w.Reader,
		Submitter: w.Submitter,
		Token:     pl.network.Token,
		Owner:     w.Account,
		Spender:   pl.network.Bridge,
		Amount:    pl.amount,
		Estimator: pl.estimator,
	})
	if err != nil {
		return Result{}, StateApproving, err
	}
	if out.Sufficient() {
		log.Info("allowance sufficient", "allowance", out.Current)
	} else {
		log.Info("approval confirmed", "approvalTxHash", *out.ApprovalTxHash, "approved", out.Approved)
	}

	if !p.update(runID, func(s *Snapshot) {
		s.State = StateBridging
		s.ApprovalTxHash = out.ApprovalTxHash
	}) {
		return Result{}, StateApproving, context.Canceled
	}

	data, err := bridgeabi.PackDepositToRemote(bridgeabi.DepositParams{
		Value:           pl.amount,
		RemoteDomain:    pl.network.DestinationDomain,
		RemoteRecipient: pl.recipient,
		LocalToken:      pl.network.Token,
		MaxFee:          new(big.Int).SetUint64(BridgeMaxFee),
		HookData:        hookData,
	})
	if err != nil {
		return Result{}, StateBridging, err
	}
	call := chain.CallSpec{From: w.Account, To: pl.network.Bridge, Data: data, Value: new(big.Int)}
	params := pl.estimator.Params(ctx, w.Reader, call, gas.KindDeposit)

	h, err := w.Submitter.Submit(ctx, params.Apply(call))
	if err != nil {
		return Result{}, StateBridging, err
	}
	log.Info("deposit submitted", "bridgeTxHash", h, "gasLimit", params.GasLimit)
	p.update(runID, func(s *Snapshot) { s.BridgeTxHash = &h })

	receipt, err := w.Reader.WaitForConfirmation(ctx, h, p.cfg.ConfirmTimeout)
	if err != nil {
		return Result{}, StateBridging, err
	}
	if err := chain.CheckReceipt(receipt); err != nil {
		return Result{}, StateBridging, fmt.Errorf("%w: %s", err, h)
	}

	res := Result{
		ApprovalTxHash: out.ApprovalTxHash,
		ResetTxHash:    out.ResetTxHash,
		BridgeTxHash:   h,
		Network:        pl.network.StacksNetwork().String(),
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return res, StateBridging, nil
}

// update applies fn if runID still owns the pipeline and reports whether it did.
func (p *Pipeline) update(runID string, fn func(*Snapshot)) bool {
	p.mu.Lock()
	if p.snap.RunID != runID {
		p.mu.Unlock()
		return false
	}
	prev := p.snap.State
	fn(&p.snap)
	p.snap.UpdatedAt = p.cfg.Now()
	if !p.snap.State.InFlight() {
		p.cancel = nil
	}
	p.seq++
	seq, snap := p.seq, p.snap
	p.mu.Unlock()

	if snap.State != prev {
		p.notify(seq, snap)
	}
	return true
}

// notify delivers s unless a later snapshot was already delivered. A run that loses the race
// against Reset between unlocking and notifying is dropped, so observers never see a stale
// state after idle.
func (p *Pipeline) notify(seq uint64, s Snapshot) {
	if p.cfg.OnTransition == nil {
		return
	}
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if seq <= p.notified {
		return
	}
	p.notified = seq
	p.cfg.OnTransition(s)
}

// userMessage maps err to the message shown in StateError.
func userMessage(err error) string {
	switch {
	case chain.IsUserRejection(err):
		return MsgCancelled
	case errors.Is(err, ErrWalletNotConnected):
		return MsgConnectWallet
	case errors.Is(err, ErrInvalidAmount):
		return MsgInvalidAmount
	case errors.Is(err, ErrValidation):
		// Drop the package prefix; the rest is already user-facing.
		if msg, ok := strings.CutPrefix(err.Error(), ErrValidation.Error()+": "); ok {
			return msg
		}
	}
	return err.Error()
}
