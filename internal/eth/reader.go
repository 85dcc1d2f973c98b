package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/juno-intents/stacks-bridge/internal/chain"
)

var ErrInvalidReaderConfig = errors.New("eth: invalid reader config")

// ReadBackend is the subset of *ethclient.Client the reader needs.
type ReadBackend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// RetryPolicy bounds retries of transient read failures. Attempt numbers passed to Backoff start
// at 1.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(250*time.Millisecond, 2*time.Second),
	}
}

// ExponentialBackoff doubles base per attempt, capped at limit.
func ExponentialBackoff(base, limit time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < limit; i++ {
			d *= 2
		}
		if d > limit {
			d = limit
		}
		return d
	}
}

type ReaderConfig struct {
	Retry RetryPolicy

	// PollInterval is the receipt polling period inside WaitForConfirmation.
	PollInterval time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// RPCReader implements chain.Reader over a JSON-RPC node.
type RPCReader struct {
	backend ReadBackend
	cfg     ReaderConfig
}

var _ chain.Reader = (*RPCReader)(nil)

func NewRPCReader(backend ReadBackend, cfg ReaderConfig) (*RPCReader, error) {
	if backend == nil {
		return nil, ErrInvalidReaderConfig
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = func(int) time.Duration { return 0 }
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &RPCReader{backend: backend, cfg: cfg}, nil
}

func callMsg(c chain.CallSpec) ethereum.CallMsg {
	to := c.To
	return ethereum.CallMsg{
		From:  c.From,
		To:    &to,
		Value: c.Value,
		Data:  c.Data,
	}
}

func (r *RPCReader) SimulateCall(ctx context.Context, call chain.CallSpec) (uint64, error) {
	var gas uint64
	err := r.retry(ctx, func() error {
		var err error
		gas, err = r.backend.EstimateGas(ctx, callMsg(call))
		return err
	})
	return gas, err
}

func (r *RPCReader) ReadState(ctx context.Context, call chain.CallSpec) ([]byte, error) {
	var out []byte
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.backend.CallContract(ctx, callMsg(call), nil)
		return err
	})
	return out, err
}

func (r *RPCReader) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	err := r.retry(ctx, func() error {
		var err error
		h, err = r.backend.BlockNumber(ctx)
		return err
	})
	return h, err
}

func (r *RPCReader) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := r.retry(ctx, func() error {
		var err error
		tip, err = r.backend.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (r *RPCReader) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	var header *types.Header
	err := r.retry(ctx, func() error {
		var err error
		header, err = r.backend.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if header == nil || header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, fmt.Errorf("eth: missing baseFee in latest header")
	}
	return new(big.Int).Set(header.BaseFee), nil
}

func (r *RPCReader) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := r.retry(ctx, func() error {
		var err error
		bal, err = r.backend.BalanceAt(ctx, account, nil)
		return err
	})
	return bal, err
}

// WaitForConfirmation polls for the receipt of txHash until it is mined, ctx ends, or timeout
// (when > 0) elapses. The receipt status is not checked; see chain.CheckReceipt.
func (r *RPCReader) WaitForConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		var receipt *types.Receipt
		err := r.retry(ctx, func() error {
			var err error
			receipt, err = r.backend.TransactionReceipt(ctx, txHash)
			return err
		})
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, r.waitErr(parent, txHash, timeout, err)
		}
		if err := r.cfg.Sleep(ctx, r.cfg.PollInterval); err != nil {
			return nil, r.waitErr(parent, txHash, timeout, err)
		}
	}
}

func (r *RPCReader) waitErr(parent context.Context, txHash common.Hash, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: tx %s not mined within %s", chain.ErrConfirmationTimeout, txHash, timeout)
	}
	return err
}

func (r *RPCReader) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.Retry.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(ctx, err) || attempt == r.cfg.Retry.MaxAttempts {
			return err
		}
		if serr := r.cfg.Sleep(ctx, r.cfg.Retry.Backoff(attempt)); serr != nil {
			return err
		}
	}
	return err
}

// retryable excludes results a retry cannot change: missing data, reverts and cancellation.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return false
	}
	return !strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
