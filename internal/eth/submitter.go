package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/stacks-bridge/internal/chain"
)

var (
	ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")
	ErrFromMismatch           = errors.New("eth: from does not match signer")
)

type SubmitBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type SubmitterConfig struct {
	ChainID *big.Int

	// GasLimitMultiplier applies to the submitter's own estimate when the caller leaves the gas
	// limit unset.
	GasLimitMultiplier float64
	MinTipCap          *big.Int
}

// KeySubmitter signs dynamic-fee transactions with a local key and broadcasts them. It does not
// wait for inclusion; that is chain.Reader.WaitForConfirmation.
type KeySubmitter struct {
	backend SubmitBackend
	signer  Signer
	nonces  *NonceManager
	cfg     SubmitterConfig

	// mu serializes nonce allocation with broadcast so a failed send never leaves a gap.
	mu sync.Mutex
}

var _ chain.Submitter = (*KeySubmitter)(nil)

func NewKeySubmitter(backend SubmitBackend, signer Signer, cfg SubmitterConfig) (*KeySubmitter, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSubmitterConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: signer without address", ErrInvalidSubmitterConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	return &KeySubmitter{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

func (s *KeySubmitter) Account() common.Address { return s.signer.Address() }

func (s *KeySubmitter) Submit(ctx context.Context, spec chain.TxSpec) (common.Hash, error) {
	from := s.signer.Address()
	if spec.From != (common.Address{}) && spec.From != from {
		return common.Hash{}, fmt.Errorf("%w: %s != %s", ErrFromMismatch, spec.From, from)
	}

	value := spec.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := spec.GasLimit
	if gasLimit == 0 {
		to := spec.To
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  spec.Data,
		})
		if err != nil {
			return common.Hash{}, err
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	tipCap, feeCap, err := s.fees(ctx, spec.MaxPriorityFeePerGas, spec.MaxFeePerGas)
	if err != nil {
		return common.Hash{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.nonces.Sync(ctx); err != nil {
		return common.Hash{}, err
	}
	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	to := spec.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      spec.Data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		s.nonces.Invalidate()
		return common.Hash{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nonces.Invalidate()
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// fees fills whichever of tip and fee cap the caller left nil from the network, and keeps
// feeCap >= tipCap.
func (s *KeySubmitter) fees(ctx context.Context, tip, fee *big.Int) (*big.Int, *big.Int, error) {
	if tip == nil || fee == nil {
		suggested, err := s.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, nil, err
		}
		header, err := s.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, nil, err
		}
		if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
			return nil, nil, fmt.Errorf("eth: missing baseFee in latest header")
		}
		defTip, defFee, err := Calc1559Fees(header.BaseFee, suggested, s.cfg.MinTipCap)
		if err != nil {
			return nil, nil, err
		}
		if tip == nil {
			tip = defTip
		}
		if fee == nil {
			fee = defFee
		}
	}
	if tip.Sign() < 0 || fee.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if fee.Cmp(tip) < 0 {
		fee = new(big.Int).Set(tip)
	}
	return new(big.Int).Set(tip), new(big.Int).Set(fee), nil
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
