// Package bridgeabi packs and unpacks the ERC-20 and xReserve bridge calls the pipeline issues.
package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("bridgeabi: invalid input")

const (
	MethodApprove         = "approve"
	MethodAllowance       = "allowance"
	MethodBalanceOf       = "balanceOf"
	MethodDepositToRemote = "depositToRemote"
)

// DepositParams mirrors the arguments of depositToRemote on the bridge contract.
type DepositParams struct {
	Value           *big.Int
	RemoteDomain    uint32
	RemoteRecipient [32]byte
	LocalToken      common.Address
	MaxFee          *big.Int
	HookData        []byte
}

var (
	initOnce sync.Once
	initErr  error

	erc20ABI  abi.ABI
	bridgeABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: parse erc20 ABI: %w", err)
			return
		}
		bridgeABI, err = abi.JSON(strings.NewReader(bridgeABIJSON))
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: parse bridge ABI: %w", err)
			return
		}
	})
	return initErr
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (spender == common.Address{}) {
		return nil, fmt.Errorf("%w: spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be >= 0", ErrInvalidInput)
	}
	b, err := erc20ABI.Pack(MethodApprove, spender, amount)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack approve: %w", err)
	}
	return b, nil
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack(MethodAllowance, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack allowance: %w", err)
	}
	return b, nil
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack(MethodBalanceOf, account)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack balanceOf: %w", err)
	}
	return b, nil
}

// UnpackAllowance decodes the return data of an allowance call.
func UnpackAllowance(ret []byte) (*big.Int, error) {
	return unpackUint256(MethodAllowance, ret)
}

// UnpackBalanceOf decodes the return data of a balanceOf call.
func UnpackBalanceOf(ret []byte) (*big.Int, error) {
	return unpackUint256(MethodBalanceOf, ret)
}

func unpackUint256(method string, ret []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("bridgeabi: unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("bridgeabi: unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

func PackDepositToRemote(p DepositParams) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if p.Value == nil || p.Value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: value must be > 0", ErrInvalidInput)
	}
	if (p.LocalToken == common.Address{}) {
		return nil, fmt.Errorf("%w: local token must be non-zero", ErrInvalidInput)
	}
	if p.RemoteRecipient == [32]byte{} {
		return nil, fmt.Errorf("%w: remote recipient must be non-zero", ErrInvalidInput)
	}
	maxFee := p.MaxFee
	if maxFee == nil {
		maxFee = new(big.Int)
	}
	if maxFee.Sign() < 0 {
		return nil, fmt.Errorf("%w: max fee must be >= 0", ErrInvalidInput)
	}
	hook := p.HookData
	if hook == nil {
		hook = []byte{}
	}

	b, err := bridgeABI.Pack(MethodDepositToRemote, p.Value, p.RemoteDomain, p.RemoteRecipient, p.LocalToken, maxFee, hook)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack depositToRemote: %w", err)
	}
	return b, nil
}

// UnpackDepositToRemote decodes depositToRemote calldata, selector included.
func UnpackDepositToRemote(calldata []byte) (DepositParams, error) {
	if err := initABI(); err != nil {
		return DepositParams{}, err
	}
	m, err := bridgeABI.MethodById(calldata)
	if err != nil || m.Name != MethodDepositToRemote {
		return DepositParams{}, fmt.Errorf("%w: not a depositToRemote call", ErrInvalidInput)
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return DepositParams{}, fmt.Errorf("bridgeabi: unpack depositToRemote: %w", err)
	}
	if len(vals) != 6 {
		return DepositParams{}, fmt.Errorf("bridgeabi: unpack depositToRemote: got %d values", len(vals))
	}
	var p DepositParams
	var ok bool
	if p.Value, ok = vals[0].(*big.Int); !ok {
		return DepositParams{}, fmt.Errorf("%w: value type %T", ErrInvalidInput, vals[0])
	}
	if p.RemoteDomain, ok = vals[1].(uint32); !ok {
		return DepositParams{}, fmt.Errorf("%w: remote domain type %T", ErrInvalidInput, vals[1])
	}
	if p.RemoteRecipient, ok = vals[2].([32]byte); !ok {
		return DepositParams{}, fmt.Errorf("%w: remote recipient type %T", ErrInvalidInput, vals[2])
	}
	if p.LocalToken, ok = vals[3].(common.Address); !ok {
		return DepositParams{}, fmt.Errorf("%w: local token type %T", ErrInvalidInput, vals[3])
	}
	if p.MaxFee, ok = vals[4].(*big.Int); !ok {
		return DepositParams{}, fmt.Errorf("%w: max fee type %T", ErrInvalidInput, vals[4])
	}
	if p.HookData, ok = vals[5].([]byte); !ok {
		return DepositParams{}, fmt.Errorf("%w: hook data type %T", ErrInvalidInput, vals[5])
	}
	return p, nil
}

// MethodName resolves the 4-byte selector of calldata against the ERC-20 and bridge ABIs.
func MethodName(calldata []byte) (string, error) {
	if err := initABI(); err != nil {
		return "", err
	}
	if len(calldata) < 4 {
		return "", fmt.Errorf("%w: calldata shorter than selector", ErrInvalidInput)
	}
	if m, err := erc20ABI.MethodById(calldata[:4]); err == nil {
		return m.Name, nil
	}
	if m, err := bridgeABI.MethodById(calldata[:4]); err == nil {
		return m.Name, nil
	}
	return "", fmt.Errorf("%w: unknown selector %x", ErrInvalidInput, calldata[:4])
}

const erc20ABIJSON = `[
  {
    "inputs": [
      {"internalType":"address","name":"spender","type":"address"},
      {"internalType":"uint256","name":"value","type":"uint256"}
    ],
    "name":"approve",
    "outputs":[{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"address","name":"owner","type":"address"},
      {"internalType":"address","name":"spender","type":"address"}
    ],
    "name":"allowance",
    "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"address","name":"account","type":"address"}
    ],
    "name":"balanceOf",
    "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  }
]`

const bridgeABIJSON = `[
  {
    "inputs": [
      {"internalType":"uint256","name":"value","type":"uint256"},
      {"internalType":"uint32","name":"remoteDomain","type":"uint32"},
      {"internalType":"bytes32","name":"remoteRecipient","type":"bytes32"},
      {"internalType":"address","name":"localToken","type":"address"},
      {"internalType":"uint256","name":"maxFee","type":"uint256"},
      {"internalType":"bytes","name":"hookData","type":"bytes"}
    ],
    "name":"depositToRemote",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
