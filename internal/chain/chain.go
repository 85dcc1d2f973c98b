// Package chain defines the read and sign-and-submit capabilities the bridge pipeline drives,
// plus the registry that binds them to configured networks.
package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrUserRejected        = errors.New("chain: user rejected the request")
	ErrReverted            = errors.New("chain: transaction reverted")
	ErrConfirmationTimeout = errors.New("chain: confirmation timeout")
	ErrInvalidRegistry     = errors.New("chain: invalid registry")
	ErrWalletNotConfigured = errors.New("chain: wallet not configured")
)

// CallSpec describes a contract call, either simulated or submitted.
type CallSpec struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// TxSpec is a CallSpec plus submission parameters. Zero GasLimit and nil fee fields mean the
// submitter picks its own defaults.
type TxSpec struct {
	CallSpec

	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Reader is read-only chain access. Implementations own their RPC timeouts and retries; callers
// treat every error as an ordinary failure.
type Reader interface {
	// SimulateCall returns the gas the call would use.
	SimulateCall(ctx context.Context, call CallSpec) (uint64, error)
	// ReadState executes the call against the latest state and returns its return data.
	ReadState(ctx context.Context, call CallSpec) ([]byte, error)
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	// WaitForConfirmation blocks until txHash is mined or timeout elapses.
	WaitForConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)

	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	LatestBaseFee(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Submitter signs and broadcasts a transaction, returning its hash without waiting for it to be
// mined. A wallet-level refusal surfaces as ErrUserRejected or an error IsUserRejection matches.
type Submitter interface {
	Submit(ctx context.Context, tx TxSpec) (common.Hash, error)
}

// CheckReceipt turns a failed receipt status into ErrReverted.
func CheckReceipt(r *types.Receipt) error {
	if r == nil {
		return ErrReverted
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return ErrReverted
	}
	return nil
}

// eip1193UserRejected is the provider error code wallets return for a refused request.
const eip1193UserRejected = 4001

var rejectionPhrases = []string{
	"user rejected",
	"user denied",
	"rejected the request",
	"user cancelled",
	"user canceled",
	"action_rejected",
	"request rejected",
}

// IsUserRejection reports whether err is a wallet-level cancellation rather than a chain failure.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == eip1193UserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rejectionPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
