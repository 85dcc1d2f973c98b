// Package chaintest provides an in-memory USDC + bridge ledger that implements chain.Reader and
// chain.Submitter for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/chain"
)

// Op names recorded in the ledger's event log.
const (
	OpReadAllowance = "read_allowance"
	OpReadBalance   = "read_balance"
	OpSimulate      = "simulate"
	OpSubmit        = "submit"
	OpConfirm       = "confirm"
)

type Event struct {
	Op     string
	Method string
	TxHash common.Hash
	// Value is the approve amount or deposit value for submit/confirm events.
	Value *big.Int
	// Allowance is the on-chain allowance of the sender at the time of the event.
	Allowance *big.Int
	Tx        chain.TxSpec
}

// Deposit is a confirmed depositToRemote call.
type Deposit struct {
	From   common.Address
	TxHash common.Hash
	bridgeabi.DepositParams
}

type pendingTx struct {
	from   common.Address
	spec   chain.TxSpec
	method string
}

// Ledger simulates one EVM chain holding a USDC-like token and a bridge contract. Submitted
// transactions take effect when WaitForConfirmation is called for them.
type Ledger struct {
	Token  common.Address
	Bridge common.Address

	mu         sync.Mutex
	allowances map[[2]common.Address]*big.Int
	balances   map[common.Address]*big.Int
	native     map[common.Address]*big.Int
	pending    map[common.Hash]pendingTx
	receipts   map[common.Hash]*types.Receipt
	events     []Event
	deposits   []Deposit
	height     uint64
	nonce      uint64

	simGas     uint64
	simErr     error
	tip        *big.Int
	baseFee    *big.Int
	feeErr     error
	submitErr  func(spec chain.TxSpec, method string) error
	confirmErr error
}

func NewLedger(token, bridge common.Address) *Ledger {
	return &Ledger{
		Token:      token,
		Bridge:     bridge,
		allowances: make(map[[2]common.Address]*big.Int),
		balances:   make(map[common.Address]*big.Int),
		native:     make(map[common.Address]*big.Int),
		pending:    make(map[common.Hash]pendingTx),
		receipts:   make(map[common.Hash]*types.Receipt),
		height:     100,
		simGas:     50_000,
		tip:        big.NewInt(1_000_000_000),
		baseFee:    big.NewInt(10_000_000_000),
	}
}

func (l *Ledger) SetAllowance(owner, spender common.Address, v uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[[2]common.Address{owner, spender}] = new(big.Int).SetUint64(v)
}

func (l *Ledger) SetBalance(owner common.Address, v uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = new(big.Int).SetUint64(v)
}

func (l *Ledger) SetNativeBalance(owner common.Address, v *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[owner] = new(big.Int).Set(v)
}

// SetSimulation makes SimulateCall return gas, or err when non-nil.
func (l *Ledger) SetSimulation(gas uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simGas, l.simErr = gas, err
}

// SetFees sets the suggested tip and base fee; a non-nil err fails both lookups.
func (l *Ledger) SetFees(tip, baseFee *big.Int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tip, l.baseFee, l.feeErr = tip, baseFee, err
}

// FailSubmit installs a hook deciding per submission whether the wallet refuses it.
func (l *Ledger) FailSubmit(fn func(spec chain.TxSpec, method string) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = fn
}

// FailConfirm makes every WaitForConfirmation return err.
func (l *Ledger) FailConfirm(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmErr = err
}

func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowanceLocked(owner, spender)
}

func (l *Ledger) Balance(owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(owner)
}

func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Submissions returns only the submit events, in order.
func (l *Ledger) Submissions() []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Op == OpSubmit {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) Deposits() []Deposit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Deposit(nil), l.deposits...)
}

func (l *Ledger) allowanceLocked(owner, spender common.Address) *big.Int {
	if v, ok := l.allowances[[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) balanceLocked(owner common.Address) *big.Int {
	if v, ok := l.balances[owner]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) SimulateCall(_ context.Context, call chain.CallSpec) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	method, _ := bridgeabi.MethodName(call.Data)
	l.events = append(l.events, Event{Op: OpSimulate, Method: method, Tx: chain.TxSpec{CallSpec: call}})
	if l.simErr != nil {
		return 0, l.simErr
	}
	return l.simGas, nil
}

func (l *Ledger) ReadState(_ context.Context, call chain.CallSpec) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if call.To != l.Token || len(call.Data) < 4 {
		return nil, errors.New("chaintest: execution reverted")
	}
	method, err := bridgeabi.MethodName(call.Data)
	if err != nil {
		return nil, err
	}
	switch method {
	case bridgeabi.MethodAllowance:
		if len(call.Data) != 4+64 {
			return nil, errors.New("chaintest: bad allowance calldata")
		}
		owner := common.BytesToAddress(call.Data[4:36])
		spender := common.BytesToAddress(call.Data[36:68])
		v := l.allowanceLocked(owner, spender)
		l.events = append(l.events, Event{Op: OpReadAllowance, Allowance: v})
		return math.U256Bytes(v), nil
	case bridgeabi.MethodBalanceOf:
		if len(call.Data) != 4+32 {
			return nil, errors.New("chaintest: bad balanceOf calldata")
		}
		v := l.balanceLocked(common.BytesToAddress(call.Data[4:36]))
		l.events = append(l.events, Event{Op: OpReadBalance, Value: v})
		return math.U256Bytes(v), nil
	}
	return nil, fmt.Errorf("chaintest: unsupported view %s", method)
}

func (l *Ledger) CurrentBlockHeight(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

func (l *Ledger) SuggestGasTipCap(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeErr != nil {
		return nil, l.feeErr
	}
	return new(big.Int).Set(l.tip), nil
}

func (l *Ledger) LatestBaseFee(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeErr != nil {
		return nil, l.feeErr
	}
	return new(big.Int).Set(l.baseFee), nil
}

func (l *Ledger) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.native[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// Wallet returns a chain.Submitter signing as account.
func (l *Ledger) Wallet(account common.Address) chain.Submitter {
	return wallet{l: l, account: account}
}

type wallet struct {
	l       *Ledger
	account common.Address
}

func (w wallet) Submit(ctx context.Context, spec chain.TxSpec) (common.Hash, error) {
	return w.l.submit(ctx, w.account, spec)
}

func (l *Ledger) submit(ctx context.Context, from common.Address, spec chain.TxSpec) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	method, err := bridgeabi.MethodName(spec.Data)
	if err != nil {
		return common.Hash{}, err
	}
	if l.submitErr != nil {
		if err := l.submitErr(spec, method); err != nil {
			return common.Hash{}, err
		}
	}

	l.nonce++
	var h common.Hash
	copy(h[:], "chaintest-tx")
	binary.BigEndian.PutUint64(h[24:], l.nonce)

	l.pending[h] = pendingTx{from: from, spec: spec, method: method}
	l.events = append(l.events, Event{
		Op:        OpSubmit,
		Method:    method,
		TxHash:    h,
		Value:     txValue(spec, method),
		Allowance: l.allowanceLocked(from, l.Bridge),
		Tx:        spec,
	})
	return h, nil
}

func txValue(spec chain.TxSpec, method string) *big.Int {
	switch method {
	case bridgeabi.MethodApprove:
		if len(spec.Data) == 4+64 {
			return new(big.Int).SetBytes(spec.Data[36:68])
		}
	case bridgeabi.MethodDepositToRemote:
		if p, err := bridgeabi.UnpackDepositToRemote(spec.Data); err == nil {
			return p.Value
		}
	}
	return nil
}

// WaitForConfirmation mines txHash, applying its effect. Unknown hashes time out immediately.
func (l *Ledger) WaitForConfirmation(ctx context.Context, txHash common.Hash, _ time.Duration) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.confirmErr != nil {
		return nil, l.confirmErr
	}
	if r, ok := l.receipts[txHash]; ok {
		return r, nil
	}
	tx, ok := l.pending[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, ethereum.NotFound)
	}
	delete(l.pending, txHash)

	l.height++
	status := types.ReceiptStatusSuccessful
	if !l.applyLocked(txHash, tx) {
		status = types.ReceiptStatusFailed
	}
	r := &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(l.height),
		GasUsed:     l.simGas,
	}
	l.receipts[txHash] = r
	l.events = append(l.events, Event{
		Op:        OpConfirm,
		Method:    tx.method,
		TxHash:    txHash,
		Value:     txValue(tx.spec, tx.method),
		Allowance: l.allowanceLocked(tx.from, l.Bridge),
		Tx:        tx.spec,
	})
	return r, nil
}

func (l *Ledger) applyLocked(h common.Hash, tx pendingTx) bool {
	switch tx.method {
	case bridgeabi.MethodApprove:
		if tx.spec.To != l.Token || len(tx.spec.Data) != 4+64 {
			return false
		}
		spender := common.BytesToAddress(tx.spec.Data[4:36])
		l.allowances[[2]common.Address{tx.from, spender}] = new(big.Int).SetBytes(tx.spec.Data[36:68])
		return true
	case bridgeabi.MethodDepositToRemote:
		if tx.spec.To != l.Bridge {
			return false
		}
		p, err := bridgeabi.UnpackDepositToRemote(tx.spec.Data)
		if err != nil || p.LocalToken != l.Token {
			return false
		}
		key := [2]common.Address{tx.from, l.Bridge}
		allowance := l.allowanceLocked(tx.from, l.Bridge)
		balance := l.balanceLocked(tx.from)
		if allowance.Cmp(p.Value) < 0 || balance.Cmp(p.Value) < 0 {
			return false
		}
		l.allowances[key] = allowance.Sub(allowance, p.Value)
		l.balances[tx.from] = balance.Sub(balance, p.Value)
		l.deposits = append(l.deposits, Deposit{From: tx.from, TxHash: h, DepositParams: p})
		return true
	}
	return false
}

var (
	_ chain.Reader    = (*Ledger)(nil)
	_ chain.Submitter = wallet{}
)
