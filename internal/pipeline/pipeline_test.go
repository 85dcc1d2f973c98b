package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/allowance"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/chain/chaintest"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

const (
	mainnetRecipient = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	testnetRecipient = "ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.State)
	}
	return out
}

func baseNetwork(t *testing.T) networks.Network {
	t.Helper()

	n, err := networks.Default().Lookup(8453)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return n
}

func newPipeline(t *testing.T, rec *recorder) *Pipeline {
	t.Helper()

	cfg := Config{
		Networks: networks.Default(),
		Now:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	if rec != nil {
		cfg.OnTransition = rec.observe
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func newLedger(t *testing.T) (*chaintest.Ledger, Wallet) {
	t.Helper()

	n := baseNetwork(t)
	l := chaintest.NewLedger(n.Token, n.Bridge)
	return l, Wallet{Account: account, ChainID: n.ChainID, Reader: l, Submitter: l.Wallet(account)}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecute_EndToEndWithResidualAllowance(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	n := baseNetwork(t)
	l.SetAllowance(account, n.Bridge, 50)
	l.SetBalance(account, 100_000_000)

	rec := &recorder{}
	p := newPipeline(t, rec)

	res, err := p.Execute(context.Background(), w, Request{
		Amount:    100_000_000,
		Recipient: mainnetRecipient,
		Account:   account,
		ChainID:   8453,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ResetTxHash == nil || res.ApprovalTxHash == nil {
		t.Fatalf("expected reset and approval hashes: %+v", res)
	}
	if res.Network != "mainnet" {
		t.Fatalf("network: got %q want mainnet", res.Network)
	}
	if got, want := rec.states(), []State{StateApproving, StateBridging, StateSuccess}; !equalStates(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}

	subs := l.Submissions()
	if len(subs) != 3 {
		t.Fatalf("submissions: got %d want 3", len(subs))
	}
	wantMethods := []string{bridgeabi.MethodApprove, bridgeabi.MethodApprove, bridgeabi.MethodDepositToRemote}
	for i, m := range wantMethods {
		if subs[i].Method != m {
			t.Fatalf("submission %d: got %s want %s", i, subs[i].Method, m)
		}
	}
	if subs[0].Value.Sign() != 0 {
		t.Fatalf("reset value: got %s want 0", subs[0].Value)
	}
	if subs[1].Value.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("grant value: got %s want 100000000", subs[1].Value)
	}
	if subs[2].TxHash != res.BridgeTxHash {
		t.Fatalf("bridge hash: got %s want %s", res.BridgeTxHash, subs[2].TxHash)
	}

	// 50_000 simulated, buffered by 20%; Base bumps the 1 gwei tip by 10% over a 10 gwei base.
	tx := subs[2].Tx
	if tx.GasLimit != 60_000 {
		t.Fatalf("deposit gas: got %d want 60000", tx.GasLimit)
	}
	if tx.MaxPriorityFeePerGas.Cmp(big.NewInt(1_100_000_000)) != 0 {
		t.Fatalf("tip: got %s want 1100000000", tx.MaxPriorityFeePerGas)
	}
	if tx.MaxFeePerGas.Cmp(big.NewInt(21_100_000_000)) != 0 {
		t.Fatalf("max fee: got %s want 21100000000", tx.MaxFeePerGas)
	}
	if tx.To != n.Bridge || tx.Value.Sign() != 0 {
		t.Fatalf("deposit call: to %s value %s", tx.To, tx.Value)
	}

	deps := l.Deposits()
	if len(deps) != 1 {
		t.Fatalf("deposits: got %d want 1", len(deps))
	}
	d := deps[0]
	wantRecipient, _ := stacksaddr.EncodeRecipient(mainnetRecipient)
	if d.RemoteDomain != networks.StacksDomain || d.RemoteRecipient != wantRecipient {
		t.Fatalf("deposit destination: domain %d recipient %x", d.RemoteDomain, d.RemoteRecipient)
	}
	if d.LocalToken != n.Token || d.MaxFee.Sign() != 0 || len(d.HookData) != 0 {
		t.Fatalf("deposit params: %+v", d.DepositParams)
	}
	if got := l.Balance(account); got.Sign() != 0 {
		t.Fatalf("balance after deposit: got %s want 0", got)
	}

	snap := p.Snapshot()
	if snap.State != StateSuccess || snap.Result == nil || snap.Result.BridgeTxHash != res.BridgeTxHash {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.RunID == "" {
		t.Fatalf("expected run id")
	}
}

func TestExecute_EndToEndZeroAllowance(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	l.SetBalance(account, 100_000_000)

	rec := &recorder{}
	res, err := newPipeline(t, rec).Execute(context.Background(), w, Request{
		Amount:    100_000_000,
		Recipient: mainnetRecipient,
		Account:   account,
		ChainID:   8453,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ApprovalTxHash == nil || res.ResetTxHash != nil {
		t.Fatalf("expected approval without reset: %+v", res)
	}
	if res.BridgeTxHash == (common.Hash{}) {
		t.Fatalf("expected bridge hash")
	}
	if got, want := rec.states(), []State{StateApproving, StateBridging, StateSuccess}; !equalStates(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}

	subs := l.Submissions()
	if len(subs) != 2 || subs[0].Method != bridgeabi.MethodApprove || subs[1].Method != bridgeabi.MethodDepositToRemote {
		t.Fatalf("submissions: %+v", subs)
	}
	if subs[0].TxHash != *res.ApprovalTxHash || subs[1].TxHash != res.BridgeTxHash {
		t.Fatalf("hashes: approval %s bridge %s", *res.ApprovalTxHash, res.BridgeTxHash)
	}
	grant := new(big.Int).SetUint64(min(uint64(100_000_000), allowance.DefaultMaxApproval))
	if subs[0].Value.Cmp(grant) != 0 {
		t.Fatalf("grant value: got %s want %s", subs[0].Value, grant)
	}
	if got := len(l.Deposits()); got != 1 {
		t.Fatalf("deposits: got %d want 1", got)
	}
}

func TestExecute_SufficientAllowanceSkipsApproval(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	l.SetAllowance(account, baseNetwork(t).Bridge, 5_000_000)
	l.SetBalance(account, 5_000_000)

	rec := &recorder{}
	res, err := newPipeline(t, rec).Execute(context.Background(), w, Request{Amount: 5_000_000, Recipient: mainnetRecipient})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ApprovalTxHash != nil || res.ResetTxHash != nil {
		t.Fatalf("unexpected approval: %+v", res)
	}
	subs := l.Submissions()
	if len(subs) != 1 || subs[0].Method != bridgeabi.MethodDepositToRemote {
		t.Fatalf("submissions: %+v", subs)
	}
	if got, want := rec.states(), []State{StateApproving, StateBridging, StateSuccess}; !equalStates(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}
}

func TestExecute_ValidationTouchesNoChain(t *testing.T) {
	t.Parallel()

	floor := uint64(2_000_000)
	cases := []struct {
		name    string
		wallet  func(Wallet) Wallet
		req     Request
		want    error
		message string
	}{
		{
			name:    "zero amount",
			req:     Request{Amount: 0, Recipient: mainnetRecipient},
			want:    ErrInvalidAmount,
			message: MsgInvalidAmount,
		},
		{
			name:    "no wallet",
			wallet:  func(Wallet) Wallet { return Wallet{} },
			req:     Request{Amount: 1, Recipient: mainnetRecipient},
			want:    ErrWalletNotConnected,
			message: MsgConnectWallet,
		},
		{
			name: "no submitter",
			wallet: func(w Wallet) Wallet {
				w.Submitter = nil
				return w
			},
			req:     Request{Amount: 1, Recipient: mainnetRecipient},
			want:    ErrWalletNotConnected,
			message: MsgConnectWallet,
		},
		{
			name: "testnet recipient on mainnet chain",
			req:  Request{Amount: 1, Recipient: testnetRecipient},
			want: ErrInvalidRecipient,
		},
		{
			name: "garbage recipient",
			req:  Request{Amount: 1, Recipient: "SPNOTANADDRESS"},
			want: ErrInvalidRecipient,
		},
		{
			name: "wrong chain",
			req:  Request{Amount: 1, Recipient: mainnetRecipient, ChainID: 1},
			want: ErrWrongChain,
		},
		{
			name: "min amount out",
			req:  Request{Amount: 1_000_000, Recipient: mainnetRecipient, MinAmountOut: &floor},
			want: ErrMinAmountOut,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			l, w := newLedger(t)
			if tc.wallet != nil {
				w = tc.wallet(w)
			}
			rec := &recorder{}
			p := newPipeline(t, rec)

			_, err := p.Execute(context.Background(), w, tc.req)
			if !errors.Is(err, ErrValidation) || !errors.Is(err, tc.want) {
				t.Fatalf("err: got %v want %v", err, tc.want)
			}
			if n := len(l.Events()); n != 0 {
				t.Fatalf("chain events: got %d want 0", n)
			}
			snap := p.Snapshot()
			if snap.State != StateError || snap.FailedStep != StateIdle {
				t.Fatalf("snapshot: %+v", snap)
			}
			if tc.message != "" && snap.Message != tc.message {
				t.Fatalf("message: got %q want %q", snap.Message, tc.message)
			}
			if got := rec.states(); !equalStates(got, []State{StateError}) {
				t.Fatalf("transitions: got %v want [error]", got)
			}
		})
	}
}

func TestExecute_UnknownChain(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	w.ChainID = 10
	_, err := newPipeline(t, nil).Execute(context.Background(), w, Request{Amount: 1, Recipient: mainnetRecipient})
	if !errors.Is(err, networks.ErrUnknownChain) {
		t.Fatalf("err: got %v want %v", err, networks.ErrUnknownChain)
	}
	if n := len(l.Events()); n != 0 {
		t.Fatalf("chain events: got %d want 0", n)
	}
}

func TestExecute_UserRejectsApproval(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	l.SetBalance(account, 1_000_000)
	l.FailSubmit(func(_ chain.TxSpec, method string) error {
		if method == bridgeabi.MethodApprove {
			return errors.New("MetaMask Tx Signature: User denied transaction signature.")
		}
		return nil
	})

	p := newPipeline(t, nil)
	_, err := p.Execute(context.Background(), w, Request{Amount: 1_000_000, Recipient: mainnetRecipient})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err: got %v want %v", err, ErrCancelled)
	}
	snap := p.Snapshot()
	if snap.State != StateError || snap.Message != MsgCancelled || snap.FailedStep != StateApproving {
		t.Fatalf("snapshot: %+v", snap)
	}
	if len(l.Deposits()) != 0 || len(l.Submissions()) != 0 {
		t.Fatalf("expected nothing submitted")
	}
}

func TestExecute_DepositRevertKeepsApprovalHash(t *testing.T) {
	t.Parallel()

	// No balance: the approval confirms but the deposit reverts.
	l, w := newLedger(t)

	p := newPipeline(t, nil)
	_, err := p.Execute(context.Background(), w, Request{Amount: 1_000_000, Recipient: mainnetRecipient})
	if !errors.Is(err, ErrSubmission) || !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("err: got %v want %v", err, chain.ErrReverted)
	}
	snap := p.Snapshot()
	if snap.State != StateError || snap.FailedStep != StateBridging {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.ApprovalTxHash == nil || snap.BridgeTxHash == nil {
		t.Fatalf("expected approval and bridge hashes in snapshot: %+v", snap)
	}
	if snap.Message == "" || snap.Message == MsgCancelled {
		t.Fatalf("message: got %q", snap.Message)
	}
	if got := len(l.Deposits()); got != 0 {
		t.Fatalf("deposits: got %d want 0", got)
	}
}

func TestExecute_ConfirmationTimeout(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	l.SetAllowance(account, baseNetwork(t).Bridge, 1_000_000)
	l.FailConfirm(chain.ErrConfirmationTimeout)

	_, err := newPipeline(t, nil).Execute(context.Background(), w, Request{Amount: 1_000_000, Recipient: mainnetRecipient})
	if !errors.Is(err, chain.ErrConfirmationTimeout) {
		t.Fatalf("err: got %v want %v", err, chain.ErrConfirmationTimeout)
	}
}

type gatedSubmitter struct {
	next    chain.Submitter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSubmitter) Submit(ctx context.Context, spec chain.TxSpec) (common.Hash, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
	return g.next.Submit(ctx, spec)
}

func TestExecute_BusyWhileInFlight(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	l.SetBalance(account, 1_000_000)
	gate := &gatedSubmitter{next: w.Submitter, entered: make(chan struct{}), release: make(chan struct{})}
	w.Submitter = gate

	p := newPipeline(t, nil)
	req := Request{Amount: 1_000_000, Recipient: mainnetRecipient}

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), w, req)
		done <- err
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first execution never submitted")
	}

	before := p.Snapshot()
	if _, err := p.Execute(context.Background(), w, req); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Execute: got %v want %v", err, ErrBusy)
	}
	after := p.Snapshot()
	if after.RunID != before.RunID || after.State != StateApproving {
		t.Fatalf("busy call disturbed the running execution: before %+v after %+v", before, after)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if got := len(l.Deposits()); got != 1 {
		t.Fatalf("deposits: got %d want 1", got)
	}
}

func TestReset_DetachesInFlightRun(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	gate := &gatedSubmitter{next: w.Submitter, entered: make(chan struct{}), release: make(chan struct{})}
	w.Submitter = gate

	p := newPipeline(t, nil)
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), w, Request{Amount: 1_000_000, Recipient: mainnetRecipient})
		done <- err
	}()
	<-gate.entered

	p.Reset()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("detached run: got %v want %v", err, context.Canceled)
	}
	if snap := p.Snapshot(); snap.State != StateIdle || snap.RunID != "" {
		t.Fatalf("snapshot after reset: %+v", snap)
	}
	if n := len(l.Submissions()); n != 0 {
		t.Fatalf("submissions: got %d want 0", n)
	}
}

func TestReset_FromTerminalStates(t *testing.T) {
	t.Parallel()

	_, w := newLedger(t)
	p := newPipeline(t, nil)
	if _, err := p.Execute(context.Background(), w, Request{Recipient: mainnetRecipient}); err == nil {
		t.Fatalf("expected validation error")
	}
	p.Reset()
	if got := p.State(); got != StateIdle {
		t.Fatalf("state: got %s want idle", got)
	}
	// Reset from idle is a no-op.
	p.Reset()
	if got := p.State(); got != StateIdle {
		t.Fatalf("state: got %s want idle", got)
	}
}

func TestNotify_DropsSupersededSnapshot(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := newPipeline(t, rec)

	// A run's bridging snapshot taken before Reset, delivered after it.
	p.notify(2, Snapshot{State: StateIdle})
	p.notify(1, Snapshot{RunID: "run-1", State: StateBridging})
	p.notify(3, Snapshot{RunID: "run-2", State: StateApproving})

	if got, want := rec.states(), []State{StateIdle, StateApproving}; !equalStates(got, want) {
		t.Fatalf("delivered: got %v want %v", got, want)
	}
}

func TestReset_ObserversEndIdle(t *testing.T) {
	t.Parallel()

	l, w := newLedger(t)
	l.SetBalance(account, 1_000_000)
	gate := &gatedSubmitter{next: w.Submitter, entered: make(chan struct{}), release: make(chan struct{})}
	w.Submitter = gate

	rec := &recorder{}
	p := newPipeline(t, rec)
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), w, Request{Amount: 1_000_000, Recipient: mainnetRecipient})
		done <- err
	}()
	<-gate.entered

	p.Reset()
	<-done

	if got, want := rec.states(), []State{StateApproving, StateIdle}; !equalStates(got, want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{chain.ErrUserRejected, MsgCancelled},
		{errors.New("execution reverted: ERC20: transfer amount exceeds balance"), "execution reverted: ERC20: transfer amount exceeds balance"},
		{errors.Join(ErrValidation, ErrWalletNotConnected), MsgConnectWallet},
		{fmt.Errorf("%w: %w: %s", ErrValidation, ErrInvalidRecipient, "bad checksum"), "invalid recipient: bad checksum"},
	}
	for _, tc := range cases {
		if got := userMessage(tc.err); got != tc.want {
			t.Fatalf("userMessage(%v): got %q want %q", tc.err, got, tc.want)
		}
	}
}
