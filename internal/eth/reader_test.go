package eth

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/stacks-bridge/internal/chain"
)

func newTestReader(t *testing.T, b *fakeBackend, clock *fakeClock) *RPCReader {
	t.Helper()

	r, err := NewRPCReader(b, ReaderConfig{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     ExponentialBackoff(100*time.Millisecond, time.Second),
		},
		PollInterval: time.Second,
		Sleep:        clock.Sleep,
	})
	if err != nil {
		t.Fatalf("NewRPCReader: %v", err)
	}
	return r
}

func TestRPCReader_ReadStateRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		callRet:  []byte{0x01},
		callErrs: []error{errors.New("502 bad gateway"), errors.New("connection reset")},
	}
	clock := &fakeClock{}
	r := newTestReader(t, b, clock)

	out, err := r.ReadState(context.Background(), chain.CallSpec{To: common.HexToAddress("0x01")})
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if len(out) != 1 || out[0] != 0x01 {
		t.Fatalf("ReadState: got %x", out)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 100*time.Millisecond || sleeps[1] != 200*time.Millisecond {
		t.Fatalf("backoff: got %v", sleeps)
	}
}

func TestRPCReader_ReadStateGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("timeout")
	b := &fakeBackend{callErrs: []error{boom, boom, boom, boom}}
	r := newTestReader(t, b, &fakeClock{})

	if _, err := r.ReadState(context.Background(), chain.CallSpec{}); !errors.Is(err, boom) {
		t.Fatalf("ReadState: got %v want %v", err, boom)
	}
	if len(b.callErrs) != 1 {
		t.Fatalf("attempts: got %d want 3", 4-len(b.callErrs))
	}
}

func TestRPCReader_DoesNotRetryReverts(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gasErr: errors.New("execution reverted: ERC20: insufficient allowance")}
	r := newTestReader(t, b, &fakeClock{})

	if _, err := r.SimulateCall(context.Background(), chain.CallSpec{}); err == nil {
		t.Fatalf("expected error")
	}
	if b.gasCalls != 1 {
		t.Fatalf("EstimateGas calls: got %d want 1", b.gasCalls)
	}
}

func TestRPCReader_LatestBaseFee(t *testing.T) {
	t.Parallel()

	r := newTestReader(t, &fakeBackend{baseFee: big.NewInt(7)}, &fakeClock{})
	fee, err := r.LatestBaseFee(context.Background())
	if err != nil {
		t.Fatalf("LatestBaseFee: %v", err)
	}
	if fee.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("base fee: got %s want 7", fee)
	}

	r = newTestReader(t, &fakeBackend{}, &fakeClock{})
	if _, err := r.LatestBaseFee(context.Background()); err == nil {
		t.Fatalf("expected error for pre-London header")
	}
}

func TestRPCReader_WaitForConfirmationPolls(t *testing.T) {
	t.Parallel()

	h := common.HexToHash("0xabc")
	b := &fakeBackend{
		receipts:     map[common.Hash]*types.Receipt{h: {TxHash: h, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}},
		receiptAfter: 3,
	}
	clock := &fakeClock{}
	r := newTestReader(t, b, clock)

	rec, err := r.WaitForConfirmation(context.Background(), h, time.Minute)
	if err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if rec.TxHash != h {
		t.Fatalf("receipt hash: got %s want %s", rec.TxHash, h)
	}
	if b.receiptCalls != 3 {
		t.Fatalf("receipt calls: got %d want 3", b.receiptCalls)
	}
	for _, d := range clock.Sleeps() {
		if d != time.Second {
			t.Fatalf("poll interval: got %s want %s", d, time.Second)
		}
	}
}

func TestRPCReader_WaitForConfirmationTimesOut(t *testing.T) {
	t.Parallel()

	r, err := NewRPCReader(&fakeBackend{}, ReaderConfig{PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewRPCReader: %v", err)
	}
	_, err = r.WaitForConfirmation(context.Background(), common.HexToHash("0x01"), 20*time.Millisecond)
	if !errors.Is(err, chain.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestRPCReader_WaitForConfirmationParentCancel(t *testing.T) {
	t.Parallel()

	r, err := NewRPCReader(&fakeBackend{}, ReaderConfig{PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewRPCReader: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.WaitForConfirmation(ctx, common.HexToHash("0x01"), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		t.Fatalf("cancellation reported as timeout")
	}
}

func TestExponentialBackoff_Caps(t *testing.T) {
	t.Parallel()

	f := ExponentialBackoff(250*time.Millisecond, time.Second)
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := f(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}
