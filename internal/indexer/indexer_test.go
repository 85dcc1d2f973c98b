package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/blobstore"
	"github.com/juno-intents/stacks-bridge/internal/events"
	"github.com/juno-intents/stacks-bridge/internal/history"
	"github.com/juno-intents/stacks-bridge/internal/queue"
)

const recipient = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"

var (
	account   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bridgeTx  = common.HexToHash("0xb1")
	approveTx = common.HexToHash("0xa1")
)

func successEvent(runID string) events.TransferEvent {
	return events.TransferEvent{
		Version:        events.Version,
		RunID:          runID,
		State:          "success",
		ChainID:        8453,
		Account:        account.Hex(),
		Recipient:      recipient,
		Amount:         1_500_000,
		Network:        "mainnet",
		ApprovalTxHash: approveTx.Hex(),
		BridgeTxHash:   bridgeTx.Hex(),
		BlockNumber:    101,
		OccurredAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func mustEncode(t *testing.T, ev events.TransferEvent) []byte {
	t.Helper()
	b, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

type harness struct {
	mem     *queue.Memory
	store   *history.MemoryStore
	archive blobstore.Store
	ix      *Indexer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := queue.NewMemory(16)
	consumer, err := queue.NewConsumer(context.Background(), queue.ConsumerConfig{Driver: queue.DriverMemory, Memory: mem})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	t.Cleanup(func() { _ = consumer.Close() })
	archive, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	store := history.NewMemoryStore(nil)
	ix, err := New(consumer, store, archive, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{mem: mem, store: store, archive: archive, ix: ix}
}

func (h *harness) publish(t *testing.T, payload []byte) {
	t.Helper()
	if err := h.mem.Publish(context.Background(), queue.Record{Topic: events.DefaultTopic, Value: payload}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	_ = h.mem.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ix.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, history.NewMemoryStore(nil), nil, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil consumer: got %v want %v", err, ErrInvalidConfig)
	}
}

func TestIndexer_IndexesSuccessAndArchives(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	payload := mustEncode(t, successEvent("run-1"))
	h.publish(t, payload)
	h.run(t)

	rec, err := h.store.Get(context.Background(), 8453, bridgeTx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Account != account || rec.Amount != 1_500_000 || rec.Recipient != recipient || rec.BlockNumber != 101 {
		t.Fatalf("record: got %+v", rec)
	}
	if rec.ApprovalTxHash == nil || *rec.ApprovalTxHash != approveTx {
		t.Fatalf("approval hash: got %v want %v", rec.ApprovalTxHash, approveTx)
	}
	if rec.RunID != "run-1" {
		t.Fatalf("run id: got %q", rec.RunID)
	}

	obj, err := h.archive.Get(context.Background(), ArchiveKey(8453, bridgeTx))
	if err != nil {
		t.Fatalf("archive Get: %v", err)
	}
	if string(obj.Data) != string(payload) {
		t.Fatalf("archive payload: got %s want %s", obj.Data, payload)
	}
	if obj.ContentType != "application/json" || obj.Metadata["run-id"] != "run-1" {
		t.Fatalf("archive object: got %+v", obj)
	}
	if got := h.ix.Stats(); got.Indexed != 1 {
		t.Fatalf("stats: got %+v", got)
	}
}

func TestIndexer_SkipsNonTerminalAndMalformed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	approving := successEvent("run-1")
	approving.State = "approving"
	approving.BridgeTxHash = ""
	approving.BlockNumber = 0
	h.publish(t, mustEncode(t, approving))

	failed := successEvent("run-2")
	failed.State = "error"
	failed.FailedStep = "bridging"
	failed.Message = "bridge transaction reverted"
	h.publish(t, mustEncode(t, failed))

	h.publish(t, []byte("not json"))
	h.publish(t, []byte(`{"version":"bridge.transfer.v0"}`))
	h.run(t)

	if _, err := h.store.Get(context.Background(), 8453, bridgeTx); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("Get: got %v want %v", err, history.ErrNotFound)
	}
	ok, err := h.archive.Exists(context.Background(), ArchiveKey(8453, bridgeTx))
	if err != nil || ok {
		t.Fatalf("archive Exists: got %v, %v want false", ok, err)
	}
	got := h.ix.Stats()
	if got.Skipped != 2 || got.Malformed != 2 || got.Indexed != 0 {
		t.Fatalf("stats: got %+v", got)
	}
}

func TestIndexer_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	payload := mustEncode(t, successEvent("run-1"))
	h.publish(t, payload)
	h.publish(t, payload)
	h.run(t)

	got := h.ix.Stats()
	if got.Indexed != 1 || got.Duplicates != 1 {
		t.Fatalf("stats: got %+v", got)
	}
	recs, err := h.store.ListByAccount(context.Background(), account, 0)
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: got %d want 1", len(recs))
	}
}

func TestIndexer_ConflictingDuplicateIsAcked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publish(t, mustEncode(t, successEvent("run-1")))
	other := successEvent("run-2")
	other.Amount = 2_000_000
	h.publish(t, mustEncode(t, other))
	h.run(t)

	rec, err := h.store.Get(context.Background(), 8453, bridgeTx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Amount != 1_500_000 {
		t.Fatalf("amount: got %d want %d", rec.Amount, 1_500_000)
	}
	if got := h.ix.Stats(); got.Mismatched != 1 {
		t.Fatalf("stats: got %+v", got)
	}
}

type failingStore struct {
	history.Store
}

func (failingStore) Insert(context.Context, history.Record) (bool, error) {
	return false, errors.New("connection refused")
}

func TestIndexer_StoreFailureStopsRun(t *testing.T) {
	t.Parallel()

	mem := queue.NewMemory(4)
	consumer, err := queue.NewConsumer(context.Background(), queue.ConsumerConfig{Driver: queue.DriverMemory, Memory: mem})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer consumer.Close()
	ix, err := New(consumer, failingStore{}, nil, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mem.Publish(context.Background(), queue.Record{Value: mustEncode(t, successEvent("run-1"))}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.Run(ctx); err == nil {
		t.Fatalf("Run: expected error")
	}
}

func TestArchiveKey(t *testing.T) {
	t.Parallel()

	got := ArchiveKey(8453, common.HexToHash("0xABCD"))
	want := "transfers/8453/0x000000000000000000000000000000000000000000000000000000000000abcd.json"
	if got != want {
		t.Fatalf("ArchiveKey: got %q want %q", got, want)
	}
}

func TestRecordFromEvent_RoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	var ev events.TransferEvent
	if err := json.Unmarshal(mustEncode(t, successEvent("run-9")), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	rec, err := RecordFromEvent(ev)
	if err != nil {
		t.Fatalf("RecordFromEvent: %v", err)
	}
	if !rec.CreatedAt.Equal(ev.OccurredAt) || rec.ChainID != 8453 {
		t.Fatalf("record: got %+v", rec)
	}
}
