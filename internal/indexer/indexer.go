// Package indexer turns confirmed transfer events into history records and archive objects.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/blobstore"
	"github.com/juno-intents/stacks-bridge/internal/events"
	"github.com/juno-intents/stacks-bridge/internal/history"
	"github.com/juno-intents/stacks-bridge/internal/pipeline"
	"github.com/juno-intents/stacks-bridge/internal/queue"
)

var ErrInvalidConfig = errors.New("indexer: invalid config")

type Config struct {
	AckTimeout time.Duration
	Log        *slog.Logger
}

type Stats struct {
	Indexed    uint64
	Duplicates uint64
	Skipped    uint64
	Malformed  uint64
	Mismatched uint64
}

type Indexer struct {
	consumer queue.Consumer
	store    history.Store
	archive  blobstore.Store
	cfg      Config

	indexed    atomic.Uint64
	duplicates atomic.Uint64
	skipped    atomic.Uint64
	malformed  atomic.Uint64
	mismatched atomic.Uint64
}

// New wires an indexer. archive may be nil to skip archiving.
func New(consumer queue.Consumer, store history.Store, archive blobstore.Store, cfg Config) (*Indexer, error) {
	if consumer == nil || store == nil {
		return nil, fmt.Errorf("%w: nil consumer or store", ErrInvalidConfig)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{consumer: consumer, store: store, archive: archive, cfg: cfg}, nil
}

func (ix *Indexer) Stats() Stats {
	return Stats{
		Indexed:    ix.indexed.Load(),
		Duplicates: ix.duplicates.Load(),
		Skipped:    ix.skipped.Load(),
		Malformed:  ix.malformed.Load(),
		Mismatched: ix.mismatched.Load(),
	}
}

// Run consumes until ctx ends or the consumer closes. A storage failure stops the loop without
// acknowledging the message, so it is redelivered after restart.
func (ix *Indexer) Run(ctx context.Context) error {
	msgCh := ix.consumer.Messages()
	errCh := ix.consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			ix.cfg.Log.Error("indexer queue consume error", "err", err)
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if err := ix.Handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Handle processes one message, acknowledging everything except storage failures.
func (ix *Indexer) Handle(ctx context.Context, msg queue.Message) error {
	log := ix.cfg.Log

	ev, err := events.Decode(msg.Value)
	if err != nil {
		ix.malformed.Add(1)
		log.Warn("indexer dropping malformed event", "topic", msg.Topic, "err", err)
		return ix.ack(msg)
	}
	if pipeline.State(ev.State) != pipeline.StateSuccess {
		ix.skipped.Add(1)
		return ix.ack(msg)
	}

	rec, err := RecordFromEvent(ev)
	if err != nil {
		ix.malformed.Add(1)
		log.Warn("indexer dropping unusable event", "runID", ev.RunID, "err", err)
		return ix.ack(msg)
	}

	if ix.archive != nil {
		if err := ix.archive.Put(ctx, ArchiveKey(rec.ChainID, rec.BridgeTxHash), msg.Value, blobstore.PutOptions{
			ContentType: "application/json",
			Metadata: map[string]string{
				"run-id":   ev.RunID,
				"chain-id": fmt.Sprint(ev.ChainID),
				"version":  ev.Version,
			},
			IfAbsent: true,
		}); err != nil && !errors.Is(err, blobstore.ErrExists) {
			return fmt.Errorf("indexer: archive %s: %w", rec.BridgeTxHash, err)
		}
	}

	inserted, err := ix.store.Insert(ctx, rec)
	switch {
	case errors.Is(err, history.ErrRecordMismatch):
		ix.mismatched.Add(1)
		log.Warn("indexer ignoring conflicting duplicate", "chainID", rec.ChainID, "bridgeTxHash", rec.BridgeTxHash, "runID", rec.RunID)
	case err != nil:
		return fmt.Errorf("indexer: insert %s: %w", rec.BridgeTxHash, err)
	case inserted:
		ix.indexed.Add(1)
		log.Info("transfer indexed", "chainID", rec.ChainID, "bridgeTxHash", rec.BridgeTxHash, "account", rec.Account, "amount", rec.Amount)
	default:
		ix.duplicates.Add(1)
	}
	return ix.ack(msg)
}

func (ix *Indexer) ack(msg queue.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), ix.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		ix.cfg.Log.Error("indexer ack failed", "topic", msg.Topic, "err", err)
	}
	return nil
}

// ArchiveKey is the blob key of one confirmed transfer.
func ArchiveKey(chainID uint64, txHash common.Hash) string {
	return fmt.Sprintf("transfers/%d/%s.json", chainID, strings.ToLower(txHash.Hex()))
}

// RecordFromEvent maps a success event to a history record.
func RecordFromEvent(ev events.TransferEvent) (history.Record, error) {
	rec := history.Record{
		ChainID:      ev.ChainID,
		BridgeTxHash: common.HexToHash(ev.BridgeTxHash),
		BlockNumber:  ev.BlockNumber,
		Account:      common.HexToAddress(ev.Account),
		Recipient:    ev.Recipient,
		Network:      ev.Network,
		Amount:       ev.Amount,
		RunID:        ev.RunID,
		CreatedAt:    ev.OccurredAt.UTC(),
	}
	if ev.ApprovalTxHash != "" {
		h := common.HexToHash(ev.ApprovalTxHash)
		rec.ApprovalTxHash = &h
	}
	if err := rec.Validate(); err != nil {
		return history.Record{}, err
	}
	return rec, nil
}
