// Package events carries bridge execution lifecycle events between the API and the indexer.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/stacks-bridge/internal/pipeline"
	"github.com/juno-intents/stacks-bridge/internal/queue"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

const (
	Version      = "bridge.transfer.v1"
	DefaultTopic = "bridge.transfers"
)

var ErrInvalidEvent = errors.New("events: invalid transfer event")

// TransferEvent is one pipeline transition. Hashes are 0x-prefixed hex; Amount is in token
// smallest units.
type TransferEvent struct {
	Version string `json:"version"`
	RunID   string `json:"runId"`
	State   string `json:"state"`

	ChainID   uint64 `json:"chainId"`
	Account   string `json:"account"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Network   string `json:"network,omitempty"`

	ResetTxHash    string `json:"resetTxHash,omitempty"`
	ApprovalTxHash string `json:"approvalTxHash,omitempty"`
	BridgeTxHash   string `json:"bridgeTxHash,omitempty"`
	BlockNumber    uint64 `json:"blockNumber,omitempty"`
	ForeignTxID    string `json:"foreignTxId,omitempty"`

	FailedStep string `json:"failedStep,omitempty"`
	Message    string `json:"message,omitempty"`

	OccurredAt time.Time `json:"occurredAt"`
}

// FromSnapshot builds the event for a snapshot. Snapshots without a run (after Reset) have no
// event and return ok=false.
func FromSnapshot(s pipeline.Snapshot) (TransferEvent, bool) {
	if s.RunID == "" || s.Request == nil {
		return TransferEvent{}, false
	}
	ev := TransferEvent{
		Version:    Version,
		RunID:      s.RunID,
		State:      string(s.State),
		ChainID:    s.Request.ChainID,
		Account:    s.Request.Account.Hex(),
		Recipient:  s.Request.Recipient,
		Amount:     s.Request.Amount,
		FailedStep: string(s.FailedStep),
		Message:    s.Message,
		OccurredAt: s.UpdatedAt.UTC(),
	}
	if s.ApprovalTxHash != nil {
		ev.ApprovalTxHash = s.ApprovalTxHash.Hex()
	}
	if s.BridgeTxHash != nil {
		ev.BridgeTxHash = s.BridgeTxHash.Hex()
	}
	if r := s.Result; r != nil {
		ev.Network = r.Network
		ev.BridgeTxHash = r.BridgeTxHash.Hex()
		ev.BlockNumber = r.BlockNumber
		ev.ForeignTxID = r.ForeignTxID
		if r.ResetTxHash != nil {
			ev.ResetTxHash = r.ResetTxHash.Hex()
		}
		if r.ApprovalTxHash != nil {
			ev.ApprovalTxHash = r.ApprovalTxHash.Hex()
		}
	}
	if ev.Network == "" {
		ev.Network = stacksaddr.DetectNetwork(ev.Recipient).String()
	}
	return ev, true
}

// Key groups all events of one run on one partition.
func (e TransferEvent) Key() []byte { return []byte(e.RunID) }

func (e TransferEvent) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: version %q", ErrInvalidEvent, e.Version)
	}
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("%w: missing runId", ErrInvalidEvent)
	}
	switch pipeline.State(e.State) {
	case pipeline.StateApproving, pipeline.StateBridging, pipeline.StateSuccess, pipeline.StateError:
	default:
		return fmt.Errorf("%w: state %q", ErrInvalidEvent, e.State)
	}
	if e.ChainID == 0 {
		return fmt.Errorf("%w: missing chainId", ErrInvalidEvent)
	}
	if !common.IsHexAddress(e.Account) {
		return fmt.Errorf("%w: account %q", ErrInvalidEvent, e.Account)
	}
	for name, h := range map[string]string{
		"resetTxHash":    e.ResetTxHash,
		"approvalTxHash": e.ApprovalTxHash,
		"bridgeTxHash":   e.BridgeTxHash,
	} {
		if h != "" && !isHash(h) {
			return fmt.Errorf("%w: %s %q", ErrInvalidEvent, name, h)
		}
	}
	if pipeline.State(e.State) == pipeline.StateSuccess {
		if e.BridgeTxHash == "" || e.Amount == 0 {
			return fmt.Errorf("%w: success without bridgeTxHash or amount", ErrInvalidEvent)
		}
		if !stacksaddr.IsValidAddress(e.Recipient) {
			return fmt.Errorf("%w: recipient %q", ErrInvalidEvent, e.Recipient)
		}
	}
	return nil
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

func Encode(e TransferEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates one payload. Unknown fields are ignored so producers can add
// fields without breaking older indexers.
func Decode(b []byte) (TransferEvent, error) {
	var e TransferEvent
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return TransferEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return TransferEvent{}, fmt.Errorf("%w: trailing data", ErrInvalidEvent)
	}
	if err := e.Validate(); err != nil {
		return TransferEvent{}, err
	}
	return e, nil
}

// Publisher writes transfer events to a queue topic.
type Publisher struct {
	producer queue.Producer
	topic    string
	timeout  time.Duration
	log      *slog.Logger
}

func NewPublisher(p queue.Producer, topic string, log *slog.Logger) (*Publisher, error) {
	if p == nil {
		return nil, errors.New("events: nil producer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{producer: p, topic: topic, timeout: 5 * time.Second, log: log}, nil
}

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Publish(ctx context.Context, e TransferEvent) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, queue.Record{Topic: p.topic, Key: e.Key(), Value: b})
}

// Observe publishes the event for s, logging instead of returning failures. It has the shape
// of pipeline.Config.OnTransition.
func (p *Publisher) Observe(s pipeline.Snapshot) {
	ev, ok := FromSnapshot(s)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		p.log.Error("publish transfer event", "runID", ev.RunID, "state", ev.State, "err", err)
	}
}
