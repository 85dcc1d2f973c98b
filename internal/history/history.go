// Package history stores confirmed bridge transfers and aggregates them per account.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidRecord  = errors.New("history: invalid record")
	ErrNotFound       = errors.New("history: not found")
	ErrRecordMismatch = errors.New("history: record mismatch")
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Record is one confirmed deposit. (ChainID, BridgeTxHash) identifies it.
type Record struct {
	ChainID      uint64
	BridgeTxHash common.Hash
	BlockNumber  uint64

	Account   common.Address
	Recipient string
	Network   string
	// Amount is in token smallest units.
	Amount uint64

	ApprovalTxHash *common.Hash
	RunID          string

	CreatedAt time.Time
}

func (r Record) Validate() error {
	switch {
	case r.ChainID == 0:
		return fmt.Errorf("%w: missing chain id", ErrInvalidRecord)
	case r.BridgeTxHash == (common.Hash{}):
		return fmt.Errorf("%w: missing bridge tx hash", ErrInvalidRecord)
	case r.Account == (common.Address{}):
		return fmt.Errorf("%w: missing account", ErrInvalidRecord)
	case r.Recipient == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalidRecord)
	case r.Amount == 0 || r.Amount > math.MaxInt64:
		return fmt.Errorf("%w: amount %d out of range", ErrInvalidRecord, r.Amount)
	}
	return nil
}

// Same reports whether two records describe the same transfer, ignoring CreatedAt.
func (r Record) Same(o Record) bool {
	if (r.ApprovalTxHash == nil) != (o.ApprovalTxHash == nil) {
		return false
	}
	if r.ApprovalTxHash != nil && *r.ApprovalTxHash != *o.ApprovalTxHash {
		return false
	}
	return r.ChainID == o.ChainID &&
		r.BridgeTxHash == o.BridgeTxHash &&
		r.BlockNumber == o.BlockNumber &&
		r.Account == o.Account &&
		r.Recipient == o.Recipient &&
		r.Network == o.Network &&
		r.Amount == o.Amount &&
		r.RunID == o.RunID
}

type LeaderboardEntry struct {
	Account        common.Address
	TotalAmount    uint64
	Transfers      int
	LastTransferAt time.Time
}

// Store semantics:
//   - Insert is idempotent: re-inserting an identical record returns inserted=false, a different
//     record under the same key returns ErrRecordMismatch.
//   - ListByAccount returns newest first.
//   - Leaderboard orders by total amount desc, then transfer count desc, then account asc.
type Store interface {
	Insert(ctx context.Context, r Record) (bool, error)
	Get(ctx context.Context, chainID uint64, txHash common.Hash) (Record, error)
	ListByAccount(ctx context.Context, account common.Address, limit int) ([]Record, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
}

// ClampLimit maps a caller-supplied page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
