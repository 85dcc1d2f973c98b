package history

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type key struct {
	chainID uint64
	hash    common.Hash
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[key]Record
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, records: make(map[key]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{r.ChainID, r.BridgeTxHash}
	if existing, ok := s.records[k]; ok {
		if !existing.Same(r) {
			return false, ErrRecordMismatch
		}
		return false, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.ApprovalTxHash != nil {
		h := *r.ApprovalTxHash
		r.ApprovalTxHash = &h
	}
	s.records[k] = r
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, chainID uint64, txHash common.Hash) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key{chainID, txHash}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, account common.Address, limit int) ([]Record, error) {
	limit = ClampLimit(limit)

	s.mu.Lock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Account == account {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].BridgeTxHash[:], out[j].BridgeTxHash[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]LeaderboardEntry, error) {
	limit = ClampLimit(limit)

	s.mu.Lock()
	byAccount := make(map[common.Address]*LeaderboardEntry)
	for _, r := range s.records {
		e, ok := byAccount[r.Account]
		if !ok {
			e = &LeaderboardEntry{Account: r.Account}
			byAccount[r.Account] = e
		}
		e.TotalAmount += r.Amount
		e.Transfers++
		if r.CreatedAt.After(e.LastTransferAt) {
			e.LastTransferAt = r.CreatedAt
		}
	}
	s.mu.Unlock()

	out := make([]LeaderboardEntry, 0, len(byAccount))
	for _, e := range byAccount {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TotalAmount != b.TotalAmount {
			return a.TotalAmount > b.TotalAmount
		}
		if a.Transfers != b.Transfers {
			return a.Transfers > b.Transfers
		}
		return bytes.Compare(a.Account[:], b.Account[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
