package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/stacks-bridge/internal/history"
)

var ErrInvalidConfig = errors.New("history/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("history/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r history.Record) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return false, err
	}

	var approval []byte
	if r.ApprovalTxHash != nil {
		approval = r.ApprovalTxHash.Bytes()
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO bridge_transfers (
			chain_id, bridge_tx_hash, block_number, account, recipient, network, amount,
			approval_tx_hash, run_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (chain_id, bridge_tx_hash) DO NOTHING
	`,
		int64(r.ChainID),
		r.BridgeTxHash.Bytes(),
		int64(r.BlockNumber),
		accountKey(r.Account),
		r.Recipient,
		r.Network,
		int64(r.Amount),
		approval,
		r.RunID,
		created.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("history/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := s.Get(ctx, r.ChainID, r.BridgeTxHash)
	if err != nil {
		return false, err
	}
	if !existing.Same(r) {
		return false, history.ErrRecordMismatch
	}
	return false, nil
}

const selectColumns = `chain_id, bridge_tx_hash, block_number, account, recipient, network, amount, approval_tx_hash, run_id, created_at`

func (s *Store) Get(ctx context.Context, chainID uint64, txHash common.Hash) (history.Record, error) {
	if s == nil || s.pool == nil {
		return history.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM bridge_transfers WHERE chain_id = $1 AND bridge_tx_hash = $2`,
		int64(chainID), txHash.Bytes())
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return history.Record{}, history.ErrNotFound
		}
		return history.Record{}, fmt.Errorf("history/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) ListByAccount(ctx context.Context, account common.Address, limit int) ([]history.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_transfers
		WHERE account = $1
		ORDER BY created_at DESC, bridge_tx_hash ASC
		LIMIT $2
	`, accountKey(account), history.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history/postgres: list: %w", err)
	}
	defer rows.Close()

	out := make([]history.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history/postgres: list scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history/postgres: list: %w", err)
	}
	return out, nil
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]history.LeaderboardEntry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account, SUM(amount)::BIGINT AS total, COUNT(*) AS transfers, MAX(created_at)
		FROM bridge_transfers
		GROUP BY account
		ORDER BY total DESC, transfers DESC, account COLLATE "C" ASC
		LIMIT $1
	`, history.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history/postgres: leaderboard: %w", err)
	}
	defer rows.Close()

	out := make([]history.LeaderboardEntry, 0)
	for rows.Next() {
		var (
			account   string
			total     int64
			transfers int64
			last      time.Time
		)
		if err := rows.Scan(&account, &total, &transfers, &last); err != nil {
			return nil, fmt.Errorf("history/postgres: leaderboard scan: %w", err)
		}
		out = append(out, history.LeaderboardEntry{
			Account:        common.HexToAddress(account),
			TotalAmount:    uint64(total),
			Transfers:      int(transfers),
			LastTransferAt: last.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history/postgres: leaderboard: %w", err)
	}
	return out, nil
}

// accountKey is lowercase hex so that text ordering matches byte ordering.
func accountKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func scanRecord(row pgx.Row) (history.Record, error) {
	var (
		chainID     int64
		hash        []byte
		blockNumber int64
		account     string
		recipient   string
		network     string
		amount      int64
		approval    []byte
		runID       string
		created     time.Time
	)
	if err := row.Scan(&chainID, &hash, &blockNumber, &account, &recipient, &network, &amount, &approval, &runID, &created); err != nil {
		return history.Record{}, err
	}
	r := history.Record{
		ChainID:      uint64(chainID),
		BridgeTxHash: common.BytesToHash(hash),
		BlockNumber:  uint64(blockNumber),
		Account:      common.HexToAddress(account),
		Recipient:    recipient,
		Network:      network,
		Amount:       uint64(amount),
		RunID:        runID,
		CreatedAt:    created.UTC(),
	}
	if len(approval) == common.HashLength {
		h := common.BytesToHash(approval)
		r.ApprovalTxHash = &h
	}
	return r, nil
}
