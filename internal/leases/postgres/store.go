package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/stacks-bridge/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps session leases in Postgres. Expiry is judged by the database clock so replicas
// with skewed clocks still agree.
type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) ready() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `
		INSERT INTO bridge_session_leases (name, owner, expires_at, acquired_at, renewed_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now(),
			renewed_at = now()
		WHERE bridge_session_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		// Held and unexpired: report the holder.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `
		UPDATE bridge_session_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			renewed_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return leases.Lease{}, false, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM bridge_session_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	_, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	default:
		return leases.ErrNotOwner
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, err
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM bridge_session_leases WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}

func scanLease(name string, row pgx.Row) (leases.Lease, error) {
	l := leases.Lease{Name: name}
	if err := row.Scan(&l.Owner, &l.ExpiresAt); err != nil {
		return leases.Lease{}, err
	}
	return l, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}
