// Package leases serializes bridge sessions per wallet across API replicas.
//
// A session lease is named after the source chain and the account; only its owner may drive
// the wallet's pipeline until it is released or expires.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
	ErrHeld         = errors.New("leases: held by another owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store provides a compare-and-swap style lease API.
//
// Semantics:
//   - TryAcquire succeeds if the lease does not exist or is expired at the store's notion of "now".
//   - Renew succeeds only if the lease currently exists and is owned by owner.
//   - Release is idempotent if the lease is already absent.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

// SessionName is the lease guarding one wallet's bridge session on one chain.
func SessionName(chainID uint64, account common.Address) string {
	return fmt.Sprintf("bridge-session/%d/%s", chainID, strings.ToLower(account.Hex()))
}

// Session is an acquired lease kept alive until Release.
type Session struct {
	store Store
	lease Lease
	ttl   time.Duration

	stop chan struct{}
	done chan struct{}
	lost chan struct{}

	once sync.Once
	err  error
}

// Acquire takes the lease and renews it every ttl/3 in the background. It returns ErrHeld,
// with the current holder, when another owner has it.
func Acquire(ctx context.Context, store Store, name, owner string, ttl time.Duration) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	l, ok, err := store.TryAcquire(ctx, name, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s until %s", ErrHeld, l.Owner, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	s := &Session{
		store: store,
		lease: l,
		ttl:   ttl,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go s.renew()
	return s, nil
}

func (s *Session) Lease() Lease { return s.lease }

// Lost is closed if a renewal finds the lease taken by someone else.
func (s *Session) Lost() <-chan struct{} { return s.lost }

func (s *Session) renew() {
	defer close(s.done)

	interval := s.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, _, err := s.store.Renew(ctx, s.lease.Name, s.lease.Owner, s.ttl)
			cancel()
			if errors.Is(err, ErrNotOwner) || errors.Is(err, ErrNotFound) {
				close(s.lost)
				return
			}
		}
	}
}

// Release stops renewal and drops the lease.
func (s *Session) Release(ctx context.Context) error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err := s.store.Release(ctx, s.lease.Name, s.lease.Owner)
		if !errors.Is(err, ErrNotOwner) {
			s.err = err
		}
	})
	return s.err
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
