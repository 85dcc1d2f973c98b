package bridgeapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/leases"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/pipeline"
)

var ErrNoWallet = errors.New("bridgeapi: no wallet configured for chain")

const defaultLeaseTTL = 30 * time.Second

type SessionsConfig struct {
	Registry *chain.Registry
	// Pipeline is copied for every chain with a wallet.
	Pipeline pipeline.Config

	// Leases, when set, keeps one wallet's session exclusive across API replicas.
	Leases   leases.Store
	LeaseTTL time.Duration
	Owner    string

	Log *slog.Logger
}

type session struct {
	wallet   pipeline.Wallet
	pipeline *pipeline.Pipeline

	mu     sync.Mutex
	done   chan struct{}
	cancel context.CancelFunc
}

// Sessions runs bridge executions in the background, one pipeline per wallet-backed chain.
type Sessions struct {
	cfg  SessionsConfig
	byID map[uint64]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Pipeline.Log == nil {
		cfg.Pipeline.Log = cfg.Log
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}

	byID := make(map[uint64]*session)
	for _, id := range cfg.Registry.ChainIDs() {
		c, err := cfg.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		if !c.HasWallet() {
			continue
		}
		p, err := pipeline.New(cfg.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
		byID[id] = &session{wallet: pipeline.WalletFromClient(c), pipeline: p}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sessions{cfg: cfg, byID: byID, ctx: ctx, cancel: cancel}, nil
}

func (s *Sessions) get(chainID uint64) (*session, error) {
	sess, ok := s.byID[chainID]
	if !ok {
		if _, err := s.cfg.Registry.Get(chainID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d", ErrNoWallet, chainID)
	}
	return sess, nil
}

// Account is the wallet address bridging on chainID.
func (s *Sessions) Account(chainID uint64) (common.Address, error) {
	sess, err := s.get(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return sess.wallet.Account, nil
}

// Start validates req and runs it in the background. It returns pipeline.ErrBusy while this
// process runs a transfer for the chain, and leases.ErrHeld while another replica does.
func (s *Sessions) Start(ctx context.Context, chainID uint64, req pipeline.Request) error {
	sess, err := s.get(chainID)
	if err != nil {
		return err
	}
	if req.ChainID == 0 {
		req.ChainID = chainID
	}
	if err := sess.pipeline.Validate(sess.wallet, req); err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.done != nil {
		return pipeline.ErrBusy
	}

	var lease *leases.Session
	if s.cfg.Leases != nil {
		lease, err = leases.Acquire(ctx, s.cfg.Leases, leases.SessionName(chainID, sess.wallet.Account), s.cfg.Owner, s.cfg.LeaseTTL)
		if err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	sess.done = done
	sess.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx, cancel, sess, req, lease, done)
	return nil
}

func (s *Sessions) run(ctx context.Context, cancel context.CancelFunc, sess *session, req pipeline.Request, lease *leases.Session, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer cancel()

	log := s.cfg.Log.With("chainID", req.ChainID, "account", sess.wallet.Account)

	if lease != nil {
		go func() {
			select {
			case <-lease.Lost():
				log.Warn("bridge session lease lost; cancelling run", "lease", lease.Lease().Name)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if _, err := sess.pipeline.Execute(ctx, sess.wallet, req); err != nil {
		log.Warn("bridge run ended with error", "err", err)
	}

	if lease != nil {
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := lease.Release(relCtx); err != nil {
			log.Error("release bridge session lease", "err", err)
		}
		relCancel()
	}

	sess.mu.Lock()
	sess.done = nil
	sess.cancel = nil
	sess.mu.Unlock()
}

func (s *Sessions) Snapshot(chainID uint64) (pipeline.Snapshot, error) {
	sess, err := s.get(chainID)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	return sess.pipeline.Snapshot(), nil
}

// Reset returns the chain's pipeline to idle and waits for a detached run to wind down.
func (s *Sessions) Reset(ctx context.Context, chainID uint64) error {
	sess, err := s.get(chainID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	done, cancel := sess.done, sess.cancel
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sess.pipeline.Reset()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		// A run cancelled before Execute began records its own error state.
		sess.pipeline.Reset()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Networks lists the chains that can bridge.
func (s *Sessions) Networks() []networks.Network {
	out := make([]networks.Network, 0, len(s.byID))
	for _, id := range s.cfg.Registry.ChainIDs() {
		if _, ok := s.byID[id]; !ok {
			continue
		}
		c, err := s.cfg.Registry.Get(id)
		if err == nil {
			out = append(out, c.Network)
		}
	}
	return out
}

// Close cancels running transfers and waits for them to exit.
func (s *Sessions) Close() {
	s.cancel()
	s.wg.Wait()
}
