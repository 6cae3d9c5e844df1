// Package sweeper runs the periodic maintenance jobs: failing work units
// stuck in Pending and re-verifying evidence chains.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/chain"
)

type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration) (int, error)
}

type Verifier interface {
	ChainIDs(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, chainID string) (chain.VerifyResult, error)
}

type Config struct {
	Reconciler        Reconciler
	Verifier          Verifier
	PendingDeadline   time.Duration
	ReconcileInterval time.Duration
	VerifyInterval    time.Duration
	// Chains restricts verification; empty means every chain.
	Chains []string
}

// Report summarises one sweep.
type Report struct {
	Reconciled     int
	ChainsVerified int
	BrokenChains   []string
}

type Sweeper struct {
	reconciler        Reconciler
	verifier          Verifier
	pendingDeadline   time.Duration
	reconcileInterval time.Duration
	verifyInterval    time.Duration
	chains            []string

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config) *Sweeper {
	return &Sweeper{
		reconciler:        cfg.Reconciler,
		verifier:          cfg.Verifier,
		pendingDeadline:   cfg.PendingDeadline,
		reconcileInterval: cfg.ReconcileInterval,
		verifyInterval:    cfg.VerifyInterval,
		chains:            cfg.Chains,
		trigger:           make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

// Trigger requests an immediate full sweep. It never blocks.
func (s *Sweeper) Trigger() {
	if s == nil {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	reconcileTick := newTicker(s.reconcileInterval)
	defer stopTicker(reconcileTick)
	verifyTick := newTicker(s.verifyInterval)
	defer stopTicker(verifyTick)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.trigger:
			s.RunOnce(ctx)
		case <-tickChan(reconcileTick):
			s.reconcile(ctx)
		case <-tickChan(verifyTick):
			s.verify(ctx)
		}
	}
}

// RunOnce runs both jobs synchronously.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	var r Report
	r.Reconciled = s.reconcile(ctx)
	r.ChainsVerified, r.BrokenChains = s.verify(ctx)
	return r
}

func (s *Sweeper) reconcile(ctx context.Context) int {
	if s.reconciler == nil || s.pendingDeadline <= 0 {
		return 0
	}
	n, err := s.reconciler.Reconcile(ctx, s.pendingDeadline)
	if err != nil {
		log.Error().Err(err).Int("reconciled", n).Msg("sweeper.reconcile: failed")
	}
	if n > 0 {
		log.Info().Int("reconciled", n).Msg("sweeper.reconcile: failed stuck work units")
	}
	return n
}

func (s *Sweeper) verify(ctx context.Context) (int, []string) {
	if s.verifier == nil {
		return 0, nil
	}

	ids := s.chains
	if len(ids) == 0 {
		var err error
		ids, err = s.verifier.ChainIDs(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sweeper.verify: list chains")
			return 0, nil
		}
	}

	var (
		verified int
		broken   []string
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := s.verifier.Verify(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("chain_id", id).Msg("sweeper.verify: failed")
			continue
		}
		verified++
		if !res.Valid {
			broken = append(broken, id)
		}
	}
	return verified, broken
}

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		return nil
	}
	return time.NewTicker(d)
}

func stopTicker(t *time.Ticker) {
	if t != nil {
		t.Stop()
	}
}

func tickChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
