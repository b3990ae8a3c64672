// Package protocol is the public operation surface of the escrow and
// arbitration protocol. Every mutation validates input, authorizes the
// caller, computes the transition inside one store transaction and posts the
// ledger batch before staging any local write.
package protocol

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/oracle"
	"escrowflow/settlement"
	"escrowflow/store"
)

// Screener is the identity and fraud pre-check consulted on escrow creation.
type Screener interface {
	Allow(ctx context.Context, party string) (bool, error)
}

// Config carries the protocol parameters.
type Config struct {
	Arbiters   arbiter.Policy
	Disputes   dispute.Policy
	StakeAsset string
	Admins     []string
}

// DefaultConfig returns the parameters of the reference deployment.
func DefaultConfig() Config {
	return Config{
		Arbiters:   arbiter.DefaultPolicy(),
		Disputes:   dispute.DefaultPolicy(),
		StakeAsset: "USDC",
	}
}

type Service struct {
	store    store.Store
	ledger   ledger.Ledger
	cfg      Config
	exec     settlement.Executor
	admins   map[string]struct{}
	screener Screener
	quoter   oracle.Quoter
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewService(st store.Store, l ledger.Ledger, cfg Config) *Service {
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = struct{}{}
	}
	return &Service{
		store:  st,
		ledger: l,
		cfg:    cfg,
		exec:   settlement.Executor{Policy: cfg.Arbiters, StakeAsset: cfg.StakeAsset},
		admins: admins,
		now:    time.Now,
		log:    zap.NewNop().Sugar(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithScreener(sc Screener) *Service {
	s.screener = sc
	return s
}

func (s *Service) WithQuoter(q oracle.Quoter) *Service {
	s.quoter = q
	return s
}

func (s *Service) WithLogger(log *zap.SugaredLogger) *Service {
	s.log = log
	return s
}

// Config returns the active parameters.
func (s *Service) Config() Config {
	return s.cfg
}

// post hands a batch to the ledger. An identical replay counts as success; a
// key reused with other transfers is a settlement error.
func (s *Service) post(ctx context.Context, batch ledger.Batch) error {
	if err := ledger.Post(ctx, s.ledger, batch); err != nil {
		s.log.Warnw("ledger rejected batch", "key", batch.Key, "error", err)
		return fmt.Errorf("%w: %w", ErrSettlement, err)
	}
	return nil
}

// adjust applies deltas merged per arbiter in id order, so concurrent
// transactions touching several arbiters take row locks in the same order.
func adjust(ctx context.Context, tx store.Tx, deltas ...arbiter.Delta) error {
	merged := arbiter.Merge(deltas...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].ArbiterID < merged[j].ArbiterID })
	for _, d := range merged {
		if err := tx.AdjustArbiter(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) requireAdmin(caller string) error {
	if _, ok := s.admins[caller]; !ok {
		return ErrNotAdmin
	}
	return nil
}

func (s *Service) checkPaused(ctx context.Context, tx store.Tx) error {
	paused, err := tx.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}
