// Package crank drives the time-based transitions nobody is obliged to call:
// auto-release of expired escrows and settlement of disputes whose appeal
// window closed.
package crank

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Protocol is the slice of protocol.Service the crank drives.
type Protocol interface {
	DueEscrows(ctx context.Context, limit int) ([]string, error)
	DueSettlements(ctx context.Context, limit int) ([]string, error)
	ExpireEscrow(ctx context.Context, id string) (escrow.Escrow, error)
	FinalizeDispute(ctx context.Context, roundID string) (escrow.Escrow, error)
}

// Result counts the work done by one pass.
type Result struct {
	Expired   int
	Finalized int
	Failed    int
}

type Crank struct {
	p         Protocol
	interval  time.Duration
	batchSize int
	log       *zap.SugaredLogger
}

func New(p Protocol, interval time.Duration, batchSize int) *Crank {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Crank{p: p, interval: interval, batchSize: batchSize, log: zap.NewNop().Sugar()}
}

func (c *Crank) WithLogger(log *zap.SugaredLogger) *Crank {
	c.log = log
	return c
}

func (c *Crank) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		res, err := c.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Errorw("crank pass failed", "error", err)
		} else if res.Expired+res.Finalized+res.Failed > 0 {
			c.log.Infow("crank pass", "expired", res.Expired, "finalized", res.Finalized, "failed", res.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. Individual failures are logged and counted; a listing
// failure aborts the pass.
func (c *Crank) Tick(ctx context.Context) (Result, error) {
	var res Result

	due, err := c.p.DueEscrows(ctx, c.batchSize)
	if err != nil {
		return res, err
	}
	for _, id := range due {
		if _, err := c.p.ExpireEscrow(ctx, id); err != nil {
			// Lost a race with a release, cancel or dispute.
			if errors.Is(err, escrow.ErrNotActive) || errors.Is(err, escrow.ErrEscrowDisputed) {
				continue
			}
			res.Failed++
			c.log.Warnw("expire failed", "escrow_id", id, "error", err)
			continue
		}
		res.Expired++
	}

	rounds, err := c.p.DueSettlements(ctx, c.batchSize)
	if err != nil {
		return res, err
	}
	for _, id := range rounds {
		if _, err := c.p.FinalizeDispute(ctx, id); err != nil {
			if errors.Is(err, dispute.ErrNotFinal) {
				continue
			}
			res.Failed++
			c.log.Warnw("finalize failed", "dispute_id", id, "error", err)
			continue
		}
		res.Finalized++
	}
	return res, nil
}
