// Package outbox relays domain events written by the protocol to an external
// publisher. Events are delivered at least once; consumers key on Event.ID.
package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/store"
)

// Publisher hands one event to the outside world.
type Publisher interface {
	Publish(ctx context.Context, ev store.Event) error
}

// Source yields undelivered events and records delivery outcomes.
type Source interface {
	// Drain passes up to limit pending events to publish and returns how many
	// were delivered.
	Drain(ctx context.Context, limit int, publish func(context.Context, store.Event) error) (int, error)
}

type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batchSize int
	log       *zap.SugaredLogger
}

func NewRelay(source Source, publisher Publisher, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		log:       zap.NewNop().Sugar(),
	}
}

func (r *Relay) WithLogger(log *zap.SugaredLogger) *Relay {
	r.log = log
	return r
}

// Run drains the source every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Errorw("outbox iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush runs one drain pass.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	n, err := r.source.Drain(ctx, r.batchSize, func(ctx context.Context, ev store.Event) error {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.Warnw("publish failed", "event_id", ev.ID, "topic", ev.Topic, "error", err)
			return err
		}
		return nil
	})
	if n > 0 {
		r.log.Debugw("outbox drained", "delivered", n)
	}
	return n, err
}

// LogPublisher writes events to the log. It stands in when no broker is
// configured.
type LogPublisher struct {
	Log *zap.SugaredLogger
}

func (p LogPublisher) Publish(_ context.Context, ev store.Event) error {
	p.Log.Infow("event", "id", ev.ID, "topic", ev.Topic, "key", ev.Key, "payload", string(ev.Payload))
	return nil
}
