package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/store"
)

// Outbox topics.
const (
	TopicEscrowCreated     = "escrow.created"
	TopicEscrowReleased    = "escrow.released"
	TopicEscrowExpired     = "escrow.expired"
	TopicEscrowCancelled   = "escrow.cancelled"
	TopicDisputeOpened     = "dispute.opened"
	TopicDisputeResolved   = "dispute.resolved"
	TopicDisputeAppealed   = "dispute.appealed"
	TopicDisputeReassigned = "dispute.reassigned"
	TopicDisputeSettled    = "dispute.settled"
	TopicArbiterRegistered = "arbiter.registered"
	TopicArbiterSlashed    = "arbiter.slashed"
)

type escrowEvent struct {
	EscrowID string        `json:"escrow_id"`
	Buyer    string        `json:"buyer"`
	Seller   string        `json:"seller"`
	Amount   uint64        `json:"amount"`
	Asset    string        `json:"asset"`
	Status   escrow.Status `json:"status"`
	Caller   string        `json:"caller,omitempty"`
	At       time.Time     `json:"at"`
}

func newEscrowEvent(e escrow.Escrow, caller string, now time.Time) escrowEvent {
	return escrowEvent{
		EscrowID: e.ID, Buyer: e.Buyer, Seller: e.Seller, Amount: e.Amount, Asset: e.Asset,
		Status: e.Status, Caller: caller, At: now.UTC(),
	}
}

type disputeEvent struct {
	DisputeID    string         `json:"dispute_id"`
	EscrowID     string         `json:"escrow_id"`
	Round        int            `json:"round"`
	Status       dispute.Status `json:"status"`
	Arbiter      string         `json:"arbiter"`
	Decision     dispute.Kind   `json:"decision,omitempty"`
	BuyerPercent *int           `json:"buyer_percent,omitempty"`
	Caller       string         `json:"caller,omitempty"`
	At           time.Time      `json:"at"`
}

func newDisputeEvent(r dispute.Round, caller string, now time.Time) disputeEvent {
	kind, pct := dispute.Encode(r.Decision)
	return disputeEvent{
		DisputeID: r.ID, EscrowID: r.EscrowID, Round: r.Number, Status: r.Status, Arbiter: r.Arbiter,
		Decision: kind, BuyerPercent: pct, Caller: caller, At: now.UTC(),
	}
}

type arbiterEvent struct {
	ArbiterID string    `json:"arbiter_id"`
	Stake     uint64    `json:"stake,omitempty"`
	Slashed   uint64    `json:"slashed,omitempty"`
	DisputeID string    `json:"dispute_id,omitempty"`
	At        time.Time `json:"at"`
}

func newArbiterEvent(a arbiter.Arbiter, now time.Time) arbiterEvent {
	return arbiterEvent{ArbiterID: a.ID, Stake: a.Stake, At: now.UTC()}
}

func enqueue(ctx context.Context, tx store.Tx, topic, key string, payload any, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("protocol: marshal %s: %w", topic, err)
	}
	return tx.Enqueue(ctx, store.Event{Topic: topic, Key: key, Payload: body, CreatedAt: now.UTC()})
}
