// Package settlement turns protocol outcomes into ledger instructions and
// arbiter counter deltas. It performs no I/O; callers post the batches.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

var ErrTerminal = errors.New("settlement: escrow already terminal")

// SettleKey is shared by every batch that closes an escrow, so the ledger
// accepts at most one of them.
func SettleKey(escrowID string) string { return "settle/" + escrowID }

// DepositKey identifies the custody transfer made at creation.
func DepositKey(escrowID string) string { return "deposit/" + escrowID }

// StakeKey identifies an arbiter's collateral lock.
func StakeKey(arbiterID string) string { return "stake/" + arbiterID }

// Executor plans settlements under a fixed arbiter policy.
type Executor struct {
	Policy     arbiter.Policy
	StakeAsset string
}

// Slash records stake taken from an arbiter whose decision was overturned.
type Slash struct {
	ArbiterID string
	RoundID   string
	Amount    uint64
}

// Plan is the full effect of closing a disputed escrow.
type Plan struct {
	Batch   ledger.Batch
	Status  escrow.Status
	Deltas  []arbiter.Delta
	Slashes []Slash
}

// Deposit moves the buyer's funds into the escrow vault.
func Deposit(e escrow.Escrow) ledger.Batch {
	return ledger.Batch{Key: DepositKey(e.ID), Transfers: []ledger.Transfer{
		{From: ledger.Party(e.Buyer), To: ledger.EscrowVault(e.ID), Amount: e.Amount, Asset: e.Asset, Memo: "deposit"},
	}}
}

// Release pays the seller in full. It also serves expiry.
func Release(e escrow.Escrow) (ledger.Batch, error) {
	if e.Status.Terminal() {
		return ledger.Batch{}, ErrTerminal
	}
	return ledger.Batch{Key: SettleKey(e.ID), Transfers: []ledger.Transfer{
		{From: ledger.EscrowVault(e.ID), To: ledger.Party(e.Seller), Amount: e.Amount, Asset: e.Asset, Memo: "release"},
	}}, nil
}

// Refund returns the full amount to the buyer after a mutual cancel.
func Refund(e escrow.Escrow) (ledger.Batch, error) {
	if e.Status.Terminal() {
		return ledger.Batch{}, ErrTerminal
	}
	return ledger.Batch{Key: SettleKey(e.ID), Transfers: []ledger.Transfer{
		{From: ledger.EscrowVault(e.ID), To: ledger.Party(e.Buyer), Amount: e.Amount, Asset: e.Asset, Memo: "refund"},
	}}, nil
}

// Distribute splits the vault according to d. Zero-value legs are omitted.
func Distribute(e escrow.Escrow, d dispute.Decision) ([]ledger.Transfer, error) {
	if err := dispute.ValidateDecision(d); err != nil {
		return nil, err
	}
	buyer := dispute.BuyerShare(d, e.Amount)
	seller := e.Amount - buyer
	out := make([]ledger.Transfer, 0, 2)
	if buyer > 0 {
		out = append(out, ledger.Transfer{From: ledger.EscrowVault(e.ID), To: ledger.Party(e.Buyer), Amount: buyer, Asset: e.Asset, Memo: string(d.Kind())})
	}
	if seller > 0 {
		out = append(out, ledger.Transfer{From: ledger.EscrowVault(e.ID), To: ledger.Party(e.Seller), Amount: seller, Asset: e.Asset, Memo: string(d.Kind())})
	}
	return out, nil
}

// Stake locks an arbiter's collateral in its stake vault.
func (x Executor) Stake(arbiterID string, amount uint64) ledger.Batch {
	return ledger.Batch{Key: StakeKey(arbiterID), Transfers: []ledger.Transfer{
		{From: ledger.Party(arbiterID), To: ledger.StakeVault(arbiterID), Amount: amount, Asset: x.StakeAsset, Memo: "stake"},
	}}
}

// Assigned is the delta for a new case assignment.
func Assigned(arbiterID string) arbiter.Delta {
	return arbiter.Delta{ArbiterID: arbiterID, OpenAssignments: 1}
}

// Unassigned is the delta for a case taken away from an arbiter.
func Unassigned(arbiterID string) arbiter.Delta {
	return arbiter.Delta{ArbiterID: arbiterID, OpenAssignments: -1}
}

// Resolved is the delta for a recorded decision.
func (x Executor) Resolved(arbiterID string, now time.Time) arbiter.Delta {
	at := now.UTC()
	return arbiter.Delta{
		ArbiterID:       arbiterID,
		CasesResolved:   1,
		Reputation:      x.Policy.ResolutionReward,
		OpenAssignments: -1,
		ResolvedAt:      &at,
	}
}

// Finalize plans the binding settlement of a disputed escrow: the fund
// distribution of the final round plus penalties for every earlier arbiter it
// overturned. arbiters supplies current stakes keyed by id.
func (x Executor) Finalize(e escrow.Escrow, chain dispute.Chain, final dispute.Round, arbiters map[string]arbiter.Arbiter) (Plan, error) {
	if e.Status.Terminal() {
		return Plan{}, ErrTerminal
	}
	if final.EscrowID != e.ID || final.Decision == nil {
		return Plan{}, fmt.Errorf("settlement: round %s cannot settle escrow %s", final.ID, e.ID)
	}
	transfers, err := Distribute(e, final.Decision)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Status: escrow.StatusCompleted}
	seen := make(map[string]struct{})
	for _, r := range chain.Overturned(final) {
		if _, ok := seen[r.Arbiter]; ok {
			continue
		}
		seen[r.Arbiter] = struct{}{}

		a, ok := arbiters[r.Arbiter]
		if !ok {
			return Plan{}, fmt.Errorf("settlement: arbiter %s: %w", r.Arbiter, arbiter.ErrNotFound)
		}
		amount := x.Policy.SlashAmount(a.Stake)
		plan.Deltas = append(plan.Deltas, arbiter.Delta{
			ArbiterID:  a.ID,
			Reputation: -x.Policy.OverturnPenalty,
			Stake:      -int64(amount),
		})
		plan.Slashes = append(plan.Slashes, Slash{ArbiterID: a.ID, RoundID: r.ID, Amount: amount})
		if amount > 0 {
			transfers = append(transfers, ledger.Transfer{
				From: ledger.StakeVault(a.ID), To: ledger.Treasury, Amount: amount, Asset: x.StakeAsset, Memo: "slash " + r.ID,
			})
		}
	}
	plan.Batch = ledger.Batch{Key: SettleKey(e.ID), Transfers: transfers}
	return plan, nil
}
