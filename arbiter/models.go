package arbiter

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("arbiter: not found")
	ErrInsufficientStake = errors.New("arbiter: stake below minimum")
	ErrAlreadyRegistered = errors.New("arbiter: already registered")
	ErrInactive          = errors.New("arbiter: inactive")
	ErrAlreadyActive     = errors.New("arbiter: already active")
	ErrNoEligibleArbiter = errors.New("arbiter: no eligible arbiter")
	ErrInvalidPolicy     = errors.New("arbiter: invalid policy")
	ErrInvalidID         = errors.New("arbiter: id required")
	ErrInvalidStake      = errors.New("arbiter: stake out of range")
)

// Arbiter mirrors the arbiters table. The id is the arbiter's account id.
type Arbiter struct {
	ID              string
	Stake           uint64
	Reputation      int64
	CasesResolved   uint64
	OpenAssignments int64
	IsActive        bool
	JoinedAt        time.Time
	LastResolvedAt  *time.Time
}

// Policy holds the registry's economic parameters.
type Policy struct {
	MinStake           uint64
	BaselineReputation int64
	ResolutionReward   int64
	OverturnPenalty    int64
	// SlashBps is the share of stake taken from an overturned arbiter, in basis points.
	SlashBps        uint64
	Cooldown        time.Duration
	CooldownDivisor uint64
}

// DefaultPolicy matches the on-chain parameters of the first deployment.
func DefaultPolicy() Policy {
	return Policy{
		MinStake:           10_000_000,
		BaselineReputation: 100,
		ResolutionReward:   10,
		OverturnPenalty:    25,
		SlashBps:           1_000,
		Cooldown:           24 * time.Hour,
		CooldownDivisor:    4,
	}
}

// Validate rejects parameter sets that would break selection or slashing.
func (p Policy) Validate() error {
	if p.MinStake == 0 || p.CooldownDivisor == 0 || p.SlashBps > 10_000 || p.Cooldown < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// SlashAmount is the part of stake forfeited on an overturned decision.
func (p Policy) SlashAmount(stake uint64) uint64 {
	return stake/10_000*p.SlashBps + stake%10_000*p.SlashBps/10_000
}

// Delta is an additive change to an arbiter's counters. Stores apply a Delta
// atomically per arbiter, so concurrent resolutions never lose increments.
type Delta struct {
	ArbiterID       string
	Stake           int64
	Reputation      int64
	CasesResolved   int64
	OpenAssignments int64
	ResolvedAt      *time.Time
}

// Zero reports whether the delta changes nothing.
func (d Delta) Zero() bool {
	return d.Stake == 0 && d.Reputation == 0 && d.CasesResolved == 0 && d.OpenAssignments == 0 && d.ResolvedAt == nil
}

// Apply returns a copy of a with d added. Stake never drops below zero.
func (a Arbiter) Apply(d Delta) Arbiter {
	switch {
	case d.Stake < 0 && uint64(-d.Stake) > a.Stake:
		a.Stake = 0
	case d.Stake < 0:
		a.Stake -= uint64(-d.Stake)
	default:
		a.Stake += uint64(d.Stake)
	}
	a.Reputation += d.Reputation
	if d.CasesResolved < 0 && uint64(-d.CasesResolved) > a.CasesResolved {
		a.CasesResolved = 0
	} else {
		a.CasesResolved = uint64(int64(a.CasesResolved) + d.CasesResolved)
	}
	a.OpenAssignments += d.OpenAssignments
	if a.OpenAssignments < 0 {
		a.OpenAssignments = 0
	}
	if d.ResolvedAt != nil {
		at := d.ResolvedAt.UTC()
		a.LastResolvedAt = &at
	}
	return a
}

// Merge folds several deltas into one per arbiter, preserving first-seen order.
func Merge(deltas ...Delta) []Delta {
	idx := make(map[string]int, len(deltas))
	out := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		i, ok := idx[d.ArbiterID]
		if !ok {
			idx[d.ArbiterID] = len(out)
			out = append(out, d)
			continue
		}
		m := &out[i]
		m.Stake += d.Stake
		m.Reputation += d.Reputation
		m.CasesResolved += d.CasesResolved
		m.OpenAssignments += d.OpenAssignments
		if d.ResolvedAt != nil {
			m.ResolvedAt = d.ResolvedAt
		}
	}
	return out
}
