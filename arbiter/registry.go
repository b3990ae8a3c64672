package arbiter

import (
	"math"
	"strings"
	"time"
)

// Register builds a new active arbiter at baseline reputation.
func Register(id string, stake uint64, now time.Time, p Policy) (Arbiter, error) {
	if strings.TrimSpace(id) == "" {
		return Arbiter{}, ErrInvalidID
	}
	if stake > math.MaxInt64 {
		return Arbiter{}, ErrInvalidStake
	}
	if stake < p.MinStake {
		return Arbiter{}, ErrInsufficientStake
	}
	return Arbiter{
		ID:         id,
		Stake:      stake,
		Reputation: p.BaselineReputation,
		IsActive:   true,
		JoinedAt:   now.UTC(),
	}, nil
}

// Deactivate removes the arbiter from future selection. Past rounds keep
// their reference.
func (a Arbiter) Deactivate() (Arbiter, error) {
	if !a.IsActive {
		return a, ErrInactive
	}
	a.IsActive = false
	return a, nil
}

// Reactivate returns an arbiter to the pool if its stake still qualifies.
func (a Arbiter) Reactivate(p Policy) (Arbiter, error) {
	if a.IsActive {
		return a, ErrAlreadyActive
	}
	if a.Stake < p.MinStake {
		return a, ErrInsufficientStake
	}
	a.IsActive = true
	return a, nil
}

// Eligible reports whether a may be assigned a new case.
func (a Arbiter) Eligible(p Policy) bool {
	return a.IsActive && a.Stake >= p.MinStake
}
