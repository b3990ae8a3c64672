package dispute

import (
	"errors"
	"time"
	"unicode/utf8"

	"escrowflow/escrow"
	"escrowflow/ids"
)

var (
	ErrNotFound           = errors.New("dispute: not found")
	ErrReasonTooLong      = errors.New("dispute: reason too long")
	ErrReasoningTooLong   = errors.New("dispute: reasoning too long")
	ErrUnauthorized       = errors.New("dispute: unauthorized")
	ErrNotOpen            = errors.New("dispute: round not open")
	ErrArbiterInactive    = errors.New("dispute: arbiter inactive")
	ErrArbiterActive      = errors.New("dispute: assigned arbiter still active")
	ErrAlreadyAppealed    = errors.New("dispute: round already appealed")
	ErrNotResolved        = errors.New("dispute: round not resolved")
	ErrAppealLimitReached = errors.New("dispute: appeal limit reached")
	ErrAppealWindowClosed = errors.New("dispute: appeal window closed")
	ErrNotFinal           = errors.New("dispute: decision not final")
	ErrAlreadySettled     = errors.New("dispute: already settled")
)

// ValidateReason checks the opener's reason against its length bound.
func ValidateReason(reason string) error {
	if utf8.RuneCountInString(reason) > MaxReasonLen {
		return ErrReasonTooLong
	}
	return nil
}

// Authorize returns the opener's role on e, or ErrUnauthorized.
func Authorize(e escrow.Escrow, caller string) (escrow.Role, error) {
	role, ok := e.RoleOf(caller)
	if !ok {
		return "", ErrUnauthorized
	}
	return role, nil
}

// NewRound starts round number of the escrow's dispute chain with an
// assigned arbiter and the seed used to draw it.
func NewRound(escrowID string, number int, opener string, role escrow.Role, reason, arbiterID string, seed []byte, now time.Time) Round {
	return Round{
		ID:         ids.DisputeRound(escrowID, number),
		EscrowID:   escrowID,
		Number:     number,
		Opener:     opener,
		OpenerRole: role,
		Reason:     reason,
		Status:     StatusOpen,
		Arbiter:    arbiterID,
		Seed:       append([]byte(nil), seed...),
		CreatedAt:  now.UTC(),
	}
}

// Resolve records the assigned arbiter's decision. The round becomes
// immutable except for the appeal and settlement markers.
func (r Round) Resolve(caller string, callerActive bool, d Decision, reasoning string, now time.Time) (Round, error) {
	if caller == "" || caller != r.Arbiter {
		return r, ErrUnauthorized
	}
	if r.Status != StatusOpen {
		return r, ErrNotOpen
	}
	if utf8.RuneCountInString(reasoning) > MaxReasoningLen {
		return r, ErrReasoningTooLong
	}
	if err := ValidateDecision(d); err != nil {
		return r, err
	}
	if !callerActive {
		return r, ErrArbiterInactive
	}
	at := now.UTC()
	r.Status = StatusResolved
	r.Decision = d
	r.Reasoning = reasoning
	r.ResolvedAt = &at
	return r, nil
}

// Reassign hands an open round to arbiterID. Only rounds whose current
// arbiter left the active pool can move.
func (r Round) Reassign(currentActive bool, arbiterID string, seed []byte) (Round, error) {
	if r.Status != StatusOpen {
		return r, ErrNotOpen
	}
	if currentActive {
		return r, ErrArbiterActive
	}
	r.Arbiter = arbiterID
	r.Seed = append([]byte(nil), seed...)
	return r, nil
}

// Chain is the ordered list of rounds for one escrow.
type Chain []Round

// Latest returns the highest-numbered round.
func (c Chain) Latest() (Round, bool) {
	if len(c) == 0 {
		return Round{}, false
	}
	return c[len(c)-1], true
}

// Find returns the round with the given id.
func (c Chain) Find(id string) (Round, bool) {
	for _, r := range c {
		if r.ID == id {
			return r, true
		}
	}
	return Round{}, false
}

// AppealsUsed counts rounds superseded by an appeal.
func (c Chain) AppealsUsed() int {
	n := 0
	for _, r := range c {
		if r.Status == StatusAppealed {
			n++
		}
	}
	return n
}

// Arbiters lists every arbiter assigned so far, for exclusion on appeal.
func (c Chain) Arbiters() []string {
	out := make([]string, 0, len(c))
	for _, r := range c {
		if r.Arbiter != "" {
			out = append(out, r.Arbiter)
		}
	}
	return out
}

// Overturned returns earlier resolved rounds whose decision differs from final.
func (c Chain) Overturned(final Round) []Round {
	var out []Round
	for _, r := range c {
		if r.Number >= final.Number || r.Decision == nil {
			continue
		}
		if !SameOutcome(r.Decision, final.Decision) {
			out = append(out, r)
		}
	}
	return out
}

// Appeal marks roundID as appealed by a party of e. The caller appends the
// next round with a freshly selected arbiter.
func (p Policy) Appeal(c Chain, e escrow.Escrow, roundID, caller string, now time.Time) (Round, error) {
	r, ok := c.Find(roundID)
	if !ok {
		return Round{}, ErrNotFound
	}
	if _, ok := e.RoleOf(caller); !ok {
		return r, ErrUnauthorized
	}
	switch r.Status {
	case StatusAppealed:
		return r, ErrAlreadyAppealed
	case StatusOpen:
		return r, ErrNotResolved
	}
	if c.AppealsUsed() >= p.MaxAppeals {
		return r, ErrAppealLimitReached
	}
	if r.SettledAt != nil || e.Status.Terminal() || !now.Before(r.ResolvedAt.Add(p.AppealWindow)) {
		return r, ErrAppealWindowClosed
	}
	at := now.UTC()
	r.Status = StatusAppealed
	r.AppealedBy = caller
	r.AppealedAt = &at
	return r, nil
}

// Final returns the round whose decision is binding. The latest round is
// final once it is resolved and either the appeal ceiling is reached or its
// appeal window has elapsed.
func (p Policy) Final(c Chain, now time.Time) (Round, error) {
	r, ok := c.Latest()
	if !ok {
		return Round{}, ErrNotFound
	}
	if r.SettledAt != nil {
		return r, ErrAlreadySettled
	}
	if r.Status != StatusResolved {
		return r, ErrNotFinal
	}
	if c.AppealsUsed() >= p.MaxAppeals || !now.Before(r.ResolvedAt.Add(p.AppealWindow)) {
		return r, nil
	}
	return r, ErrNotFinal
}

// FinalAt is when the latest round becomes final, if it is resolved.
func (p Policy) FinalAt(c Chain) (time.Time, bool) {
	r, ok := c.Latest()
	if !ok || r.Status != StatusResolved || r.ResolvedAt == nil {
		return time.Time{}, false
	}
	if c.AppealsUsed() >= p.MaxAppeals {
		return *r.ResolvedAt, true
	}
	return r.ResolvedAt.Add(p.AppealWindow), true
}

// MarkSettled stamps the binding round once its transfer posted.
func (r Round) MarkSettled(now time.Time) Round {
	at := now.UTC()
	r.SettledAt = &at
	return r
}
