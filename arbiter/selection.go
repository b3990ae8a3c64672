package arbiter

import (
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// weightScale keeps integer weights meaningful after dividing by load.
const weightScale = 1_000

// Weight is the relative chance of a being drawn. Reputation raises it, open
// assignments and a resolution inside the cool-down window lower it.
func (p Policy) Weight(a Arbiter, now time.Time) uint64 {
	rep := a.Reputation
	if rep < 1 {
		rep = 1
	}
	open := a.OpenAssignments
	if open < 0 {
		open = 0
	}
	w := uint64(rep) * weightScale / uint64(1+open)
	if a.LastResolvedAt != nil && now.Sub(*a.LastResolvedAt) < p.Cooldown {
		w /= p.CooldownDivisor
	}
	if w == 0 {
		w = 1
	}
	return w
}

// Select draws one arbiter from pool. The draw depends only on the pool
// snapshot, the public seed and subject, so anyone holding the same inputs
// recomputes the same result.
func (p Policy) Select(pool []Arbiter, exclude []string, seed []byte, subject string, now time.Time) (Arbiter, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	candidates := make([]Arbiter, 0, len(pool))
	for _, a := range pool {
		if _, ok := skip[a.ID]; ok {
			continue
		}
		if !a.Eligible(p) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return Arbiter{}, ErrNoEligibleArbiter
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	weights := make([]uint64, len(candidates))
	var total uint64
	for i, a := range candidates {
		weights[i] = p.Weight(a, now)
		total += weights[i]
	}

	ticket := Draw(seed, subject) % total
	for i, w := range weights {
		if ticket < w {
			return candidates[i], nil
		}
		ticket -= w
	}
	return candidates[len(candidates)-1], nil
}

// Draw hashes seed and subject into a 64-bit ticket.
func Draw(seed []byte, subject string) uint64 {
	buf := make([]byte, 0, len(seed)+1+len(subject))
	buf = append(buf, seed...)
	buf = append(buf, 0)
	buf = append(buf, subject...)
	sum := blake2b.Sum256(buf)
	return binary.BigEndian.Uint64(sum[:8])
}
