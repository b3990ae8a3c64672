package dispute

import (
	"time"

	"escrowflow/escrow"
)

// Status represents the lifecycle of a dispute round.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusAppealed Status = "appealed"
)

const (
	MaxReasonLen    = 500
	MaxReasoningLen = 1000
)

// Round mirrors the dispute_rounds table. Rounds of one escrow form a linear
// chain numbered from 1; an appeal appends a round instead of editing one.
type Round struct {
	ID         string
	EscrowID   string
	Number     int
	Opener     string
	OpenerRole escrow.Role
	Reason     string
	Status     Status
	Arbiter    string
	Seed       []byte
	Decision   Decision
	Reasoning  string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	AppealedBy string
	AppealedAt *time.Time
	SettledAt  *time.Time
}

// Policy bounds the appeal process.
type Policy struct {
	AppealWindow time.Duration
	MaxAppeals   int
}

// DefaultPolicy allows a single appeal within seven days of a resolution.
func DefaultPolicy() Policy {
	return Policy{AppealWindow: 7 * 24 * time.Hour, MaxAppeals: 1}
}
