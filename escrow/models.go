package escrow

import "time"

// Status represents the lifecycle of an escrow record. Only Active is
// non-terminal; no transition ever leads back to it.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Role is a party's side of an escrow.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// MaxDescriptionLen bounds Escrow.Description in characters.
const MaxDescriptionLen = 200

// Escrow mirrors the escrows table.
type Escrow struct {
	ID            string
	Seq           uint64
	Buyer         string
	Seller        string
	Amount        uint64
	Asset         string
	Description   string
	Status        Status
	IsDisputed    bool
	BuyerCancel   bool
	SellerCancel  bool
	CreatedAt     time.Time
	AutoReleaseAt *time.Time
	CompletedAt   *time.Time
}

// CreateParams carries caller input for a new escrow.
type CreateParams struct {
	Buyer         string
	Seller        string
	Amount        uint64
	Asset         string
	Description   string
	AutoReleaseAt *time.Time
}
