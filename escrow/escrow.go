package escrow

import (
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"escrowflow/ids"
)

var (
	ErrNotFound           = errors.New("escrow: not found")
	ErrInvalidAmount      = errors.New("escrow: amount must be positive")
	ErrInvalidDescription = errors.New("escrow: description too long")
	ErrInvalidParty       = errors.New("escrow: buyer and seller must be distinct non-empty ids")
	ErrInvalidAsset       = errors.New("escrow: asset required")
	ErrNotBuyer           = errors.New("escrow: caller is not the buyer")
	ErrNotActive          = errors.New("escrow: not active")
	ErrEscrowDisputed     = errors.New("escrow: escrow is disputed")
	ErrAlreadyDisputed    = errors.New("escrow: already disputed")
	ErrAutoReleaseNotDue  = errors.New("escrow: auto-release not due")
	ErrUnauthorized       = errors.New("escrow: caller is not a party")
)

// Validate rejects malformed creation input before any state is touched.
func (p CreateParams) Validate() error {
	if p.Amount == 0 || p.Amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	if utf8.RuneCountInString(p.Description) > MaxDescriptionLen {
		return ErrInvalidDescription
	}
	if strings.TrimSpace(p.Buyer) == "" || strings.TrimSpace(p.Seller) == "" || p.Buyer == p.Seller {
		return ErrInvalidParty
	}
	if strings.TrimSpace(p.Asset) == "" {
		return ErrInvalidAsset
	}
	return nil
}

// New builds the seq-th escrow of the buyer in Active status.
func New(p CreateParams, seq uint64, now time.Time) (Escrow, error) {
	if err := p.Validate(); err != nil {
		return Escrow{}, err
	}
	e := Escrow{
		ID:          ids.Escrow(p.Buyer, seq),
		Seq:         seq,
		Buyer:       p.Buyer,
		Seller:      p.Seller,
		Amount:      p.Amount,
		Asset:       p.Asset,
		Description: p.Description,
		Status:      StatusActive,
		CreatedAt:   now.UTC(),
	}
	if p.AutoReleaseAt != nil {
		at := p.AutoReleaseAt.UTC()
		e.AutoReleaseAt = &at
	}
	return e, nil
}

// RoleOf reports which side of the escrow party is on.
func (e Escrow) RoleOf(party string) (Role, bool) {
	switch party {
	case e.Buyer:
		return RoleBuyer, true
	case e.Seller:
		return RoleSeller, true
	default:
		return "", false
	}
}

// Release pays the seller on the buyer's instruction.
func (e Escrow) Release(caller string, now time.Time) (Escrow, error) {
	if caller != e.Buyer {
		return e, ErrNotBuyer
	}
	if e.Status != StatusActive {
		return e, ErrNotActive
	}
	if e.IsDisputed {
		return e, ErrEscrowDisputed
	}
	return e.close(StatusCompleted, now), nil
}

// Expire applies the buyer's agreed default outcome once AutoReleaseAt passed.
func (e Escrow) Expire(now time.Time) (Escrow, error) {
	if e.Status != StatusActive {
		return e, ErrNotActive
	}
	if e.IsDisputed {
		return e, ErrEscrowDisputed
	}
	if e.AutoReleaseAt == nil || now.Before(*e.AutoReleaseAt) {
		return e, ErrAutoReleaseNotDue
	}
	return e.close(StatusCompleted, now), nil
}

// ApproveCancel records one side of the dual authorization. done is true when
// both parties have approved and the escrow is now Cancelled.
func (e Escrow) ApproveCancel(caller string, now time.Time) (next Escrow, done bool, err error) {
	role, ok := e.RoleOf(caller)
	if !ok {
		return e, false, ErrUnauthorized
	}
	if e.Status != StatusActive {
		return e, false, ErrNotActive
	}
	if e.IsDisputed {
		return e, false, ErrEscrowDisputed
	}
	if role == RoleBuyer {
		e.BuyerCancel = true
	} else {
		e.SellerCancel = true
	}
	if e.BuyerCancel && e.SellerCancel {
		return e.close(StatusCancelled, now), true, nil
	}
	return e, false, nil
}

// MarkDisputed flags the escrow as contested. The flag is never cleared.
func (e Escrow) MarkDisputed() (Escrow, error) {
	if e.IsDisputed {
		return e, ErrAlreadyDisputed
	}
	if e.Status != StatusActive {
		return e, ErrNotActive
	}
	e.IsDisputed = true
	return e, nil
}

// Settle closes a disputed escrow with the arbitrated outcome.
func (e Escrow) Settle(status Status, now time.Time) (Escrow, error) {
	if e.Status != StatusActive {
		return e, ErrNotActive
	}
	if !status.Terminal() {
		return e, ErrNotActive
	}
	return e.close(status, now), nil
}

func (e Escrow) close(status Status, now time.Time) Escrow {
	at := now.UTC()
	e.Status = status
	e.CompletedAt = &at
	return e
}
