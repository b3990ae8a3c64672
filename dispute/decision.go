package dispute

import (
	"errors"
	"fmt"
)

// Decision is the outcome an arbiter records for a round. The set of variants
// is closed: FavorBuyer, FavorSeller and Split.
type Decision interface {
	Kind() Kind
	sealed()
}

// Kind is the storage and wire tag of a Decision variant.
type Kind string

const (
	KindFavorBuyer  Kind = "favor_buyer"
	KindFavorSeller Kind = "favor_seller"
	KindSplit       Kind = "split"
)

// FavorBuyer refunds the full amount to the buyer.
type FavorBuyer struct{}

// FavorSeller pays the full amount to the seller.
type FavorSeller struct{}

// Split gives BuyerPercent of the amount (rounded down) to the buyer and the
// remainder to the seller.
type Split struct {
	BuyerPercent int
}

func (FavorBuyer) Kind() Kind  { return KindFavorBuyer }
func (FavorSeller) Kind() Kind { return KindFavorSeller }
func (Split) Kind() Kind       { return KindSplit }

func (FavorBuyer) sealed()  {}
func (FavorSeller) sealed() {}
func (Split) sealed()       {}

var ErrInvalidDecision = errors.New("dispute: invalid decision")

// ValidateDecision rejects nil decisions and out-of-range splits.
func ValidateDecision(d Decision) error {
	switch v := d.(type) {
	case FavorBuyer, FavorSeller:
		return nil
	case Split:
		if v.BuyerPercent < 0 || v.BuyerPercent > 100 {
			return fmt.Errorf("%w: split percent %d outside 0-100", ErrInvalidDecision, v.BuyerPercent)
		}
		return nil
	default:
		return ErrInvalidDecision
	}
}

// Encode flattens d into its storage columns.
func Encode(d Decision) (kind Kind, buyerPercent *int) {
	if s, ok := d.(Split); ok {
		pct := s.BuyerPercent
		return KindSplit, &pct
	}
	if d == nil {
		return "", nil
	}
	return d.Kind(), nil
}

// Decode rebuilds a Decision from storage columns. An empty kind yields nil.
func Decode(kind Kind, buyerPercent *int) (Decision, error) {
	switch kind {
	case "":
		return nil, nil
	case KindFavorBuyer:
		return FavorBuyer{}, nil
	case KindFavorSeller:
		return FavorSeller{}, nil
	case KindSplit:
		if buyerPercent == nil {
			return nil, fmt.Errorf("%w: split without percent", ErrInvalidDecision)
		}
		d := Split{BuyerPercent: *buyerPercent}
		if err := ValidateDecision(d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, kind)
	}
}

// SameOutcome reports whether two decisions distribute funds identically.
func SameOutcome(a, b Decision) bool {
	return BuyerShare(a, 100) == BuyerShare(b, 100) && a != nil && b != nil
}

// BuyerShare is the part of amount that d awards to the buyer.
func BuyerShare(d Decision, amount uint64) uint64 {
	switch v := d.(type) {
	case FavorBuyer:
		return amount
	case FavorSeller:
		return 0
	case Split:
		pct := uint64(v.BuyerPercent)
		return amount/100*pct + amount%100*pct/100
	default:
		return 0
	}
}
