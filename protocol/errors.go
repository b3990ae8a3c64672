package protocol

import (
	"errors"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/settlement"
	"escrowflow/store"
)

var (
	// ErrSettlement wraps every ledger rejection. No local state changed.
	ErrSettlement   = errors.New("protocol: settlement rejected")
	ErrPaused       = errors.New("protocol: paused")
	ErrPartyRefused = errors.New("protocol: party refused by screening")
	ErrNotAdmin     = errors.New("protocol: admin only")
	ErrNoOracle     = errors.New("protocol: no price oracle configured")
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindState         Kind = "state"
	KindSettlement    Kind = "settlement"
	KindInternal      Kind = "internal"
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	// Settlement first: its errors also wrap the ledger cause.
	{KindSettlement, []error{ErrSettlement}},
	{KindValidation, []error{
		escrow.ErrInvalidAmount, escrow.ErrInvalidDescription, escrow.ErrInvalidParty, escrow.ErrInvalidAsset,
		dispute.ErrReasonTooLong, dispute.ErrReasoningTooLong, dispute.ErrInvalidDecision,
		arbiter.ErrInsufficientStake, arbiter.ErrInvalidStake, arbiter.ErrInvalidID,
	}},
	{KindAuthorization, []error{
		escrow.ErrNotBuyer, escrow.ErrUnauthorized, dispute.ErrUnauthorized, ErrNotAdmin, ErrPartyRefused,
	}},
	{KindNotFound, []error{
		escrow.ErrNotFound, dispute.ErrNotFound, arbiter.ErrNotFound, ErrNoOracle,
	}},
	{KindState, []error{
		escrow.ErrNotActive, escrow.ErrEscrowDisputed, escrow.ErrAlreadyDisputed, escrow.ErrAutoReleaseNotDue,
		dispute.ErrNotOpen, dispute.ErrArbiterInactive, dispute.ErrArbiterActive, dispute.ErrAlreadyAppealed, dispute.ErrNotResolved,
		dispute.ErrAppealLimitReached, dispute.ErrAppealWindowClosed, dispute.ErrNotFinal, dispute.ErrAlreadySettled,
		arbiter.ErrAlreadyRegistered, arbiter.ErrInactive, arbiter.ErrAlreadyActive, arbiter.ErrNoEligibleArbiter,
		settlement.ErrTerminal, store.ErrConflict, ErrPaused,
	}},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
