// Package ids derives the deterministic identifiers used to key escrows and
// dispute rounds. Anyone holding the stable inputs can recompute an id
// without a lookup table.
package ids

import (
	"strconv"

	"github.com/google/uuid"
)

// Namespace is the name-based UUID namespace for every protocol id.
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("escrowflow:protocol"))

// Escrow returns the id of the seq-th escrow opened by buyer.
func Escrow(buyer string, seq uint64) string {
	return uuid.NewSHA1(Namespace, []byte("escrow/"+buyer+"/"+strconv.FormatUint(seq, 10))).String()
}

// DisputeRound returns the id of the given round (1-based) for an escrow.
func DisputeRound(escrowID string, round int) string {
	return uuid.NewSHA1(Namespace, []byte("dispute/"+escrowID+"/"+strconv.Itoa(round))).String()
}
