// Package oracle defines the boundary to the external resolution service
// that renders true/false verdicts on asserted claims, plus an in-memory
// implementation used by local bootstrap and tests.
package oracle

import (
	"context"
	"encoding/hex"
	"math/big"
)

// ID is the hex-encoded 256-bit assertion identifier. The resolution service
// assigns it at creation time and guarantees uniqueness for the life of the
// system; collisions are its contract, not ours.
type ID string

// Zero is the sentinel for "no assertion".
const Zero ID = ""

// IDFromBytes encodes a raw 32-byte identifier.
func IDFromBytes(b [32]byte) ID {
	return ID(hex.EncodeToString(b[:]))
}

// AssertTruthParams carries the full truth-assertion request. EscalationManager
// and Domain are accepted for wire compatibility and always left empty by this
// system.
type AssertTruthParams struct {
	Claim             []byte
	Asserter          string
	CallbackRecipient Recipient
	EscalationManager string
	Liveness          int64 // seconds
	BondingAsset      string
	Bond              *big.Int
	ClaimID           string
}

// Service is what the resolution service must expose to this system.
type Service interface {
	// AssertTruth escrows the pre-authorized bond and returns the unique
	// identifier for the new assertion.
	AssertTruth(ctx context.Context, params AssertTruthParams) (ID, error)

	// DisputeAssertion registers a dispute; the matching bond must already be
	// authorized for the service to pull.
	DisputeAssertion(ctx context.Context, id ID, disputer string) error

	// GetMinimumBond reports the current minimum bond for the asset.
	GetMinimumBond(ctx context.Context, asset string) (*big.Int, error)
}

// Recipient receives lifecycle callbacks from the resolution service. The
// service invokes each callback exactly once per terminal event, passing its
// own identity as caller so the recipient can authenticate it.
type Recipient interface {
	AssertionResolvedCallback(ctx context.Context, caller string, id ID, truthful bool) error
	AssertionDisputedCallback(ctx context.Context, caller string, id ID) error
}
