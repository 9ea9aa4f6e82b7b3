package assertion

import (
	"errors"
	"math/big"
	"time"

	"github.com/BhaskarPeruri/EthAssert/oracle"
)

var (
	// ErrUnknownAssertion signals the identifier is absent from the ledger.
	ErrUnknownAssertion = errors.New("assertion: unknown assertion")
	// ErrInvalidValue signals the attached payment violates the amount
	// contract for creation or dispute.
	ErrInvalidValue = errors.New("assertion: invalid value")
	// ErrMinimumBondZero signals the resolution service reported a zero
	// minimum bond, which means it is misconfigured for the bonding asset.
	ErrMinimumBondZero = errors.New("assertion: oracle minimum bond is zero")
	// ErrAlreadyDisputed signals a second dispute attempt on an assertion
	// whose disputer is already set.
	ErrAlreadyDisputed = errors.New("assertion: already disputed")
	// ErrAlreadyResolved signals a state-transition replay on a resolved assertion.
	ErrAlreadyResolved = errors.New("assertion: already resolved")
	// ErrAlreadySettled signals a second settlement attempt.
	ErrAlreadySettled = errors.New("assertion: already settled")
	// ErrNotResolved signals settlement attempted before the verdict.
	ErrNotResolved = errors.New("assertion: not resolved")
	// ErrNotOracle signals a resolution callback from anyone but the
	// registered resolution service.
	ErrNotOracle = errors.New("assertion: caller is not the oracle")
)

// Record mirrors the assertions table. Asserter empty means the record was
// never created; Bond + Stake equals the value supplied at creation exactly.
type Record struct {
	ID        oracle.ID
	Claim     []byte
	Asserter  string
	Disputer  string
	Bond      *big.Int
	Stake     *big.Int
	Resolved  bool
	Truthful  bool
	Settled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Known reports whether the record was ever created.
func (r Record) Known() bool {
	return r.Asserter != ""
}

// Winner is the party the stake settles to. Only meaningful once Resolved.
// An untruthful verdict on a record nobody disputed leaves no challenger to
// pay; the stake returns to its originator so the record can still terminate.
func (r Record) Winner() string {
	if r.Truthful || r.Disputer == "" {
		return r.Asserter
	}
	return r.Disputer
}

// Timeline event types, appended exactly once per lifecycle transition.
const (
	EventCreated  = "ASSERTION_CREATED"
	EventDisputed = "ASSERTION_DISPUTED"
	EventResolved = "ASSERTION_RESOLVED"
	EventSettled  = "ASSERTION_SETTLED"
)

// Outbox topics published alongside the matching timeline event.
const (
	OutboxTopicCreated  = "assertion.created"
	OutboxTopicDisputed = "assertion.disputed"
	OutboxTopicResolved = "assertion.resolved"
	OutboxTopicSettled  = "assertion.settled"
)

// CreateParams carries a truth-assertion request into the engine.
type CreateParams struct {
	Caller   string
	Claim    []byte
	Liveness int64 // seconds
	ClaimID  string
	// Bond, when non-nil, selects the caller-specified bond policy;
	// nil selects the oracle-derived minimum bond policy.
	Bond  *big.Int
	Value *big.Int
}
