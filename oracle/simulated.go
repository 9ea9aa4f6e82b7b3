package oracle

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownID signals the identifier was never issued by this oracle.
	ErrUnknownID = errors.New("oracle: unknown assertion id")
	// ErrAlreadyResolved signals a second resolution attempt on the same id.
	ErrAlreadyResolved = errors.New("oracle: assertion already resolved")
	// ErrAlreadyDisputed signals a second dispute attempt on the same id.
	ErrAlreadyDisputed = errors.New("oracle: assertion already disputed")
)

type simAssertion struct {
	asserter  string
	disputer  string
	recipient Recipient
	bond      *big.Int
	expiresAt time.Time
	resolved  bool
}

// Simulated is an in-memory resolution service. It issues identifiers, tracks
// liveness, and fires recipient callbacks with its configured identity --
// enough to drive the full assertion lifecycle in local mode and tests.
type Simulated struct {
	identity string
	minBond  *big.Int

	mu         sync.Mutex
	assertions map[ID]*simAssertion
}

// NewSimulated builds a simulated oracle that identifies itself as identity
// and requires minBond for every asset.
func NewSimulated(identity string, minBond *big.Int) *Simulated {
	return &Simulated{
		identity:   identity,
		minBond:    new(big.Int).Set(minBond),
		assertions: make(map[ID]*simAssertion),
	}
}

// Identity returns the caller identity the oracle uses on callbacks.
func (s *Simulated) Identity() string { return s.identity }

func (s *Simulated) GetMinimumBond(ctx context.Context, asset string) (*big.Int, error) {
	return new(big.Int).Set(s.minBond), nil
}

func (s *Simulated) AssertTruth(ctx context.Context, params AssertTruthParams) (ID, error) {
	if params.Asserter == "" {
		return Zero, fmt.Errorf("oracle: missing asserter")
	}
	if params.Bond == nil || params.Bond.Sign() <= 0 {
		return Zero, fmt.Errorf("oracle: non-positive bond")
	}

	// Identifier derivation mirrors the production service: claim material
	// plus a fresh nonce, so identical claims never collide.
	h := sha256.New()
	h.Write(params.Claim)
	h.Write([]byte(params.Asserter))
	h.Write([]byte(uuid.NewString()))
	var raw [32]byte
	copy(raw[:], h.Sum(nil))
	id := IDFromBytes(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertions[id] = &simAssertion{
		asserter:  params.Asserter,
		recipient: params.CallbackRecipient,
		bond:      new(big.Int).Set(params.Bond),
		expiresAt: time.Now().Add(time.Duration(params.Liveness) * time.Second),
	}
	return id, nil
}

func (s *Simulated) DisputeAssertion(ctx context.Context, id ID, disputer string) error {
	s.mu.Lock()
	a, ok := s.assertions[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownID
	}
	if a.resolved {
		s.mu.Unlock()
		return ErrAlreadyResolved
	}
	if a.disputer != "" {
		s.mu.Unlock()
		return ErrAlreadyDisputed
	}
	a.disputer = disputer
	recipient := a.recipient
	s.mu.Unlock()

	if recipient == nil {
		return nil
	}
	return recipient.AssertionDisputedCallback(ctx, s.identity, id)
}

// Resolve renders the verdict for id and fires the resolved callback once.
func (s *Simulated) Resolve(ctx context.Context, id ID, truthful bool) error {
	s.mu.Lock()
	a, ok := s.assertions[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownID
	}
	if a.resolved {
		s.mu.Unlock()
		return ErrAlreadyResolved
	}
	a.resolved = true
	recipient := a.recipient
	s.mu.Unlock()

	if recipient == nil {
		return nil
	}
	return recipient.AssertionResolvedCallback(ctx, s.identity, id, truthful)
}

// ExpireToResolved resolves every undisputed assertion whose liveness window
// has elapsed as truthful, the optimistic default.
func (s *Simulated) ExpireToResolved(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	var due []ID
	for id, a := range s.assertions {
		if !a.resolved && a.disputer == "" && now.After(a.expiresAt) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := s.Resolve(ctx, id, true); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return err
		}
	}
	return nil
}
