// Package guard provides the shared advisory lock that serializes every
// state-mutating operation touching the assertion ledger and the value pool.
package guard

import (
	"errors"
	"sync"
)

// ErrReentrantCall signals a nested entry into a guarded operation while one
// is already executing. Payout recipients that call back into the engine
// during a transfer hit this instead of observing half-applied state.
var ErrReentrantCall = errors.New("guard: reentrant call")

// Lock is the process-wide advisory lock. One instance is shared by the
// lifecycle engine and the treasury so both contend on the same critical
// section.
type Lock struct {
	mu sync.Mutex
}

func New() *Lock {
	return &Lock{}
}

// Acquire takes the lock without blocking. It returns a release func on
// success and ErrReentrantCall if the lock is already held. Callers must
// defer the release on every exit path.
func (l *Lock) Acquire() (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrReentrantCall
	}
	return l.mu.Unlock, nil
}
