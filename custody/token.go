package custody

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// SimToken is an in-memory bonding token for local mode and tests. Deposits
// mint 1:1 against native value; approvals track per-spender allowances.
type SimToken struct {
	mu         sync.Mutex
	balance    *big.Int
	allowances map[string]*big.Int
}

func NewSimToken() *SimToken {
	return &SimToken{
		balance:    new(big.Int),
		allowances: make(map[string]*big.Int),
	}
}

func (t *SimToken) Deposit(ctx context.Context, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: deposit of non-positive amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance.Add(t.balance, amount)
	return nil
}

func (t *SimToken) Approve(ctx context.Context, spender string, amount *big.Int) error {
	if spender == "" {
		return fmt.Errorf("custody: empty spender")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[spender] = new(big.Int).Set(amount)
	return nil
}

// Balance reports the total wrapped value held.
func (t *SimToken) Balance() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balance)
}

// Allowance reports the current authorization for spender.
func (t *SimToken) Allowance(spender string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}
