// Package custody converts native value into the bonding-token denomination
// the resolution service escrows, and pre-authorizes the service to pull it.
package custody

import (
	"context"
	"fmt"
	"math/big"
)

// Token is the bonding-asset token contract surface this system needs: a 1:1
// native-to-token deposit and a spender authorization.
type Token interface {
	Deposit(ctx context.Context, amount *big.Int) error
	Approve(ctx context.Context, spender string, amount *big.Int) error
}

// Adapter wraps native value and authorizes the resolution service to debit
// exactly that amount.
type Adapter struct {
	token        Token
	oracleParty  string
	bondingAsset string
}

// NewAdapter builds an adapter that authorizes oracleParty as spender of the
// given bonding asset.
func NewAdapter(token Token, oracleParty, bondingAsset string) *Adapter {
	return &Adapter{token: token, oracleParty: oracleParty, bondingAsset: bondingAsset}
}

// BondingAsset reports the asset denomination the adapter wraps into.
func (a *Adapter) BondingAsset() string { return a.bondingAsset }

// WrapAndAuthorize deposits amount of already-received native value into the
// bonding token and approves the resolution service for exactly that amount.
// It must be called with the exact amount of the upcoming service call;
// over- or under-authorizing is a caller bug. Any failure must abort the
// enclosing operation before it writes ledger state.
func (a *Adapter) WrapAndAuthorize(ctx context.Context, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: non-positive wrap amount")
	}
	if err := a.token.Deposit(ctx, amount); err != nil {
		return fmt.Errorf("custody: deposit: %w", err)
	}
	if err := a.token.Approve(ctx, a.oracleParty, amount); err != nil {
		return fmt.Errorf("custody: approve %s: %w", a.oracleParty, err)
	}
	return nil
}
