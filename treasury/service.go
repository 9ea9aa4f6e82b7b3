// Package treasury ledgers the native value pool: stakes credited at
// assertion creation, payouts at settlement, and the administrative
// withdrawal escape hatch.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/BhaskarPeruri/EthAssert/guard"
)

var (
	// ErrNotAuthority signals a withdrawal attempt by anyone but the
	// configured authority.
	ErrNotAuthority = errors.New("treasury: caller is not the withdrawal authority")
	// ErrInsufficientFunds signals the pool balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("treasury: insufficient funds")
	// ErrTransferRejected signals the recipient refused the outbound native
	// transfer. The enclosing operation must roll back in full.
	ErrTransferRejected = errors.New("treasury: transfer rejected")
)

// PoolAccount is the ledger row holding undifferentiated contract value.
const PoolAccount = "treasury:pool"

// Remitter performs the outbound native-currency transfer. Implementations
// may hand value to untrusted recipients; a returned error means the transfer
// was refused and nothing moved.
type Remitter interface {
	Send(ctx context.Context, recipient string, amount *big.Int) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service tracks account balances in Postgres and remits payouts through the
// configured Remitter.
type Service struct {
	pool      TxBeginner
	remitter  Remitter
	authority string
	lock      *guard.Lock
}

// NewService builds a treasury. The authority is the sole identity allowed to
// call Withdraw; the lock must be the same instance the lifecycle engine
// guards with so both contend on one critical section.
func NewService(pool TxBeginner, remitter Remitter, authority string, lock *guard.Lock) *Service {
	if lock == nil {
		lock = guard.New()
	}
	return &Service{pool: pool, remitter: remitter, authority: authority, lock: lock}
}

// Credit adds amount to the pool inside the caller's transaction.
func (s *Service) Credit(ctx context.Context, tx pgx.Tx, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: credit of non-positive amount")
	}
	const query = `
		INSERT INTO treasury_accounts (party, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (party) DO UPDATE SET balance = treasury_accounts.balance + EXCLUDED.balance
	`
	if _, err := tx.Exec(ctx, query, PoolAccount, amount.String()); err != nil {
		return fmt.Errorf("treasury: credit pool: %w", err)
	}
	return nil
}

// Payout debits the pool, credits the recipient's ledger row, and hands the
// value off through the Remitter, all inside the caller's transaction. A
// remitter refusal surfaces as ErrTransferRejected so the caller rolls back
// the debit and credit with the rest of the operation.
func (s *Service) Payout(ctx context.Context, tx pgx.Tx, recipient string, amount *big.Int) error {
	if recipient == "" {
		return fmt.Errorf("treasury: empty payout recipient")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: payout of non-positive amount")
	}

	if err := s.debitPool(ctx, tx, amount); err != nil {
		return err
	}

	const creditSQL = `
		INSERT INTO treasury_accounts (party, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (party) DO UPDATE SET balance = treasury_accounts.balance + EXCLUDED.balance
	`
	if _, err := tx.Exec(ctx, creditSQL, recipient, amount.String()); err != nil {
		return fmt.Errorf("treasury: credit %s: %w", recipient, err)
	}

	if err := s.remitter.Send(ctx, recipient, amount); err != nil {
		return fmt.Errorf("%w: remit %s to %s: %s", ErrTransferRejected, amount, recipient, err)
	}
	return nil
}

// Withdraw moves amount of pool value to the authority. It is an operational
// safety valve, not part of the assertion state machine: it is not
// ledger-aware and, if misused, can drain value earmarked for pending
// settlements.
func (s *Service) Withdraw(ctx context.Context, caller string, amount *big.Int) error {
	if caller != s.authority {
		return ErrNotAuthority
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: withdrawal of non-positive amount")
	}

	release, err := s.lock.Acquire()
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("treasury: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.debitPool(ctx, tx, amount); err != nil {
		return err
	}
	if err := s.remitter.Send(ctx, s.authority, amount); err != nil {
		return fmt.Errorf("%w: withdraw %s: %s", ErrTransferRejected, amount, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("treasury: commit withdrawal: %w", err)
	}
	return nil
}

// Balance reports the ledgered balance for party, zero for unknown parties.
func (s *Service) Balance(ctx context.Context, party string) (*big.Int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var text string
	err = tx.QueryRow(ctx, `SELECT balance::text FROM treasury_accounts WHERE party = $1`, party).Scan(&text)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("treasury: balance of %s: %w", party, err)
	}
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("treasury: malformed balance %q", text)
	}
	return v, nil
}

func (s *Service) debitPool(ctx context.Context, tx pgx.Tx, amount *big.Int) error {
	const query = `
		UPDATE treasury_accounts
		SET balance = balance - $2::numeric
		WHERE party = $1 AND balance >= $2::numeric
	`
	tag, err := tx.Exec(ctx, query, PoolAccount, amount.String())
	if err != nil {
		return fmt.Errorf("treasury: debit pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}
