package assertion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/BhaskarPeruri/EthAssert/oracle"
)

// Repository persists assertion records, timeline events, and outbox messages.
// All writes run inside the caller's transaction so a lifecycle transition
// commits or rolls back as one unit.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Get loads the record for id, locking it for the remainder of the
// transaction. Unknown identifiers yield the zero Record, not an error;
// callers distinguish via Record.Known.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id oracle.ID) (Record, error) {
	const query = `
		SELECT id, claim, asserter, disputer, bond::text, stake::text,
		       resolved, truthful, settled, created_at, updated_at
		FROM assertions
		WHERE id = $1
		FOR UPDATE
	`

	var (
		rec       Record
		bondText  string
		stakeText string
	)
	err := tx.QueryRow(ctx, query, string(id)).Scan(
		&rec.ID,
		&rec.Claim,
		&rec.Asserter,
		&rec.Disputer,
		&bondText,
		&stakeText,
		&rec.Resolved,
		&rec.Truthful,
		&rec.Settled,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("assertion: get %s: %w", id, err)
	}

	if rec.Bond, err = parseAmount(bondText); err != nil {
		return Record{}, fmt.Errorf("assertion: get %s: %w", id, err)
	}
	if rec.Stake, err = parseAmount(stakeText); err != nil {
		return Record{}, fmt.Errorf("assertion: get %s: %w", id, err)
	}
	return rec, nil
}

// Insert writes a freshly created record with all lifecycle flags false.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const query = `
		INSERT INTO assertions (id, claim, asserter, bond, stake)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric)
	`
	_, err := tx.Exec(ctx, query, string(rec.ID), rec.Claim, rec.Asserter, rec.Bond.String(), rec.Stake.String())
	if err != nil {
		return fmt.Errorf("assertion: insert %s: %w", rec.ID, err)
	}
	return nil
}

// SetDisputer records the challenger. The WHERE clause enforces the
// set-at-most-once invariant at the storage layer as well.
func (r *Repository) SetDisputer(ctx context.Context, tx pgx.Tx, id oracle.ID, disputer string) error {
	const query = `
		UPDATE assertions
		SET disputer = $2, updated_at = NOW()
		WHERE id = $1 AND disputer = '' AND NOT resolved
	`
	tag, err := tx.Exec(ctx, query, string(id), disputer)
	if err != nil {
		return fmt.Errorf("assertion: set disputer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyDisputed
	}
	return nil
}

// MarkResolved commits the verdict. Resolved and truthful flip together,
// once.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id oracle.ID, truthful bool) error {
	const query = `
		UPDATE assertions
		SET resolved = TRUE, truthful = $2, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND NOT resolved
	`
	tag, err := tx.Exec(ctx, query, string(id), truthful)
	if err != nil {
		return fmt.Errorf("assertion: mark resolved %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// MarkSettled flips the settled flag, once, and only after resolution.
func (r *Repository) MarkSettled(ctx context.Context, tx pgx.Tx, id oracle.ID) error {
	const query = `
		UPDATE assertions
		SET settled = TRUE, settled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND resolved AND NOT settled
	`
	tag, err := tx.Exec(ctx, query, string(id))
	if err != nil {
		return fmt.Errorf("assertion: mark settled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

// AppendEvent adds an immutable timeline event for the assertion. Seq is
// derived under the engine's global lock, so per-assertion sequences stay
// strictly monotonic.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, id oracle.ID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("assertion: marshal event payload: %w", err)
	}
	const query = `
		INSERT INTO assertion_events (assertion_id, seq, type, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::jsonb
		FROM assertion_events WHERE assertion_id = $1
	`
	if _, err := tx.Exec(ctx, query, string(id), eventType, body); err != nil {
		return fmt.Errorf("assertion: append event: %w", err)
	}
	return nil
}

// EnqueueOutbox stages a notification for downstream delivery in the same
// transaction as the state change it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("assertion: marshal outbox payload: %w", err)
	}
	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, query, topic, body); err != nil {
		return fmt.Errorf("assertion: enqueue outbox: %w", err)
	}
	return nil
}

func parseAmount(text string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", text)
	}
	return v, nil
}
