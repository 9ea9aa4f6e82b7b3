package actors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BhaskarPeruri/EthAssert/assertion"
	"github.com/BhaskarPeruri/EthAssert/guard"
	"github.com/BhaskarPeruri/EthAssert/oracle"
)

// Registry shares assertion identifiers between actors.
type Registry struct {
	mu  sync.Mutex
	ids []oracle.ID
}

func (r *Registry) Add(id oracle.ID) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// Random returns a previously created identifier, or false if none exist yet.
func (r *Registry) Random() (oracle.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return oracle.Zero, false
	}
	return r.ids[rand.Intn(len(r.ids))], true
}

// tolerated reports whether err is expected under contention: the shared guard
// rejecting a concurrent entry, or a lifecycle transition another actor won.
func tolerated(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, guard.ErrReentrantCall):
		return true
	case errors.Is(err, assertion.ErrAlreadyDisputed),
		errors.Is(err, assertion.ErrAlreadyResolved),
		errors.Is(err, assertion.ErrAlreadySettled),
		errors.Is(err, assertion.ErrNotResolved),
		errors.Is(err, assertion.ErrUnknownAssertion):
		return true
	case errors.Is(err, oracle.ErrAlreadyDisputed),
		errors.Is(err, oracle.ErrAlreadyResolved),
		errors.Is(err, oracle.ErrUnknownID):
		return true
	}
	// The chaos routine terminates random backends; a severed connection is
	// transient, the pool re-establishes on the next acquire.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "57P01" || pgErr.Code == "08006") {
		return true
	}
	if strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "unexpected EOF") {
		return true
	}
	return false
}

// Asserter posts fresh assertions with oracle-derived bonds and random extra
// value, registering the resulting identifiers.
func Asserter(ctx context.Context, engine *assertion.Service, name string, minBond *big.Int, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		value := new(big.Int).Add(minBond, big.NewInt(int64(1+rand.Intn(50_000))))
		id, err := engine.Create(ctx, assertion.CreateParams{
			Caller: name,
			Claim:  []byte(fmt.Sprintf("claim-%d", rand.Int63())),
			Value:  value,
		})
		if err == nil {
			reg.Add(id)
		} else if !tolerated(err) {
			return fmt.Errorf("asserter create: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Disputer picks known assertions and challenges them with the exact bond.
func Disputer(ctx context.Context, engine *assertion.Service, name string, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := reg.Random()
		if ok {
			rec, err := engine.Get(ctx, id)
			if err != nil {
				if !tolerated(err) {
					return fmt.Errorf("disputer get: %w", err)
				}
			} else if rec.Known() && !rec.Resolved && rec.Disputer == "" {
				if err := engine.Dispute(ctx, name, id, rec.Bond); !tolerated(err) {
					return fmt.Errorf("disputer dispute: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Resolver renders verdicts through the oracle: always truthful for
// undisputed assertions (there is no challenger to award the stake to),
// random once a disputer exists. When the resolved callback loses the guard
// race the oracle has already committed its verdict, so the callback is
// redelivered until the ledger accepts it.
func Resolver(ctx context.Context, sim *oracle.Simulated, engine *assertion.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := reg.Random()
		if ok {
			rec, err := engine.Get(ctx, id)
			if err != nil {
				if !tolerated(err) {
					return fmt.Errorf("resolver get: %w", err)
				}
				time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
				continue
			}
			truthful := rec.Disputer == "" || rand.Intn(2) == 0
			err = sim.Resolve(ctx, id, truthful)
			for errors.Is(err, guard.ErrReentrantCall) {
				time.Sleep(time.Duration(5+rand.Intn(10)) * time.Millisecond)
				err = engine.AssertionResolvedCallback(ctx, sim.Identity(), id, truthful)
			}
			if !tolerated(err) {
				return fmt.Errorf("resolver resolve: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Settler sweeps for payable assertions. Settlement is permissionless, so the
// actor needs no identity.
func Settler(ctx context.Context, engine *assertion.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := reg.Random(); ok {
			if err := engine.Settle(ctx, id); !tolerated(err) {
				return fmt.Errorf("settler settle: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, simulating occasional delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
