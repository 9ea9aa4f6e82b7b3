package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/BhaskarPeruri/EthAssert/assertion"
	"github.com/BhaskarPeruri/EthAssert/custody"
	"github.com/BhaskarPeruri/EthAssert/guard"
	"github.com/BhaskarPeruri/EthAssert/oracle"
	"github.com/BhaskarPeruri/EthAssert/test/actors"
	"github.com/BhaskarPeruri/EthAssert/test/chaos"
	"github.com/BhaskarPeruri/EthAssert/test/infra"
	"github.com/BhaskarPeruri/EthAssert/test/oracles"
	"github.com/BhaskarPeruri/EthAssert/treasury"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const minimumBond = 10_000

// nopRemitter accepts every outbound transfer silently.
type nopRemitter struct{}

func (nopRemitter) Send(ctx context.Context, recipient string, amount *big.Int) error {
	return nil
}

func TestAssertionLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ETHASSERT_TEST_PG_DSN") != "":
		dsn = os.Getenv("ETHASSERT_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	lock := guard.New()
	sim := oracle.NewSimulated("oracle:sim", big.NewInt(minimumBond))
	treasurySvc := treasury.NewService(pool, nopRemitter{}, "authority:stress", lock)
	custodian := custody.NewAdapter(custody.NewSimToken(), sim.Identity(), "asset:wrapped-native")
	engine := assertion.NewService(assertion.Config{
		Pool:           pool,
		Treasury:       treasurySvc,
		Custodian:      custodian,
		Oracle:         sim,
		OracleIdentity: sim.Identity(),
		BondingAsset:   "asset:wrapped-native",
		Lock:           lock,
	})

	reg := &actors.Registry{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		asserterName := fmt.Sprintf("asserter-%d", i)
		disputerName := fmt.Sprintf("disputer-%d", i)
		g.Go(func() error {
			return actors.Asserter(ctx2, engine, asserterName, big.NewInt(minimumBond), reg, stop)
		})
		g.Go(func() error { return actors.Disputer(ctx2, engine, disputerName, reg, stop) })
	}

	g.Go(func() error { return actors.Resolver(ctx2, sim, engine, reg, stop) })
	g.Go(func() error { return actors.Settler(ctx2, engine, reg, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"assertions", `SELECT id, asserter, disputer, bond::text, stake::text, resolved, truthful, settled FROM assertions ORDER BY created_at DESC LIMIT 50`},
		{"assertion_events", `SELECT id, assertion_id, seq, type, created_at FROM assertion_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"treasury_accounts", `SELECT party, balance::text FROM treasury_accounts ORDER BY party LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
