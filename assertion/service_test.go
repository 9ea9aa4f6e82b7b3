package assertion

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BhaskarPeruri/EthAssert/guard"
	"github.com/BhaskarPeruri/EthAssert/oracle"
)

const (
	testOracle   = "0xoracle"
	testAsserter = "0xasserter"
	testDisputer = "0xdisputer"
)

func newTestService(t *testing.T) (*Service, *fixtures) {
	t.Helper()
	fx := &fixtures{
		pool:     &fakePool{},
		ledger:   newFakeLedger(),
		treasury: &fakeTreasury{},
		custody:  &fakeCustodian{},
		oracle:   &fakeOracle{minBond: big.NewInt(10_000), nextID: oracle.ID("id-1")},
	}
	svc := NewService(Config{
		Pool:           fx.pool,
		Ledger:         fx.ledger,
		Treasury:       fx.treasury,
		Custodian:      fx.custody,
		Oracle:         fx.oracle,
		OracleIdentity: testOracle,
		BondingAsset:   "WETH",
		Lock:           guard.New(),
	})
	return svc, fx
}

type fixtures struct {
	pool     *fakePool
	ledger   *fakeLedger
	treasury *fakeTreasury
	custody  *fakeCustodian
	oracle   *fakeOracle
}

func mustCreate(t *testing.T, svc *Service, value int64) oracle.ID {
	t.Helper()
	id, err := svc.Create(context.Background(), CreateParams{
		Caller: testAsserter,
		Claim:  []byte("the sky is blue"),
		Value:  big.NewInt(value),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestCreate_OracleDerivedBond(t *testing.T) {
	svc, fx := newTestService(t)

	// 0.05 units against a 0.01 minimum bond.
	id := mustCreate(t, svc, 50_000)

	rec := fx.ledger.records[id]
	if rec == nil {
		t.Fatal("record not inserted")
	}
	if rec.Bond.Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("bond = %s, want 10000", rec.Bond)
	}
	if rec.Stake.Cmp(big.NewInt(40_000)) != 0 {
		t.Errorf("stake = %s, want 40000", rec.Stake)
	}
	if rec.Resolved || rec.Settled || rec.Disputer != "" {
		t.Errorf("fresh record has lifecycle flags set: %+v", rec)
	}

	if len(fx.custody.wrapped) != 1 || fx.custody.wrapped[0].Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("wrapped amounts = %v, want exactly the bond", fx.custody.wrapped)
	}
	if len(fx.treasury.credits) != 1 || fx.treasury.credits[0].Cmp(big.NewInt(40_000)) != 0 {
		t.Errorf("treasury credits = %v, want exactly the stake", fx.treasury.credits)
	}
	if got := fx.ledger.events[id]; len(got) != 1 || got[0] != EventCreated {
		t.Errorf("events = %v, want [ASSERTION_CREATED]", got)
	}
	if got := fx.ledger.outbox; len(got) != 1 || got[0] != OutboxTopicCreated {
		t.Errorf("outbox topics = %v, want [assertion.created]", got)
	}
	if !fx.pool.lastTx.committed {
		t.Error("create transaction not committed")
	}
}

func TestCreate_RejectsValueNotAboveMinimum(t *testing.T) {
	svc, fx := newTestService(t)

	_, err := svc.Create(context.Background(), CreateParams{
		Caller: testAsserter,
		Claim:  []byte("claim"),
		Value:  big.NewInt(10_000), // exactly the minimum
	})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("value == minimum: got %v, want ErrInvalidValue", err)
	}
	if len(fx.custody.wrapped) != 0 {
		t.Error("nothing may be wrapped on a rejected creation")
	}
	if len(fx.ledger.records) != 0 {
		t.Error("no record may be written on a rejected creation")
	}
}

func TestCreate_RejectsZeroMinimumBond(t *testing.T) {
	svc, fx := newTestService(t)
	fx.oracle.minBond = big.NewInt(0)

	_, err := svc.Create(context.Background(), CreateParams{
		Caller: testAsserter,
		Claim:  []byte("claim"),
		Value:  big.NewInt(50_000),
	})
	if !errors.Is(err, ErrMinimumBondZero) {
		t.Fatalf("got %v, want ErrMinimumBondZero", err)
	}
}

func TestCreate_CallerSpecifiedBond(t *testing.T) {
	svc, fx := newTestService(t)

	id, err := svc.Create(context.Background(), CreateParams{
		Caller: testAsserter,
		Claim:  []byte("claim"),
		Bond:   big.NewInt(25_000),
		Value:  big.NewInt(25_000), // equality allowed on this path: zero stake
	})
	if err != nil {
		t.Fatalf("create with explicit bond: %v", err)
	}
	rec := fx.ledger.records[id]
	if rec.Bond.Cmp(big.NewInt(25_000)) != 0 || rec.Stake.Sign() != 0 {
		t.Errorf("bond/stake = %s/%s, want 25000/0", rec.Bond, rec.Stake)
	}
	if len(fx.treasury.credits) != 0 {
		t.Error("zero stake must not credit the pool")
	}
}

func TestCreate_CallerSpecifiedBondRejections(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name  string
		bond  int64
		value int64
	}{
		{"zero bond", 0, 50_000},
		{"bond exceeds value", 50_001, 50_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), CreateParams{
				Caller: testAsserter,
				Claim:  []byte("claim"),
				Bond:   big.NewInt(tc.bond),
				Value:  big.NewInt(tc.value),
			})
			if !errors.Is(err, ErrInvalidValue) {
				t.Fatalf("got %v, want ErrInvalidValue", err)
			}
		})
	}
}

func TestDispute_RequiresExactBond(t *testing.T) {
	svc, fx := newTestService(t)
	id := mustCreate(t, svc, 50_000)

	ctx := context.Background()
	if err := svc.Dispute(ctx, testDisputer, id, big.NewInt(9_999)); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("underpaid dispute: got %v, want ErrInvalidValue", err)
	}
	if err := svc.Dispute(ctx, testDisputer, id, big.NewInt(10_001)); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("overpaid dispute: got %v, want ErrInvalidValue", err)
	}

	if err := svc.Dispute(ctx, testDisputer, id, big.NewInt(10_000)); err != nil {
		t.Fatalf("exact dispute: %v", err)
	}
	if got := fx.ledger.records[id].Disputer; got != testDisputer {
		t.Errorf("disputer = %q, want %q", got, testDisputer)
	}
	if fx.oracle.disputes != 1 {
		t.Errorf("oracle dispute calls = %d, want 1", fx.oracle.disputes)
	}
	// Dispute wraps the matching bond: one wrap at creation, one here.
	if len(fx.custody.wrapped) != 2 || fx.custody.wrapped[1].Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("wrapped amounts = %v", fx.custody.wrapped)
	}
}

func TestDispute_UnknownAndTerminalStates(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	if err := svc.Dispute(ctx, testDisputer, oracle.ID("never-created"), big.NewInt(1)); !errors.Is(err, ErrUnknownAssertion) {
		t.Fatalf("unknown id: got %v, want ErrUnknownAssertion", err)
	}

	id := mustCreate(t, svc, 50_000)
	if err := svc.Dispute(ctx, testDisputer, id, big.NewInt(10_000)); err != nil {
		t.Fatalf("first dispute: %v", err)
	}
	if err := svc.Dispute(ctx, "0xsecond", id, big.NewInt(10_000)); !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("second dispute: got %v, want ErrAlreadyDisputed", err)
	}
	if got := fx.ledger.records[id].Disputer; got != testDisputer {
		t.Errorf("first disputer overwritten: %q", got)
	}

	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.Dispute(ctx, "0xlate", id, big.NewInt(10_000)); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("post-resolution dispute: got %v, want ErrAlreadyResolved", err)
	}
}

func TestResolvedCallback_AuthorityIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	for _, target := range []oracle.ID{id, oracle.ID("never-created")} {
		if err := svc.AssertionResolvedCallback(ctx, "0xmallory", target, true); !errors.Is(err, ErrNotOracle) {
			t.Fatalf("callback from non-oracle on %s: got %v, want ErrNotOracle", target, err)
		}
	}
}

func TestResolvedCallback_AuthorityCheckedBeforeGuard(t *testing.T) {
	lock := guard.New()
	fx := &fixtures{
		pool:     &fakePool{},
		ledger:   newFakeLedger(),
		treasury: &fakeTreasury{},
		custody:  &fakeCustodian{},
		oracle:   &fakeOracle{minBond: big.NewInt(10_000), nextID: oracle.ID("id-1")},
	}
	svc := NewService(Config{
		Pool:           fx.pool,
		Ledger:         fx.ledger,
		Treasury:       fx.treasury,
		Custodian:      fx.custody,
		Oracle:         fx.oracle,
		OracleIdentity: testOracle,
		BondingAsset:   "WETH",
		Lock:           lock,
	})
	ctx := context.Background()

	// Hold the guard as if another operation were mid-flight: an imposter
	// must still be told ErrNotOracle, not ErrReentrantCall.
	release, err := lock.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if err := svc.AssertionResolvedCallback(ctx, "0xmallory", oracle.ID("id-1"), true); !errors.Is(err, ErrNotOracle) {
		t.Fatalf("imposter during held guard: got %v, want ErrNotOracle", err)
	}
	if err := svc.AssertionResolvedCallback(ctx, testOracle, oracle.ID("id-1"), true); !errors.Is(err, guard.ErrReentrantCall) {
		t.Fatalf("oracle during held guard: got %v, want ErrReentrantCall", err)
	}
}

func TestResolvedCallback_SingleResolution(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, true); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, false); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second callback: got %v, want ErrAlreadyResolved", err)
	}

	rec := fx.ledger.records[id]
	if !rec.Resolved || !rec.Truthful {
		t.Errorf("verdict lost its first-set value: resolved=%v truthful=%v", rec.Resolved, rec.Truthful)
	}

	if err := svc.AssertionResolvedCallback(ctx, testOracle, oracle.ID("never-created"), true); !errors.Is(err, ErrUnknownAssertion) {
		t.Fatalf("unknown id: got %v, want ErrUnknownAssertion", err)
	}
}

func TestDisputedCallback_NoOpContract(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.AssertionDisputedCallback(ctx, "0xmallory", oracle.ID("id-1")); !errors.Is(err, ErrNotOracle) {
		t.Fatalf("non-oracle caller: got %v, want ErrNotOracle", err)
	}
	// Unknown id, undisputed id, resolved id: never an error for the oracle.
	if err := svc.AssertionDisputedCallback(ctx, testOracle, oracle.ID("never-created")); err != nil {
		t.Fatalf("oracle caller must never fail: %v", err)
	}
}

func TestSettle_BeforeResolutionFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	if err := svc.Settle(ctx, id); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("premature settle: got %v, want ErrNotResolved", err)
	}
	if err := svc.Settle(ctx, oracle.ID("never-created")); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("settle of unknown id: got %v, want ErrNotResolved", err)
	}
}

func TestSettle_TruthfulPaysAsserter(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.Settle(ctx, id); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if len(fx.treasury.payouts) != 1 {
		t.Fatalf("payouts = %d, want 1", len(fx.treasury.payouts))
	}
	p := fx.treasury.payouts[0]
	if p.recipient != testAsserter || p.amount.Cmp(big.NewInt(40_000)) != 0 {
		t.Errorf("payout = %s to %s, want 40000 to asserter", p.amount, p.recipient)
	}

	if err := svc.Settle(ctx, id); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second settle: got %v, want ErrAlreadySettled", err)
	}
	if len(fx.treasury.payouts) != 1 {
		t.Error("second settle must not pay out again")
	}
}

func TestSettle_UntruthfulPaysDisputer(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	if err := svc.Dispute(ctx, testDisputer, id, big.NewInt(10_000)); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.Settle(ctx, id); err != nil {
		t.Fatalf("settle: %v", err)
	}

	p := fx.treasury.payouts[0]
	if p.recipient != testDisputer {
		t.Errorf("recipient = %s, want disputer", p.recipient)
	}
	// The stake, not the bond: bonds live with the oracle.
	if p.amount.Cmp(big.NewInt(40_000)) != 0 {
		t.Errorf("payout = %s, want 40000", p.amount)
	}
}

func TestSettle_UntruthfulWithoutDisputerPaysAsserter(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	// An untruthful verdict can land on a record nobody disputed; with no
	// challenger to pay, settlement must still terminate by returning the
	// stake to its originator.
	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.Settle(ctx, id); err != nil {
		t.Fatalf("settle: %v", err)
	}

	p := fx.treasury.payouts[0]
	if p.recipient != testAsserter {
		t.Errorf("recipient = %q, want asserter", p.recipient)
	}
	if p.amount.Cmp(big.NewInt(40_000)) != 0 {
		t.Errorf("payout = %s, want 40000", p.amount)
	}
	if !fx.ledger.records[id].Settled {
		t.Error("settle must be terminal")
	}
}

func TestSettle_ZeroStakeIsTerminalWithoutTransfer(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateParams{
		Caller: testAsserter,
		Claim:  []byte("claim"),
		Bond:   big.NewInt(25_000),
		Value:  big.NewInt(25_000),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.Settle(ctx, id); err != nil {
		t.Fatalf("zero-payout settle: %v", err)
	}
	if len(fx.treasury.payouts) != 0 {
		t.Error("zero stake must not transfer")
	}
	if !fx.ledger.records[id].Settled {
		t.Error("zero-payout settle is still terminal")
	}
}

func TestSettle_TransferRejectedRollsBack(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rejected := errors.New("treasury: transfer rejected")
	fx.treasury.payoutErr = rejected
	if err := svc.Settle(ctx, id); !errors.Is(err, rejected) {
		t.Fatalf("settle with rejecting recipient: got %v", err)
	}
	if fx.pool.lastTx.committed {
		t.Error("rejected transfer must not commit the settlement")
	}
	if !fx.pool.lastTx.rolled {
		t.Error("rejected transfer must roll the transaction back")
	}

	// The retry succeeds once the recipient accepts.
	fx.treasury.payoutErr = nil
	fx.ledger.records[id].Settled = false // mirrors the rolled-back write
	if err := svc.Settle(ctx, id); err != nil {
		t.Fatalf("retry settle: %v", err)
	}
}

func TestGuard_RejectsReentrantSettle(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, svc, 50_000)

	if err := svc.AssertionResolvedCallback(ctx, testOracle, id, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// A malicious payout recipient calling back into the engine mid-transfer.
	fx.treasury.payoutHook = func() error {
		return svc.Settle(ctx, id)
	}
	err := svc.Settle(ctx, id)
	if !errors.Is(err, guard.ErrReentrantCall) {
		t.Fatalf("reentrant settle: got %v, want ErrReentrantCall", err)
	}
	if fx.pool.lastTx.committed {
		t.Error("reentrant settle must not commit")
	}
}

// --- fakes ---

type fakeLedger struct {
	records map[oracle.ID]*Record
	events  map[oracle.ID][]string
	outbox  []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records: make(map[oracle.ID]*Record),
		events:  make(map[oracle.ID][]string),
	}
}

func (l *fakeLedger) Get(ctx context.Context, tx pgx.Tx, id oracle.ID) (Record, error) {
	if rec, ok := l.records[id]; ok {
		return *rec, nil
	}
	return Record{}, nil
}

func (l *fakeLedger) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	cp := rec
	l.records[rec.ID] = &cp
	return nil
}

func (l *fakeLedger) SetDisputer(ctx context.Context, tx pgx.Tx, id oracle.ID, disputer string) error {
	rec := l.records[id]
	if rec.Disputer != "" {
		return ErrAlreadyDisputed
	}
	rec.Disputer = disputer
	return nil
}

func (l *fakeLedger) MarkResolved(ctx context.Context, tx pgx.Tx, id oracle.ID, truthful bool) error {
	rec := l.records[id]
	if rec.Resolved {
		return ErrAlreadyResolved
	}
	rec.Resolved = true
	rec.Truthful = truthful
	return nil
}

func (l *fakeLedger) MarkSettled(ctx context.Context, tx pgx.Tx, id oracle.ID) error {
	rec := l.records[id]
	if rec.Settled {
		return ErrAlreadySettled
	}
	rec.Settled = true
	return nil
}

func (l *fakeLedger) AppendEvent(ctx context.Context, tx pgx.Tx, id oracle.ID, eventType string, payload map[string]any) error {
	l.events[id] = append(l.events[id], eventType)
	return nil
}

func (l *fakeLedger) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	l.outbox = append(l.outbox, topic)
	return nil
}

type payout struct {
	recipient string
	amount    *big.Int
}

type fakeTreasury struct {
	credits    []*big.Int
	payouts    []payout
	payoutErr  error
	payoutHook func() error
}

func (f *fakeTreasury) Credit(ctx context.Context, tx pgx.Tx, amount *big.Int) error {
	f.credits = append(f.credits, new(big.Int).Set(amount))
	return nil
}

func (f *fakeTreasury) Payout(ctx context.Context, tx pgx.Tx, recipient string, amount *big.Int) error {
	if f.payoutHook != nil {
		hook := f.payoutHook
		f.payoutHook = nil
		if err := hook(); err != nil {
			return err
		}
	}
	if f.payoutErr != nil {
		return f.payoutErr
	}
	f.payouts = append(f.payouts, payout{recipient: recipient, amount: new(big.Int).Set(amount)})
	return nil
}

type fakeCustodian struct {
	wrapped []*big.Int
	wrapErr error
}

func (f *fakeCustodian) WrapAndAuthorize(ctx context.Context, amount *big.Int) error {
	if f.wrapErr != nil {
		return f.wrapErr
	}
	f.wrapped = append(f.wrapped, new(big.Int).Set(amount))
	return nil
}

type fakeOracle struct {
	minBond  *big.Int
	nextID   oracle.ID
	asserts  int
	disputes int
}

func (f *fakeOracle) GetMinimumBond(ctx context.Context, asset string) (*big.Int, error) {
	return new(big.Int).Set(f.minBond), nil
}

func (f *fakeOracle) AssertTruth(ctx context.Context, params oracle.AssertTruthParams) (oracle.ID, error) {
	f.asserts++
	id := f.nextID
	f.nextID = oracle.ID(string(f.nextID) + "'")
	return id, nil
}

func (f *fakeOracle) DisputeAssertion(ctx context.Context, id oracle.ID, disputer string) error {
	f.disputes++
	return nil
}

type fakePool struct {
	lastTx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
