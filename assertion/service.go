package assertion

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/BhaskarPeruri/EthAssert/guard"
	"github.com/BhaskarPeruri/EthAssert/oracle"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the record persistence the engine requires.
type Ledger interface {
	Get(ctx context.Context, tx pgx.Tx, id oracle.ID) (Record, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	SetDisputer(ctx context.Context, tx pgx.Tx, id oracle.ID, disputer string) error
	MarkResolved(ctx context.Context, tx pgx.Tx, id oracle.ID, truthful bool) error
	MarkSettled(ctx context.Context, tx pgx.Tx, id oracle.ID) error
	AppendEvent(ctx context.Context, tx pgx.Tx, id oracle.ID, eventType string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Treasury is the slice of the value pool the engine drives: stake custody at
// creation, payout at settlement.
type Treasury interface {
	Credit(ctx context.Context, tx pgx.Tx, amount *big.Int) error
	Payout(ctx context.Context, tx pgx.Tx, recipient string, amount *big.Int) error
}

// Custodian wraps native value into the bonding token and authorizes the
// resolution service to pull it.
type Custodian interface {
	WrapAndAuthorize(ctx context.Context, amount *big.Int) error
}

// Config wires the engine's collaborators.
type Config struct {
	Pool      TxBeginner
	Ledger    Ledger // defaults to the pgx repository
	Treasury  Treasury
	Custodian Custodian
	Oracle    oracle.Service

	// OracleIdentity is the caller identity resolution callbacks are
	// authenticated against.
	OracleIdentity string
	// BondingAsset is the token denomination the oracle escrows bonds in.
	BondingAsset string
	// Lock is the advisory lock shared with every other component mutating
	// the ledger or the value pool.
	Lock *guard.Lock
}

// Service is the assertion lifecycle engine. It owns the state machine:
// creation, dispute, resolution-callback handling, and settlement. Every
// mutating entry point acquires the shared guard lock and commits its ledger,
// treasury, and event writes in a single transaction.
type Service struct {
	pool      TxBeginner
	ledger    Ledger
	treasury  Treasury
	custodian Custodian
	oracle    oracle.Service

	oracleIdentity string
	bondingAsset   string
	lock           *guard.Lock
}

func NewService(cfg Config) *Service {
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewRepository()
	}
	lock := cfg.Lock
	if lock == nil {
		lock = guard.New()
	}
	return &Service{
		pool:           cfg.Pool,
		ledger:         ledger,
		treasury:       cfg.Treasury,
		custodian:      cfg.Custodian,
		oracle:         cfg.Oracle,
		oracleIdentity: cfg.OracleIdentity,
		bondingAsset:   cfg.BondingAsset,
		lock:           lock,
	}
}

// Create posts a new assertion. When params.Bond is nil the bond is the
// oracle's current minimum and the attached value must strictly exceed it;
// when set, the bond must be positive and no more than the attached value.
// Either way bond + stake equals the attached value exactly: the bond is
// wrapped and escrowed by the oracle, the stake stays in the native pool as
// the contested prize.
func (s *Service) Create(ctx context.Context, params CreateParams) (oracle.ID, error) {
	if params.Caller == "" {
		return oracle.Zero, fmt.Errorf("assertion: missing caller")
	}
	if params.Value == nil || params.Value.Sign() <= 0 {
		return oracle.Zero, ErrInvalidValue
	}

	release, err := s.lock.Acquire()
	if err != nil {
		return oracle.Zero, err
	}
	defer release()

	var bond *big.Int
	if params.Bond == nil {
		min, err := s.oracle.GetMinimumBond(ctx, s.bondingAsset)
		if err != nil {
			return oracle.Zero, fmt.Errorf("assertion: query minimum bond: %w", err)
		}
		if min.Sign() == 0 {
			return oracle.Zero, ErrMinimumBondZero
		}
		// Strict bound: the residual stake must be positive.
		if params.Value.Cmp(min) <= 0 {
			return oracle.Zero, ErrInvalidValue
		}
		bond = min
	} else {
		if params.Bond.Sign() <= 0 || params.Bond.Cmp(params.Value) > 0 {
			return oracle.Zero, ErrInvalidValue
		}
		bond = new(big.Int).Set(params.Bond)
	}
	stake := new(big.Int).Sub(params.Value, bond)

	if err := s.custodian.WrapAndAuthorize(ctx, bond); err != nil {
		return oracle.Zero, err
	}

	id, err := s.oracle.AssertTruth(ctx, oracle.AssertTruthParams{
		Claim:             params.Claim,
		Asserter:          params.Caller,
		CallbackRecipient: s,
		Liveness:          params.Liveness,
		BondingAsset:      s.bondingAsset,
		Bond:              bond,
		ClaimID:           params.ClaimID,
	})
	if err != nil {
		return oracle.Zero, fmt.Errorf("assertion: assert truth: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oracle.Zero, fmt.Errorf("assertion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:       id,
		Claim:    params.Claim,
		Asserter: params.Caller,
		Bond:     bond,
		Stake:    stake,
	}
	if err := s.ledger.Insert(ctx, tx, rec); err != nil {
		return oracle.Zero, err
	}
	if stake.Sign() > 0 {
		if err := s.treasury.Credit(ctx, tx, stake); err != nil {
			return oracle.Zero, err
		}
	}

	eventPayload := map[string]any{
		"asserter": params.Caller,
		"bond":     bond.String(),
		"stake":    stake.String(),
		"claim_id": params.ClaimID,
	}
	if err := s.ledger.AppendEvent(ctx, tx, id, EventCreated, eventPayload); err != nil {
		return oracle.Zero, err
	}
	outboxPayload := map[string]any{
		"assertion_id": string(id),
		"asserter":     params.Caller,
		"bond":         bond.String(),
	}
	if err := s.ledger.EnqueueOutbox(ctx, tx, OutboxTopicCreated, outboxPayload); err != nil {
		return oracle.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return oracle.Zero, fmt.Errorf("assertion: commit create: %w", err)
	}
	return id, nil
}

// Dispute challenges an unresolved assertion. The attached value must equal
// the stored bond exactly; it is wrapped and escrowed by the oracle against
// the asserter's bond. A record accepts one disputer, ever.
func (s *Service) Dispute(ctx context.Context, caller string, id oracle.ID, value *big.Int) error {
	if caller == "" {
		return fmt.Errorf("assertion: missing caller")
	}

	release, err := s.lock.Acquire()
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("assertion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.ledger.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if !rec.Known() {
		return ErrUnknownAssertion
	}
	if rec.Resolved {
		return ErrAlreadyResolved
	}
	if rec.Disputer != "" {
		return ErrAlreadyDisputed
	}
	if value == nil || value.Cmp(rec.Bond) != 0 {
		return ErrInvalidValue
	}

	if err := s.custodian.WrapAndAuthorize(ctx, value); err != nil {
		return err
	}
	if err := s.oracle.DisputeAssertion(ctx, id, caller); err != nil {
		return fmt.Errorf("assertion: oracle dispute: %w", err)
	}

	if err := s.ledger.SetDisputer(ctx, tx, id, caller); err != nil {
		return err
	}
	if err := s.ledger.AppendEvent(ctx, tx, id, EventDisputed, map[string]any{"disputer": caller}); err != nil {
		return err
	}
	outboxPayload := map[string]any{
		"assertion_id": string(id),
		"disputer":     caller,
	}
	if err := s.ledger.EnqueueOutbox(ctx, tx, OutboxTopicDisputed, outboxPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("assertion: commit dispute: %w", err)
	}
	return nil
}

// AssertionResolvedCallback accepts the verdict from the resolution service.
// Resolved and truthful commit together, once, before any value movement can
// reference them.
func (s *Service) AssertionResolvedCallback(ctx context.Context, caller string, id oracle.ID, truthful bool) error {
	// Authority first: the check reads only immutable config, and an imposter
	// must see ErrNotOracle even while a guarded operation is in flight.
	if caller != s.oracleIdentity {
		return ErrNotOracle
	}

	release, err := s.lock.Acquire()
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("assertion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.ledger.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if !rec.Known() {
		return ErrUnknownAssertion
	}
	if rec.Resolved {
		return ErrAlreadyResolved
	}

	if err := s.ledger.MarkResolved(ctx, tx, id, truthful); err != nil {
		return err
	}
	if err := s.ledger.AppendEvent(ctx, tx, id, EventResolved, map[string]any{"truthful": truthful}); err != nil {
		return err
	}
	outboxPayload := map[string]any{
		"assertion_id": string(id),
		"truthful":     truthful,
	}
	if err := s.ledger.EnqueueOutbox(ctx, tx, OutboxTopicResolved, outboxPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("assertion: commit resolution: %w", err)
	}
	return nil
}

// AssertionDisputedCallback is invoked by the resolution service when it
// registers a dispute. Beyond authenticating the caller it must succeed
// unconditionally: the service's own dispute workflow depends on it. Our
// dispute bookkeeping happens in Dispute, so there is nothing to do here.
func (s *Service) AssertionDisputedCallback(ctx context.Context, caller string, id oracle.ID) error {
	if caller != s.oracleIdentity {
		return ErrNotOracle
	}
	return nil
}

// Settle pays the stake to the winning side. Callable by anyone. The settled
// flag is written before the outbound transfer; a rejected transfer fails the
// whole operation and rolls the flag back, so a later retry can still pay out.
func (s *Service) Settle(ctx context.Context, id oracle.ID) error {
	release, err := s.lock.Acquire()
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("assertion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.ledger.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if !rec.Resolved {
		// Unknown identifiers land here too: the zero record is unresolved.
		return ErrNotResolved
	}
	if rec.Settled {
		return ErrAlreadySettled
	}

	if err := s.ledger.MarkSettled(ctx, tx, id); err != nil {
		return err
	}

	recipient := ""
	payout := rec.Stake
	if payout.Sign() > 0 {
		recipient = rec.Winner()
		if err := s.treasury.Payout(ctx, tx, recipient, payout); err != nil {
			return err
		}
	}

	eventPayload := map[string]any{
		"recipient": recipient,
		"amount":    payout.String(),
	}
	if err := s.ledger.AppendEvent(ctx, tx, id, EventSettled, eventPayload); err != nil {
		return err
	}
	outboxPayload := map[string]any{
		"assertion_id": string(id),
		"recipient":    recipient,
		"amount":       payout.String(),
	}
	if err := s.ledger.EnqueueOutbox(ctx, tx, OutboxTopicSettled, outboxPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("assertion: commit settlement: %w", err)
	}
	return nil
}

// Get returns the record for id, or the zero Record when the identifier is
// unknown.
func (s *Service) Get(ctx context.Context, id oracle.ID) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("assertion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.ledger.Get(ctx, tx, id)
}
