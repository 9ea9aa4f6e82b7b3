package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_settled_implies_resolved",
			SQL:  `SELECT id FROM assertions WHERE settled AND NOT resolved`,
		},
		{
			Name: "O2_single_lifecycle_event",
			SQL: `SELECT assertion_id, type, COUNT(*) FROM assertion_events
                  WHERE type IN ('ASSERTION_CREATED','ASSERTION_DISPUTED','ASSERTION_RESOLVED','ASSERTION_SETTLED')
                  GROUP BY assertion_id, type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT assertion_id, seq,
                             LAG(seq) OVER (PARTITION BY assertion_id ORDER BY seq) AS prev
                      FROM assertion_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_lifecycle_event_order",
			SQL: `SELECT s.assertion_id FROM assertion_events s
                  WHERE s.type = 'ASSERTION_SETTLED'
                    AND NOT EXISTS (
                      SELECT 1 FROM assertion_events r
                      WHERE r.assertion_id = s.assertion_id
                        AND r.type = 'ASSERTION_RESOLVED' AND r.seq < s.seq)`,
		},
		{
			Name: "O5_pool_matches_open_stakes",
			SQL: `SELECT p.balance::text, staked.total::text
                  FROM (SELECT balance FROM treasury_accounts WHERE party = 'treasury:pool') p,
                       (SELECT COALESCE(SUM(stake), 0) AS total FROM assertions WHERE NOT settled) staked
                  WHERE p.balance <> staked.total`,
		},
		{
			Name: "O6_value_conservation",
			SQL: `SELECT held.total::text, staked.total::text
                  FROM (SELECT COALESCE(SUM(balance), 0) AS total FROM treasury_accounts) held,
                       (SELECT COALESCE(SUM(stake), 0) AS total FROM assertions) staked
                  WHERE held.total <> staked.total`,
		},
		{
			Name: "O7_payout_matches_winner",
			SQL: `SELECT e.assertion_id FROM assertion_events e
                  JOIN assertions a ON a.id = e.assertion_id
                  WHERE e.type = 'ASSERTION_SETTLED' AND a.stake > 0
                    AND e.payload->>'recipient' <> CASE WHEN a.truthful OR a.disputer = '' THEN a.asserter ELSE a.disputer END`,
		},
		{
			Name: "O8_dispute_requires_disputer",
			SQL: `SELECT e.assertion_id FROM assertion_events e
                  JOIN assertions a ON a.id = e.assertion_id
                  WHERE e.type = 'ASSERTION_DISPUTED' AND a.disputer = ''`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
