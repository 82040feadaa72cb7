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
			Name: "O1_cycles_match_executions",
			SQL: `SELECT a.id, a.cycles_completed, COUNT(e.id) FROM payment_agreements a
                  LEFT JOIN payment_executions e ON e.agreement_id = a.id
                  GROUP BY a.id, a.cycles_completed
                  HAVING a.cycles_completed <> COUNT(e.id)`,
		},
		{
			Name: "O2_cycle_bound",
			SQL: `SELECT id, cycles, cycles_completed FROM payment_agreements
                  WHERE NOT indefinite AND cycles_completed > cycles`,
		},
		{
			Name: "O3_completion_status",
			SQL: `SELECT id, status, cycles, cycles_completed FROM payment_agreements
                  WHERE (status = 'completed' AND (indefinite OR cycles_completed <> cycles))
                     OR (status IN ('active','paused') AND NOT indefinite AND cycles_completed >= cycles)`,
		},
		{
			Name: "O4_cycles_contiguous",
			SQL: `SELECT agreement_id, MIN(cycle), MAX(cycle), COUNT(*) FROM payment_executions
                  GROUP BY agreement_id HAVING MIN(cycle) <> 1 OR MAX(cycle) <> COUNT(*)`,
		},
		{
			Name: "O5_last_payment_recorded",
			SQL: `SELECT id, cycles_completed, last_payment_date FROM payment_agreements
                  WHERE (cycles_completed > 0) <> (last_payment_date IS NOT NULL)`,
		},
		{
			Name: "O6_execution_matches_terms",
			SQL: `SELECT e.tx_hash, e.amount, a.amount FROM payment_executions e
                  JOIN payment_agreements a ON a.id = e.agreement_id
                  WHERE e.amount <> a.amount OR e.asset_code <> a.asset_code
                     OR e.asset_issuer IS DISTINCT FROM a.asset_issuer`,
		},
		{
			Name: "O7_execution_event_emitted",
			SQL: `SELECT e.tx_hash FROM payment_executions e
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic IN ('agreement.payment_executed','agreement.completed')
                        AND o.payload->>'tx_hash' = e.tx_hash)
                     OR NOT EXISTS (
                      SELECT 1 FROM timeline_events t
                      WHERE t.agreement_id = e.agreement_id AND t.payload->>'tx_hash' = e.tx_hash)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status <> 'published' AND now()-created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_agreement_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='payment_agreements_no_delete')`,
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
