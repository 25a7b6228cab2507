// Package oracles holds SQL invariant checks run repeatedly while the stress
// actors hammer the database. Every query returns rows only on violation.
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
			Name: "O1_single_requester_identity",
			SQL: `SELECT id FROM requests
                  WHERE (user_id IS NOT NULL AND (guest_email IS NOT NULL OR guest_name IS NOT NULL))
                     OR (user_id IS NULL AND guest_email IS NULL)`,
		},
		{
			Name: "O2_audit_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT request_id, seq,
                             LAG(seq) OVER (PARTITION BY request_id ORDER BY seq) AS prev
                      FROM transition_audits)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O3_single_maintenance_ticket",
			SQL: `SELECT source_request_id, trigger_type, COUNT(*) FROM cross_module_events
                  GROUP BY source_request_id, trigger_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_decided_token_consumed",
			SQL: `SELECT id FROM requests
                  WHERE status IN ('approved', 'rejected')
                    AND approval_token IS NOT NULL
                    AND approval_token_consumed_at IS NULL`,
		},
		{
			Name: "O5_single_pending_extension",
			SQL: `SELECT request_id, COUNT(*) FROM extension_requests
                  WHERE status = 'pending'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_breach_implies_due_passed",
			SQL: `SELECT id FROM requests
                  WHERE breached_at IS NOT NULL AND breached_at < resolution_due - interval '1 second'
                    AND NOT EXISTS (
                        SELECT 1 FROM extension_requests e
                        WHERE e.request_id = requests.id AND e.status = 'approved')`,
		},
		{
			Name: "O7_terminal_states_frozen",
			SQL: `SELECT a.request_id FROM transition_audits a
                  JOIN transition_audits b
                    ON b.request_id = a.request_id AND b.seq = a.seq + 1
                  WHERE a.next_status IN ('completed', 'rejected')
                    AND b.prior_status = a.next_status
                    AND b.next_status <> b.prior_status`,
		},
		{
			Name: "O8_outbox_not_wedged",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_trigger_linkage_consistent",
			SQL: `SELECT e.id FROM cross_module_events e
                  LEFT JOIN tickets t ON t.id = e.ticket_id
                  WHERE t.id IS NULL OR t.source_request_id <> e.source_request_id`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
