package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_contract_per_project",
			SQL: `SELECT project_id, COUNT(*) FROM contracts
                  GROUP BY project_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_awarded_proposal",
			SQL: `SELECT project_id, COUNT(*) FROM proposals
                  WHERE status = 'awarded'
                  GROUP BY project_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_contract_matches_award",
			SQL: `SELECT c.id, c.status, p.status FROM contracts c
                  LEFT JOIN proposals p ON p.id = c.proposal_id
                  WHERE p.id IS NULL OR p.status <> 'awarded'
                     OR p.freelancer_id <> c.freelancer_id`,
		},
		{
			Name: "O4_one_proposal_per_freelancer",
			SQL: `SELECT project_id, freelancer_id FROM proposals
                  GROUP BY project_id, freelancer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_escrow_matches_ledger",
			SQL: `WITH counts AS (
                      SELECT m.id, m.payment_status,
                             COUNT(t.id) FILTER (WHERE t.type = 'escrow_funding') AS funded,
                             COUNT(t.id) FILTER (WHERE t.type = 'escrow_release') AS released,
                             COUNT(t.id) FILTER (WHERE t.type = 'refund')         AS refunded
                      FROM milestones m
                      LEFT JOIN transactions t ON t.milestone_id = m.id
                      GROUP BY m.id, m.payment_status)
                  SELECT * FROM counts
                  WHERE NOT (
                         (payment_status = 'unpaid'    AND funded = 0 AND released = 0 AND refunded = 0)
                      OR (payment_status = 'in_escrow' AND funded = 1 AND released = 0 AND refunded = 0)
                      OR (payment_status = 'released'  AND funded = 1 AND released = 2 AND refunded = 0)
                      OR (payment_status = 'refunded'  AND funded = 1 AND released = 0 AND refunded = 2))`,
		},
		{
			Name: "O6_entry_amount_matches_milestone",
			SQL: `SELECT t.id, t.amount, m.amount FROM transactions t
                  JOIN milestones m ON m.id = t.milestone_id
                  WHERE t.amount <> m.amount`,
		},
		{
			Name: "O7_milestones_within_total",
			SQL: `SELECT c.id, c.total_amount, SUM(m.amount) FROM contracts c
                  JOIN milestones m ON m.contract_id = c.id
                  GROUP BY c.id, c.total_amount HAVING SUM(m.amount) > c.total_amount`,
		},
		{
			Name: "O8_completed_contract_settled",
			SQL: `SELECT m.id FROM milestones m
                  JOIN contracts c ON c.id = m.contract_id
                  WHERE c.status = 'completed' AND m.payment_status NOT IN ('released', 'refunded')`,
		},
		{
			Name: "O9_review_requires_completion",
			SQL: `SELECT r.id FROM reviews r
                  JOIN contracts c ON c.id = r.contract_id
                  WHERE c.status <> 'completed'
                     OR r.reviewer_id NOT IN (c.client_id, c.freelancer_id)
                     OR r.reviewee_id NOT IN (c.client_id, c.freelancer_id)`,
		},
		{
			Name: "O10_rating_cache",
			SQL: `SELECT p.user_id, p.review_count, COUNT(r.id) FROM profiles p
                  LEFT JOIN reviews r ON r.reviewee_id = p.user_id AND r.public
                  GROUP BY p.user_id, p.review_count HAVING p.review_count <> COUNT(r.id)`,
		},
		{
			Name: "O11_dispute_state",
			SQL: `SELECT c.id::text AS any FROM contracts c
                  WHERE c.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.contract_id = c.id AND d.status = 'under_review')
                  UNION ALL
                  SELECT d.contract_id FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.status = 'under_review' AND c.status <> 'disputed'`,
		},
		{
			Name: "O12_outbox_drains",
			SQL: `SELECT id, status, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O13_ledger_append_only_guard",
			SQL: `SELECT 'missing_no_mutate_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_transactions')`,
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
