package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
	// Quiescent oracles compare store rows with ledger balances, which commit
	// in separate transactions, so they only hold once writers have stopped.
	Quiescent bool
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_live_round",
			SQL: `SELECT escrow_id, COUNT(*) FROM dispute_rounds
                  WHERE status IN ('open','resolved')
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_round_numbers_contiguous",
			SQL: `WITH r AS (
                      SELECT escrow_id, round,
                             LAG(round) OVER (PARTITION BY escrow_id ORDER BY round) AS prev
                      FROM dispute_rounds)
                  SELECT * FROM r
                  WHERE (prev IS NULL AND round <> 1) OR (prev IS NOT NULL AND round <> prev + 1)`,
		},
		{
			Name: "O3_buyer_seq_contiguous",
			SQL: `WITH s AS (
                      SELECT buyer_id, seq, ROW_NUMBER() OVER (PARTITION BY buyer_id ORDER BY seq) AS rn
                      FROM escrows)
                  SELECT * FROM s WHERE seq <> rn`,
		},
		{
			Name: "O4_disputed_flag",
			SQL: `SELECT e.id FROM escrows e
                  JOIN dispute_rounds d ON d.escrow_id = e.id
                  WHERE e.is_disputed = FALSE`,
		},
		{
			Name: "O5_open_assignments",
			SQL: `SELECT a.id, a.open_assignments, COALESCE(o.n, 0) FROM arbiters a
                  LEFT JOIN (SELECT arbiter_id, COUNT(*) AS n FROM dispute_rounds
                             WHERE status = 'open' GROUP BY arbiter_id) o ON o.arbiter_id = a.id
                  WHERE a.open_assignments <> COALESCE(o.n, 0)`,
		},
		{
			Name: "O6_terminal_timestamps",
			SQL: `SELECT id, status FROM escrows
                  WHERE (status = 'active') <> (completed_at IS NULL)`,
		},
		{
			Name: "O7_settled_escrow_terminal",
			SQL: `SELECT d.id FROM dispute_rounds d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.settled_at IS NOT NULL AND e.status = 'active'`,
		},
		{
			Name: "O8_outbox_dead",
			SQL:  `SELECT id, topic, attempts FROM outbox WHERE status = 'dead'`,
		},
		{
			Name:      "O9_vault_conservation",
			Quiescent: true,
			SQL: `SELECT e.id, e.status, e.amount, COALESCE(b.amount, 0) FROM escrows e
                  LEFT JOIN ledger_balances b ON b.account = 'vault:escrow:' || e.id AND b.asset = e.asset
                  WHERE (e.status = 'active' AND COALESCE(b.amount, 0) <> e.amount)
                     OR (e.status <> 'active' AND COALESCE(b.amount, 0) <> 0)`,
		},
		{
			Name:      "O10_stake_conservation",
			Quiescent: true,
			SQL: `SELECT a.id, a.stake, COALESCE(b.amount, 0) FROM arbiters a
                  LEFT JOIN ledger_balances b ON b.account = 'vault:stake:' || a.id
                  WHERE a.stake <> COALESCE(b.amount, 0)`,
		},
	}
}

// Run executes the oracles and returns the first failure (name and sample row text) or empty name if all pass.
// Quiescent oracles run only when quiescent is true.
func Run(ctx context.Context, pool *pgxpool.Pool, quiescent bool) (string, string, error) {
	for _, o := range All() {
		if o.Quiescent && !quiescent {
			continue
		}
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
