package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/arbiter"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/store"
)

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

// lockSuffix takes row locks only in read-write transactions.
func (t *pgTx) lockSuffix() string {
	if t.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

const escrowColumns = `id, seq, buyer_id, seller_id, amount, asset, description, status, is_disputed,
	buyer_cancel, seller_cancel, created_at, auto_release_at, completed_at`

func scanEscrow(row pgx.Row) (escrow.Escrow, error) {
	var (
		e      escrow.Escrow
		seq    int64
		amount int64
		status string
	)
	err := row.Scan(&e.ID, &seq, &e.Buyer, &e.Seller, &amount, &e.Asset, &e.Description, &status, &e.IsDisputed,
		&e.BuyerCancel, &e.SellerCancel, &e.CreatedAt, &e.AutoReleaseAt, &e.CompletedAt)
	if err != nil {
		return escrow.Escrow{}, err
	}
	e.Seq = uint64(seq)
	e.Amount = uint64(amount)
	e.Status = escrow.Status(status)
	return e, nil
}

func (t *pgTx) Escrow(ctx context.Context, id string) (escrow.Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`+t.lockSuffix(), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Escrow{}, escrow.ErrNotFound
		}
		return escrow.Escrow{}, fmt.Errorf("pgstore: get escrow: %w", err)
	}
	return e, nil
}

func (t *pgTx) InsertEscrow(ctx context.Context, e escrow.Escrow) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const insertSQL = `
INSERT INTO escrows (id, seq, buyer_id, seller_id, amount, asset, description, status, is_disputed,
	buyer_cancel, seller_cancel, created_at, auto_release_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	_, err := t.tx.Exec(ctx, insertSQL, e.ID, int64(e.Seq), e.Buyer, e.Seller, int64(e.Amount), e.Asset, e.Description,
		string(e.Status), e.IsDisputed, e.BuyerCancel, e.SellerCancel, e.CreatedAt, e.AutoReleaseAt, e.CompletedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("pgstore: insert escrow: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e escrow.Escrow) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const updateSQL = `
UPDATE escrows
SET status = $2, is_disputed = $3, buyer_cancel = $4, seller_cancel = $5, completed_at = $6
WHERE id = $1;
`
	tag, err := t.tx.Exec(ctx, updateSQL, e.ID, string(e.Status), e.IsDisputed, e.BuyerCancel, e.SellerCancel, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("pgstore: update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotFound
	}
	return nil
}

func (t *pgTx) NextEscrowSeq(ctx context.Context, buyer string) (uint64, error) {
	if t.readOnly {
		return 0, store.ErrReadOnly
	}
	const nextSQL = `
INSERT INTO escrow_sequences (buyer_id, next_seq) VALUES ($1, 2)
ON CONFLICT (buyer_id) DO UPDATE SET next_seq = escrow_sequences.next_seq + 1
RETURNING next_seq - 1;
`
	var seq int64
	if err := t.tx.QueryRow(ctx, nextSQL, buyer).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pgstore: next escrow seq: %w", err)
	}
	return uint64(seq), nil
}

const roundColumns = `id, escrow_id, round, opener_id, opener_role, reason, status, arbiter_id, seed,
	decision_kind, buyer_percent, reasoning, created_at, resolved_at, appealed_by, appealed_at, settled_at`

func scanRound(row pgx.Row) (dispute.Round, error) {
	var (
		r          dispute.Round
		role       string
		status     string
		arbiterID  *string
		kind       *string
		pct        *int16
		appealedBy *string
	)
	err := row.Scan(&r.ID, &r.EscrowID, &r.Number, &r.Opener, &role, &r.Reason, &status, &arbiterID, &r.Seed,
		&kind, &pct, &r.Reasoning, &r.CreatedAt, &r.ResolvedAt, &appealedBy, &r.AppealedAt, &r.SettledAt)
	if err != nil {
		return dispute.Round{}, err
	}
	r.OpenerRole = escrow.Role(role)
	r.Status = dispute.Status(status)
	if arbiterID != nil {
		r.Arbiter = *arbiterID
	}
	if appealedBy != nil {
		r.AppealedBy = *appealedBy
	}
	if kind != nil {
		var percent *int
		if pct != nil {
			v := int(*pct)
			percent = &v
		}
		if r.Decision, err = dispute.Decode(dispute.Kind(*kind), percent); err != nil {
			return dispute.Round{}, err
		}
	}
	return r, nil
}

func roundArgs(r dispute.Round) (kind *string, pct *int16, arbiterID, appealedBy *string) {
	if k, p := dispute.Encode(r.Decision); k != "" {
		s := string(k)
		kind = &s
		if p != nil {
			v := int16(*p)
			pct = &v
		}
	}
	if r.Arbiter != "" {
		arbiterID = &r.Arbiter
	}
	if r.AppealedBy != "" {
		appealedBy = &r.AppealedBy
	}
	return kind, pct, arbiterID, appealedBy
}

func (t *pgTx) Round(ctx context.Context, id string) (dispute.Round, error) {
	r, err := scanRound(t.tx.QueryRow(ctx, `SELECT `+roundColumns+` FROM dispute_rounds WHERE id = $1`+t.lockSuffix(), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispute.Round{}, dispute.ErrNotFound
		}
		return dispute.Round{}, fmt.Errorf("pgstore: get round: %w", err)
	}
	return r, nil
}

func (t *pgTx) Rounds(ctx context.Context, escrowID string) (dispute.Chain, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+roundColumns+` FROM dispute_rounds WHERE escrow_id = $1 ORDER BY round`+t.lockSuffix(), escrowID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list rounds: %w", err)
	}
	defer rows.Close()

	out := make(dispute.Chain, 0, 2)
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan round: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate rounds: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertRound(ctx context.Context, r dispute.Round) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const insertSQL = `
INSERT INTO dispute_rounds (id, escrow_id, round, opener_id, opener_role, reason, status, arbiter_id, seed,
	decision_kind, buyer_percent, reasoning, created_at, resolved_at, appealed_by, appealed_at, settled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
`
	kind, pct, arbiterID, appealedBy := roundArgs(r)
	_, err := t.tx.Exec(ctx, insertSQL, r.ID, r.EscrowID, r.Number, r.Opener, string(r.OpenerRole), r.Reason,
		string(r.Status), arbiterID, r.Seed, kind, pct, r.Reasoning, r.CreatedAt, r.ResolvedAt, appealedBy,
		r.AppealedAt, r.SettledAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("pgstore: insert round: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRound(ctx context.Context, r dispute.Round) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const updateSQL = `
UPDATE dispute_rounds
SET status = $2, decision_kind = $3, buyer_percent = $4, reasoning = $5, resolved_at = $6,
	appealed_by = $7, appealed_at = $8, settled_at = $9, arbiter_id = $10, seed = $11
WHERE id = $1;
`
	kind, pct, arbiterID, appealedBy := roundArgs(r)
	tag, err := t.tx.Exec(ctx, updateSQL, r.ID, string(r.Status), kind, pct, r.Reasoning, r.ResolvedAt,
		appealedBy, r.AppealedAt, r.SettledAt, arbiterID, r.Seed)
	if err != nil {
		return fmt.Errorf("pgstore: update round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispute.ErrNotFound
	}
	return nil
}

const arbiterColumns = `id, stake, reputation, cases_resolved, open_assignments, is_active, joined_at, last_resolved_at`

func scanArbiter(row pgx.Row) (arbiter.Arbiter, error) {
	var (
		a        arbiter.Arbiter
		stake    int64
		resolved int64
	)
	if err := row.Scan(&a.ID, &stake, &a.Reputation, &resolved, &a.OpenAssignments, &a.IsActive, &a.JoinedAt, &a.LastResolvedAt); err != nil {
		return arbiter.Arbiter{}, err
	}
	a.Stake = uint64(stake)
	a.CasesResolved = uint64(resolved)
	return a, nil
}

// Arbiter reads without a row lock: counters only change through
// AdjustArbiter increments, so concurrent resolutions never block each other.
func (t *pgTx) Arbiter(ctx context.Context, id string) (arbiter.Arbiter, error) {
	a, err := scanArbiter(t.tx.QueryRow(ctx, `SELECT `+arbiterColumns+` FROM arbiters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return arbiter.Arbiter{}, arbiter.ErrNotFound
		}
		return arbiter.Arbiter{}, fmt.Errorf("pgstore: get arbiter: %w", err)
	}
	return a, nil
}

func (t *pgTx) Arbiters(ctx context.Context) ([]arbiter.Arbiter, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+arbiterColumns+` FROM arbiters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list arbiters: %w", err)
	}
	defer rows.Close()

	out := make([]arbiter.Arbiter, 0, 16)
	for rows.Next() {
		a, err := scanArbiter(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan arbiter: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate arbiters: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertArbiter(ctx context.Context, a arbiter.Arbiter) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const insertSQL = `
INSERT INTO arbiters (id, stake, reputation, cases_resolved, open_assignments, is_active, joined_at, last_resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := t.tx.Exec(ctx, insertSQL, a.ID, int64(a.Stake), a.Reputation, int64(a.CasesResolved), a.OpenAssignments,
		a.IsActive, a.JoinedAt, a.LastResolvedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return arbiter.ErrAlreadyRegistered
		}
		return fmt.Errorf("pgstore: insert arbiter: %w", err)
	}
	return nil
}

func (t *pgTx) SetArbiterActive(ctx context.Context, id string, active bool) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	tag, err := t.tx.Exec(ctx, `UPDATE arbiters SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("pgstore: set arbiter active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return arbiter.ErrNotFound
	}
	return nil
}

func (t *pgTx) AdjustArbiter(ctx context.Context, d arbiter.Delta) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const adjustSQL = `
UPDATE arbiters
SET stake = GREATEST(stake + $2, 0),
    reputation = reputation + $3,
    cases_resolved = GREATEST(cases_resolved + $4, 0),
    open_assignments = GREATEST(open_assignments + $5, 0),
    last_resolved_at = COALESCE($6, last_resolved_at)
WHERE id = $1;
`
	tag, err := t.tx.Exec(ctx, adjustSQL, d.ArbiterID, d.Stake, d.Reputation, d.CasesResolved, d.OpenAssignments, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("pgstore: adjust arbiter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return arbiter.ErrNotFound
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, ev store.Event) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO outbox (topic, partition_key, payload) VALUES ($1, $2, $3)`,
		ev.Topic, ev.Key, ev.Payload); err != nil {
		return fmt.Errorf("pgstore: insert outbox message: %w", err)
	}
	return nil
}

func (t *pgTx) Paused(ctx context.Context) (bool, error) {
	var paused bool
	if err := t.tx.QueryRow(ctx, `SELECT paused FROM protocol_state WHERE id = 1`).Scan(&paused); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("pgstore: paused: %w", err)
	}
	return paused, nil
}

func (t *pgTx) SetPaused(ctx context.Context, paused bool) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	const upsertSQL = `
INSERT INTO protocol_state (id, paused) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused;
`
	if _, err := t.tx.Exec(ctx, upsertSQL, paused); err != nil {
		return fmt.Errorf("pgstore: set paused: %w", err)
	}
	return nil
}

func (t *pgTx) Stats(ctx context.Context) (store.Stats, error) {
	const statsSQL = `
SELECT (SELECT count(*) FROM escrows),
       (SELECT count(*) FROM dispute_rounds WHERE round = 1),
       (SELECT count(*) FROM arbiters),
       COALESCE((SELECT paused FROM protocol_state WHERE id = 1), FALSE);
`
	var s store.Stats
	var escrows, disputes, arbiters int64
	if err := t.tx.QueryRow(ctx, statsSQL).Scan(&escrows, &disputes, &arbiters, &s.Paused); err != nil {
		return store.Stats{}, fmt.Errorf("pgstore: stats: %w", err)
	}
	s.Escrows, s.Disputes, s.Arbiters = uint64(escrows), uint64(disputes), uint64(arbiters)
	return s, nil
}

func (t *pgTx) DueEscrows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const dueSQL = `
SELECT id FROM escrows
WHERE status = 'active' AND is_disputed = FALSE AND auto_release_at IS NOT NULL AND auto_release_at <= $1
ORDER BY auto_release_at, id
LIMIT $2;
`
	return t.ids(ctx, "due escrows", dueSQL, now, limit)
}

func (t *pgTx) DueSettlements(ctx context.Context, resolvedBefore time.Time, maxAppeals, limit int) ([]string, error) {
	const dueSQL = `
SELECT id FROM dispute_rounds
WHERE status = 'resolved' AND settled_at IS NULL AND (resolved_at <= $1 OR round - 1 >= $2)
ORDER BY resolved_at, id
LIMIT $3;
`
	return t.ids(ctx, "due settlements", dueSQL, resolvedBefore, maxAppeals, limit)
}

func (t *pgTx) ids(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %s: %w", what, err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: scan %s: %w", what, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate %s: %w", what, err)
	}
	return out, nil
}
