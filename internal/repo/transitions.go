package repo

import (
	"context"
	"database/sql"

	"spiralsafe/internal/domain"
)

// InsertTransitionTx appends one journal row for a run. The (run_id, seq)
// pair is unique, so replaying the same gate transition twice fails loudly.
func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transitions(run_id,seq,from_phase,to_phase,outcome,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		t.RunID, t.Seq, t.FromPhase, t.ToPhase, t.Outcome, nullableStringPtr(t.Reason), t.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransitions returns a run's journal in the order it was written.
func (r Repo) ListTransitions(ctx context.Context, runID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,run_id,seq,from_phase,to_phase,outcome,reason,ts FROM transitions WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.Seq, &t.FromPhase, &t.ToPhase, &t.Outcome, &reason, &t.TS); err != nil {
			return nil, err
		}
		if reason.Valid {
			t.Reason = &reason.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTransitions reports how many journal rows a run has accumulated.
func (r Repo) CountTransitions(ctx context.Context, runID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions WHERE run_id=?`, runID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
