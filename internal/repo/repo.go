package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"spiralsafe/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,pipeline,status,current_phase,phases_json,created_by,created_at,updated_at,completed_at`

func scanRun(row *sql.Row) (domain.Run, error) {
	var run domain.Run
	var currentPhase, completedAt sql.NullString
	err := row.Scan(&run.ID, &run.Pipeline, &run.Status, &currentPhase, &run.PhasesJSON, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if currentPhase.Valid {
		run.CurrentPhase = &currentPhase.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Pipeline, run.Status, nullableStringPtr(run.CurrentPhase), run.PhasesJSON,
		run.CreatedBy, run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

type RunFilters struct {
	Pipeline        string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Pipeline != "" {
		clauses = append(clauses, "pipeline=?")
		args = append(args, f.Pipeline)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var currentPhase, completedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.Status, &currentPhase, &run.PhasesJSON, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		if currentPhase.Valid {
			run.CurrentPhase = &currentPhase.String
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// UpdateRunStateTx moves a run's bookkeeping after a gate transition.
func (r Repo) UpdateRunStateTx(ctx context.Context, tx *sql.Tx, id, status string, currentPhase *string, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, current_phase=?, updated_at=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(currentPhase), updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveRunsTx returns all runs still marked active, oldest first.
func (r Repo) ListActiveRunsTx(ctx context.Context, tx *sql.Tx) ([]domain.Run, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status='active' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var currentPhase, completedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.Status, &currentPhase, &run.PhasesJSON, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		if currentPhase.Valid {
			run.CurrentPhase = &currentPhase.String
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// MarkRunsAbandonedTx flips the given runs to abandoned in one statement.
func (r Repo) MarkRunsAbandonedTx(ctx context.Context, tx *sql.Tx, ids []string, now string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET status='abandoned', updated_at=? WHERE id IN (%s)`, placeholders), args...)
	return err
}

func (r Repo) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- events ---

const eventColumns = `id,ts,type,COALESCE(pipeline,''),entity_kind,COALESCE(entity_id,''),actor_id,payload`

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + eventColumns + ` FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Pipeline, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
