// Package engine coordinates live gates with the workspace database.
//
// A gate exists only in the memory of the process that started its run.
// The database keeps the bookkeeping (run rows, the transition journal,
// the event feed) so completed and abandoned runs stay inspectable, but
// a gate is never rebuilt from rows: if the process dies, its active
// runs are unrecoverable and get swept to abandoned on the next start.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiralsafe/internal/config"
	"spiralsafe/internal/domain"
	"spiralsafe/internal/events"
	"spiralsafe/internal/gate"
	"spiralsafe/internal/metrics"
	"spiralsafe/internal/pipeline"
	"spiralsafe/internal/repo"
)

var (
	ErrRunExists       = errors.New("run already exists")
	ErrRunNotActive    = errors.New("run is not active")
	ErrGateNotResident = errors.New("run gate is not resident in this process")
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time

	mu    sync.Mutex
	gates map[string]*liveGate
}

// liveGate pairs a gate with the lock that serializes Advance against
// the journal write, so gate state and database rows move together.
type liveGate struct {
	mu sync.Mutex
	g  *gate.Gate
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
		gates:  map[string]*liveGate{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e *Engine) liveGateFor(runID string) *liveGate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gates[runID]
}

func (e *Engine) registerGate(runID string, g *gate.Gate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gates == nil {
		e.gates = map[string]*liveGate{}
	}
	e.gates[runID] = &liveGate{g: g}
}

func (e *Engine) dropGate(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.gates, runID)
}

// ResidentGates reports how many live gates this process is holding.
func (e *Engine) ResidentGates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.gates)
}

// StartRunOptions are parameters for starting a run.
type StartRunOptions struct {
	RunID    string
	Pipeline string
	ActorID  string
}

// StartRun compiles the pipeline's checks, builds a fresh gate parked on
// the first phase and records the run.
func (e *Engine) StartRun(ctx context.Context, opts StartRunOptions) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	name := opts.Pipeline
	if name == "" {
		name = e.Config.DefaultPipeline()
	}
	spec, ok := e.Config.Pipeline(name)
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	phases, err := pipeline.Compile(spec)
	if err != nil {
		return domain.Run{}, fmt.Errorf("compile pipeline %s: %w", name, err)
	}
	g, err := gate.New(phases)
	if err != nil {
		return domain.Run{}, fmt.Errorf("build gate for %s: %w", name, err)
	}
	id := opts.RunID
	if id == "" {
		id = uuid.New().String()
	}
	phasesJSON, err := json.Marshal(spec.PhaseIDs())
	if err != nil {
		return domain.Run{}, err
	}
	first, _ := g.Current()
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:           id,
		Pipeline:     name,
		Status:       "active",
		CurrentPhase: &first.ID,
		PhasesJSON:   string(phasesJSON),
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetRunTx(ctx, tx, id); err == nil {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunExists, id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, err
	}
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.created", name, "run", id, opts.ActorID, events.EventPayload{
		"pipeline": name,
		"phase":    first.ID,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}

	e.registerGate(id, g)
	metrics.RunsStarted.WithLabelValues(name).Inc()
	metrics.ActiveRuns.Inc()
	e.logger().Info("run started",
		zap.String("run_id", id),
		zap.String("pipeline", name),
		zap.String("phase", first.ID))
	return run, nil
}

// AdvanceResult reports one attempt to move a run forward.
type AdvanceResult struct {
	Success    bool
	Run        domain.Run
	Transition domain.Transition
}

// AdvanceRun evaluates the current phase's check against the payload and
// either moves the gate forward or records the rejection. A rejection is a
// normal result, not an error; the run stays where it is and may retry.
func (e *Engine) AdvanceRun(ctx context.Context, runID string, payload any, actorID string) (AdvanceResult, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if run.Status != "active" {
		return AdvanceResult{}, fmt.Errorf("%w: status is %s", ErrRunNotActive, run.Status)
	}
	lg := e.liveGateFor(runID)
	if lg == nil {
		return AdvanceResult{}, ErrGateNotResident
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()

	started := e.now()
	tr, err := lg.g.Advance(payload)
	if err != nil {
		return AdvanceResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	dt := domain.Transition{
		RunID:     runID,
		Seq:       tr.Seq,
		FromPhase: tr.From,
		ToPhase:   tr.To,
		Outcome:   string(tr.Outcome),
		TS:        tr.At.UTC().Format(time.RFC3339),
	}
	if tr.Outcome == gate.OutcomeRejected {
		reason := tr.Reason
		dt.Reason = &reason
	}

	status := run.Status
	currentPhase := run.CurrentPhase
	var completedAt *string
	completed := false
	if tr.Accepted() {
		if tr.To == gate.TerminalID {
			status = "completed"
			currentPhase = nil
			completedAt = &now
			completed = true
		} else {
			to := tr.To
			currentPhase = &to
		}
	}

	journalID, err := e.persistAdvance(ctx, run, dt, status, currentPhase, now, completedAt, actorID, completed)
	if err != nil {
		return AdvanceResult{}, e.abandonAfterJournalFailure(ctx, runID, err)
	}
	dt.ID = journalID

	metrics.Transitions.WithLabelValues(run.Pipeline, string(tr.Outcome)).Inc()
	metrics.AdvanceDuration.Observe(e.now().Sub(started).Seconds())
	run.Status = status
	run.CurrentPhase = currentPhase
	run.UpdatedAt = now
	run.CompletedAt = completedAt
	if completed {
		e.dropGate(runID)
		metrics.RunsCompleted.WithLabelValues(run.Pipeline).Inc()
		metrics.ActiveRuns.Dec()
		e.logger().Info("run completed",
			zap.String("run_id", runID),
			zap.String("pipeline", run.Pipeline),
			zap.Int("transitions", tr.Seq))
	} else if tr.Accepted() {
		e.logger().Info("run advanced",
			zap.String("run_id", runID),
			zap.String("from", tr.From),
			zap.String("to", tr.To))
	} else {
		e.logger().Info("advance rejected",
			zap.String("run_id", runID),
			zap.String("phase", tr.From),
			zap.String("reason", tr.Reason))
	}
	return AdvanceResult{Success: tr.Accepted(), Run: run, Transition: dt}, nil
}

func (e *Engine) persistAdvance(ctx context.Context, run domain.Run, dt domain.Transition, status string, currentPhase *string, now string, completedAt *string, actorID string, completed bool) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	journalID, err := e.Repo.InsertTransitionTx(ctx, tx, dt)
	if err != nil {
		return 0, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.Repo.UpdateRunStateTx(ctx, tx, run.ID, status, currentPhase, now, completedAt); err != nil {
		return 0, fmt.Errorf("update run: %w", err)
	}
	if dt.Outcome == string(gate.OutcomeRejected) {
		reason := ""
		if dt.Reason != nil {
			reason = *dt.Reason
		}
		if err := e.Events.Append(ctx, tx, "run.rejected", run.Pipeline, "run", run.ID, actorID, events.EventPayload{
			"phase":  dt.FromPhase,
			"reason": reason,
			"seq":    dt.Seq,
		}); err != nil {
			return 0, err
		}
	} else {
		if err := e.Events.Append(ctx, tx, "run.advanced", run.Pipeline, "run", run.ID, actorID, events.EventPayload{
			"from": dt.FromPhase,
			"to":   dt.ToPhase,
			"seq":  dt.Seq,
		}); err != nil {
			return 0, err
		}
		if completed {
			if err := e.Events.Append(ctx, tx, "run.completed", run.Pipeline, "run", run.ID, actorID, events.EventPayload{
				"last_phase": dt.FromPhase,
				"seq":        dt.Seq,
			}); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return journalID, nil
}

// abandonAfterJournalFailure drops a gate whose transition could not be
// persisted. The gate has already moved, so letting the run continue would
// leave the journal missing a row; abandoning keeps the failure visible.
func (e *Engine) abandonAfterJournalFailure(ctx context.Context, runID string, cause error) error {
	e.dropGate(runID)
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := e.DB.ExecContext(ctx, `UPDATE runs SET status='abandoned', updated_at=? WHERE id=? AND status='active'`, now, runID); err != nil {
		e.logger().Error("abandon after journal failure failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	metrics.ActiveRuns.Dec()
	e.logger().Error("journal write failed, run abandoned",
		zap.String("run_id", runID), zap.Error(cause))
	return fmt.Errorf("journal write failed: %w", cause)
}

// ValidateRun evaluates the current phase's check without moving the gate
// or writing anything.
func (e *Engine) ValidateRun(ctx context.Context, runID string, payload any) (gate.Result, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return gate.Result{}, err
	}
	if run.Status != "active" {
		return gate.Result{}, fmt.Errorf("%w: status is %s", ErrRunNotActive, run.Status)
	}
	lg := e.liveGateFor(runID)
	if lg == nil {
		return gate.Result{}, ErrGateNotResident
	}
	res, err := lg.g.Validate(payload)
	if err != nil {
		return gate.Result{}, err
	}
	e.logger().Debug("run validated",
		zap.String("run_id", runID),
		zap.Bool("passed", res.Passed))
	return res, nil
}

// RunHistory returns a run's transition journal in the order it was written.
func (e *Engine) RunHistory(ctx context.Context, runID string) ([]domain.Transition, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, runID)
}

// AbandonRun retires an active run without completing it. The gate is
// discarded; the run keeps its last phase for inspection.
func (e *Engine) AbandonRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != "active" {
		return domain.Run{}, fmt.Errorf("%w: status is %s", ErrRunNotActive, run.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRunStateTx(ctx, tx, runID, "abandoned", run.CurrentPhase, now, nil); err != nil {
		return domain.Run{}, err
	}
	phase := ""
	if run.CurrentPhase != nil {
		phase = *run.CurrentPhase
	}
	if err := e.Events.Append(ctx, tx, "run.abandoned", run.Pipeline, "run", runID, actorID, events.EventPayload{
		"phase": phase,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}

	if e.liveGateFor(runID) != nil {
		e.dropGate(runID)
		metrics.ActiveRuns.Dec()
	}
	metrics.RunsAbandoned.WithLabelValues(run.Pipeline).Inc()
	e.logger().Info("run abandoned",
		zap.String("run_id", runID),
		zap.String("pipeline", run.Pipeline))
	run.Status = "abandoned"
	run.UpdatedAt = now
	return run, nil
}

// SweepStaleRuns abandons active runs whose gates are not resident in this
// process. Run at startup, before any gate exists, it retires everything a
// previous process left behind.
func (e *Engine) SweepStaleRuns(ctx context.Context) (int, error) {
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	runs, err := e.Repo.ListActiveRunsTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	var stale []domain.Run
	for _, run := range runs {
		if e.liveGateFor(run.ID) == nil {
			stale = append(stale, run)
		}
	}
	if len(stale) == 0 {
		return 0, tx.Commit()
	}
	ids := make([]string, 0, len(stale))
	for _, run := range stale {
		ids = append(ids, run.ID)
	}
	if err := e.Repo.MarkRunsAbandonedTx(ctx, tx, ids, now); err != nil {
		return 0, err
	}
	for _, run := range stale {
		if err := e.Events.Append(ctx, tx, "run.abandoned", run.Pipeline, "run", run.ID, "", events.EventPayload{
			"reason": "stale",
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, run := range stale {
		metrics.RunsAbandoned.WithLabelValues(run.Pipeline).Inc()
	}
	e.logger().Warn("stale runs abandoned", zap.Int("count", len(stale)))
	return len(stale), nil
}

// KeyCreateOptions are parameters for minting an API key.
type KeyCreateOptions struct {
	ActorID   string
	Name      string
	Role      string
	CreatedBy string
}

// CreateAPIKey mints a key and returns it alongside the raw secret. The
// secret is not stored and cannot be shown again.
func (e *Engine) CreateAPIKey(ctx context.Context, opts KeyCreateOptions) (domain.APIKey, string, error) {
	if opts.ActorID == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	if opts.Role == "" {
		opts.Role = "operator"
	}
	if !validRole(opts.Role) {
		return domain.APIKey{}, "", fmt.Errorf("invalid role %q", opts.Role)
	}
	raw, err := newRawKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	k := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		Role:      opts.Role,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAPIKey(ctx, tx, k); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "api_key", k.ID, opts.CreatedBy, events.EventPayload{
		"actor_id": k.ActorID,
		"role":     k.Role,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

// DeleteAPIKey revokes a key by ID.
func (e *Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	k, err := e.Repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKeyTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "apikey.deleted", "", "api_key", id, actorID, events.EventPayload{
		"actor_id": k.ActorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func validRole(r string) bool {
	switch r {
	case "viewer", "operator", "admin":
		return true
	}
	return false
}

func newRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ssk_" + hex.EncodeToString(buf), nil
}
