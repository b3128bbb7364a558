package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"spiralsafe/internal/config"
	"spiralsafe/internal/db"
	"spiralsafe/internal/domain"
	"spiralsafe/internal/engine"
	"spiralsafe/internal/migrate"
	"spiralsafe/internal/pipeline"
	"spiralsafe/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{
		Pipelines: []pipeline.Spec{{
			Name: "coherence",
			Phases: []pipeline.PhaseSpec{
				{ID: "KENL", Check: `ctx.extracted == true`},
				{ID: "AWI", Check: `ctx.grounded == true`},
			},
		}},
	}
	eng := engine.New(conn, cfg, zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seedRun writes an active run row with no live gate, the state a run is
// left in when the process that started it dies.
func seedRun(t *testing.T, env testEnv, id string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	phase := "KENL"
	run := domain.Run{
		ID:           id,
		Pipeline:     "coherence",
		Status:       "active",
		CurrentPhase: &phase,
		PhasesJSON:   `["KENL","AWI"]`,
		CreatedBy:    "tester",
		CreatedAt:    "2023-12-31T00:00:00Z",
		UpdatedAt:    "2023-12-31T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertRunTx(env.Ctx, tx, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestStartRunParksOnFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Pipeline != "coherence" {
		t.Fatalf("expected default pipeline, got %s", run.Pipeline)
	}
	if run.Status != "active" {
		t.Fatalf("expected active, got %s", run.Status)
	}
	if run.CurrentPhase == nil || *run.CurrentPhase != "KENL" {
		t.Fatalf("expected KENL, got %v", run.CurrentPhase)
	}
	if run.PhasesJSON != `["KENL","AWI"]` {
		t.Fatalf("unexpected phases: %s", run.PhasesJSON)
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.CreatedBy != "tester" || got.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected run row: %+v", got)
	}
}

func TestStartRunUnknownPipeline(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{Pipeline: "nope", ActorID: "tester"})
	if !errors.Is(err, engine.ErrUnknownPipeline) {
		t.Fatalf("expected ErrUnknownPipeline, got %v", err)
	}
}

func TestAdvanceRejectionKeepsPhase(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		res, err := env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{"extracted": false}, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if res.Success {
			t.Fatalf("advance %d: expected rejection", i)
		}
		if res.Transition.Outcome != "rejected" || res.Transition.Reason == nil {
			t.Fatalf("advance %d: unexpected transition %+v", i, res.Transition)
		}
		if res.Transition.FromPhase != "KENL" || res.Transition.ToPhase != "KENL" {
			t.Fatalf("advance %d: rejection should not move the run", i)
		}
		if res.Run.CurrentPhase == nil || *res.Run.CurrentPhase != "KENL" {
			t.Fatalf("advance %d: expected KENL, got %v", i, res.Run.CurrentPhase)
		}
	}
	hist, err := env.Engine.RunHistory(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 journal rows, got %d", len(hist))
	}
	for i, tr := range hist {
		if tr.Seq != i+1 || tr.Outcome != "rejected" {
			t.Fatalf("row %d: %+v", i, tr)
		}
	}
}

func TestRunToCompletion(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{"extracted": true}, "tester")
	if err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	if !res.Success || res.Run.CurrentPhase == nil || *res.Run.CurrentPhase != "AWI" {
		t.Fatalf("expected move to AWI, got %+v", res)
	}
	res, err = env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{"grounded": true}, "tester")
	if err != nil {
		t.Fatalf("advance 2: %v", err)
	}
	if !res.Success || res.Run.Status != "completed" {
		t.Fatalf("expected completed, got %+v", res.Run)
	}
	if res.Run.CurrentPhase != nil {
		t.Fatalf("completed run should have no current phase")
	}
	if res.Run.CompletedAt == nil || *res.Run.CompletedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("expected completed_at, got %v", res.Run.CompletedAt)
	}
	if res.Transition.ToPhase != "terminal" {
		t.Fatalf("expected terminal marker, got %s", res.Transition.ToPhase)
	}

	hist, err := env.Engine.RunHistory(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(hist))
	}
	if hist[0].FromPhase != "KENL" || hist[0].ToPhase != "AWI" || hist[0].Outcome != "accepted" {
		t.Fatalf("row 1: %+v", hist[0])
	}
	if hist[1].FromPhase != "AWI" || hist[1].ToPhase != "terminal" {
		t.Fatalf("row 2: %+v", hist[1])
	}

	_, err = env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{"grounded": true}, "tester")
	if !errors.Is(err, engine.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive after completion, got %v", err)
	}
	if env.Engine.ResidentGates() != 0 {
		t.Fatalf("completed run should release its gate")
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ValidateRun(env.Ctx, run.ID, map[string]any{"extracted": false})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Passed || res.Reason == "" {
		t.Fatalf("expected failed result with reason, got %+v", res)
	}
	res, err = env.Engine.ValidateRun(env.Ctx, run.ID, map[string]any{"extracted": true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatalf("expected pass, got %+v", res)
	}
	hist, err := env.Engine.RunHistory(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("validate must not write journal rows, got %d", len(hist))
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase == nil || *got.CurrentPhase != "KENL" {
		t.Fatalf("validate must not move the run")
	}
}

func TestAbandonRun(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.AbandonRun(env.Ctx, run.ID, "tester")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if got.Status != "abandoned" {
		t.Fatalf("expected abandoned, got %s", got.Status)
	}
	if got.CurrentPhase == nil || *got.CurrentPhase != "KENL" {
		t.Fatalf("abandoned run should keep its last phase")
	}
	if _, err := env.Engine.AbandonRun(env.Ctx, run.ID, "tester"); !errors.Is(err, engine.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive, got %v", err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, nil, "tester"); !errors.Is(err, engine.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive on advance, got %v", err)
	}
}

func TestAdvanceWithoutResidentGate(t *testing.T) {
	env := newTestEnv(t)
	seedRun(t, env, "orphan-1")
	_, err := env.Engine.AdvanceRun(env.Ctx, "orphan-1", map[string]any{"extracted": true}, "tester")
	if !errors.Is(err, engine.ErrGateNotResident) {
		t.Fatalf("expected ErrGateNotResident, got %v", err)
	}
}

func TestSweepStaleRuns(t *testing.T) {
	env := newTestEnv(t)
	live, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	seedRun(t, env, "orphan-1")
	seedRun(t, env, "orphan-2")

	n, err := env.Engine.SweepStaleRuns(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	for _, id := range []string{"orphan-1", "orphan-2"} {
		run, err := env.Engine.Repo.GetRun(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != "abandoned" {
			t.Fatalf("%s: expected abandoned, got %s", id, run.Status)
		}
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, live.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "active" {
		t.Fatalf("live run must survive the sweep, got %s", run.Status)
	}
}

func TestEventsAppendedAcrossRun(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{"extracted": true}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, map[string]any{"grounded": true}, "tester"); err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type, COUNT(*) FROM events WHERE entity_id=? GROUP BY type`, run.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			t.Fatal(err)
		}
		counts[typ] = n
	}
	want := map[string]int{"run.created": 1, "run.rejected": 1, "run.advanced": 2, "run.completed": 1}
	for typ, n := range want {
		if counts[typ] != n {
			t.Fatalf("expected %d %s events, got %d (all: %v)", n, typ, counts[typ], counts)
		}
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, engine.KeyCreateOptions{ActorID: "agent-7", Name: "ci", CreatedBy: "admin"})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(raw, "ssk_") {
		t.Fatalf("unexpected raw key %q", raw)
	}
	if key.Role != "operator" {
		t.Fatalf("expected default role operator, got %s", key.Role)
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ID != key.ID || got.ActorID != "agent-7" {
		t.Fatalf("unexpected key %+v", got)
	}

	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, engine.KeyCreateOptions{ActorID: "x", Role: "root"}); err == nil {
		t.Fatalf("expected invalid role error")
	}

	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "admin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKey(env.Ctx, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "admin"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
