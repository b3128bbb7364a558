package gate

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func requireFlag(key string) Validator {
	return func(payload any) Result {
		m, ok := payload.(map[string]any)
		if !ok {
			return Result{Passed: false, Reason: "payload is not an object"}
		}
		v, ok := m[key].(bool)
		if !ok || !v {
			return Result{Passed: false, Reason: fmt.Sprintf("%s is not set", key)}
		}
		return Result{Passed: true}
	}
}

func newTwoPhaseGate(t *testing.T) *Gate {
	t.Helper()
	g, err := New([]Phase{
		{ID: "KENL", Check: requireFlag("extracted")},
		{ID: "AWI", Check: requireFlag("grounded")},
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	g.Now = func() time.Time {
		return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	}
	return g
}

func TestNewAssignsOrdinals(t *testing.T) {
	g := newTwoPhaseGate(t)
	phases := g.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	for i, p := range phases {
		if p.Ordinal != i {
			t.Fatalf("phase %s: expected ordinal %d, got %d", p.ID, i, p.Ordinal)
		}
	}
	cur, ok := g.Current()
	if !ok {
		t.Fatal("expected an active phase on a fresh gate")
	}
	if cur.ID != "KENL" {
		t.Fatalf("expected first phase KENL, got %s", cur.ID)
	}
}

func TestNewRejectsEmptySequence(t *testing.T) {
	_, err := New(nil)
	var cfgErr ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New([]Phase{{ID: "KENL"}, {ID: "AWI"}, {ID: "KENL"}})
	var cfgErr ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNewRejectsEmptyAndReservedIDs(t *testing.T) {
	if _, err := New([]Phase{{ID: ""}}); err == nil {
		t.Fatal("expected error for empty phase id")
	}
	_, err := New([]Phase{{ID: TerminalID}})
	var cfgErr ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for reserved id, got %v", err)
	}
}

func TestAdvanceAcceptsWhenCheckPasses(t *testing.T) {
	g := newTwoPhaseGate(t)
	tr, err := g.Advance(map[string]any{"extracted": true})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !tr.Accepted() {
		t.Fatalf("expected accepted transition, got %s (%s)", tr.Outcome, tr.Reason)
	}
	if tr.From != "KENL" || tr.To != "AWI" {
		t.Fatalf("expected KENL -> AWI, got %s -> %s", tr.From, tr.To)
	}
	if tr.Reason != "" {
		t.Fatalf("accepted transitions carry no reason, got %q", tr.Reason)
	}
	cur, ok := g.Current()
	if !ok || cur.ID != "AWI" {
		t.Fatalf("expected active phase AWI, got %v ok=%v", cur.ID, ok)
	}
}

func TestRejectionKeepsActivePhase(t *testing.T) {
	g := newTwoPhaseGate(t)
	bad := map[string]any{"extracted": false}
	for i := 0; i < 3; i++ {
		tr, err := g.Advance(bad)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if tr.Accepted() {
			t.Fatalf("advance %d: expected rejection", i)
		}
		if tr.From != "KENL" || tr.To != "KENL" {
			t.Fatalf("rejection must not move the gate, got %s -> %s", tr.From, tr.To)
		}
		if tr.Reason == "" {
			t.Fatalf("rejection %d carries no reason", i)
		}
	}
	cur, ok := g.Current()
	if !ok || cur.ID != "KENL" {
		t.Fatalf("expected gate still at KENL, got %v ok=%v", cur.ID, ok)
	}
	if len(g.History()) != 3 {
		t.Fatalf("expected 3 logged attempts, got %d", len(g.History()))
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	g := newTwoPhaseGate(t)
	res, err := g.Validate(map[string]any{"extracted": true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Passed {
		t.Fatalf("expected pass, got reason %q", res.Reason)
	}
	if cur, _ := g.Current(); cur.ID != "KENL" {
		t.Fatalf("validate must not advance the gate, now at %s", cur.ID)
	}
	if len(g.History()) != 0 {
		t.Fatalf("validate must not log, got %d entries", len(g.History()))
	}
}

func TestNilCheckPassesUnconditionally(t *testing.T) {
	g, err := New([]Phase{{ID: "KENL"}})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	tr, err := g.Advance(nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !tr.Accepted() || tr.To != TerminalID {
		t.Fatalf("expected acceptance into terminal state, got %+v", tr)
	}
}

func TestOperationsAfterTerminalFail(t *testing.T) {
	g := newTwoPhaseGate(t)
	good := map[string]any{"extracted": true, "grounded": true}
	for i := 0; i < 2; i++ {
		if _, err := g.Advance(good); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if !g.Done() {
		t.Fatal("expected gate to be done after both phases")
	}
	if _, ok := g.Current(); ok {
		t.Fatal("expected no active phase after terminal")
	}
	var stateErr InvalidStateError
	if _, err := g.Advance(good); !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError from advance, got %v", err)
	}
	if _, err := g.Validate(good); !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError from validate, got %v", err)
	}
	if len(g.History()) != 2 {
		t.Fatalf("post-terminal calls must not log, got %d entries", len(g.History()))
	}
}

func TestHistoryIsAppendOnlyCopy(t *testing.T) {
	g := newTwoPhaseGate(t)
	if _, err := g.Advance(map[string]any{}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	h := g.History()
	h[0].Outcome = OutcomeAccepted
	h[0].From = "tampered"
	fresh := g.History()
	if fresh[0].Outcome != OutcomeRejected || fresh[0].From != "KENL" {
		t.Fatalf("history was mutated through a returned copy: %+v", fresh[0])
	}
}

func TestEndToEndTwoPhaseRun(t *testing.T) {
	g := newTwoPhaseGate(t)
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tr, err := g.Advance(map[string]any{"extracted": false})
	if err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	if tr.Accepted() {
		t.Fatal("advance 1: expected rejection")
	}
	if cur, _ := g.Current(); cur.ID != "KENL" {
		t.Fatalf("expected KENL after rejection, got %s", cur.ID)
	}
	h := g.History()
	if len(h) != 1 || h[0].Outcome != OutcomeRejected {
		t.Fatalf("expected 1 rejected entry, got %+v", h)
	}
	if !h[0].At.Equal(ts) {
		t.Fatalf("expected injected clock timestamp, got %v", h[0].At)
	}

	tr, err = g.Advance(map[string]any{"extracted": true})
	if err != nil {
		t.Fatalf("advance 2: %v", err)
	}
	if !tr.Accepted() {
		t.Fatalf("advance 2: expected acceptance, got %s", tr.Reason)
	}
	if cur, _ := g.Current(); cur.ID != "AWI" {
		t.Fatalf("expected AWI, got %s", cur.ID)
	}
	if len(g.History()) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(g.History()))
	}

	tr, err = g.Advance(map[string]any{"grounded": true})
	if err != nil {
		t.Fatalf("advance 3: %v", err)
	}
	if !tr.Accepted() || tr.To != TerminalID {
		t.Fatalf("expected acceptance into terminal state, got %+v", tr)
	}
	if _, ok := g.Current(); ok {
		t.Fatal("expected terminal state after last phase")
	}
	if len(g.History()) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(g.History()))
	}

	var stateErr InvalidStateError
	if _, err := g.Advance(map[string]any{"grounded": true}); !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	for i, tr := range g.History() {
		if tr.Seq != i+1 {
			t.Fatalf("entry %d has seq %d", i, tr.Seq)
		}
	}
}

func TestConcurrentAdvanceSerializes(t *testing.T) {
	g, err := New([]Phase{{ID: "KENL"}, {ID: "AWI"}})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, invalid := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := g.Advance(nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && tr.Accepted():
				accepted++
			case err != nil:
				invalid++
			}
		}()
	}
	wg.Wait()
	if accepted != 2 {
		t.Fatalf("expected exactly 2 accepted transitions, got %d", accepted)
	}
	if invalid != callers-2 {
		t.Fatalf("expected %d invalid-state failures, got %d", callers-2, invalid)
	}
	if !g.Done() {
		t.Fatal("expected gate done after concurrent advances")
	}
	h := g.History()
	if len(h) != 2 {
		t.Fatalf("expected 2 logged transitions, got %d", len(h))
	}
	if h[0].From != "KENL" || h[1].From != "AWI" || h[1].To != TerminalID {
		t.Fatalf("unexpected transition order: %+v", h)
	}
}
