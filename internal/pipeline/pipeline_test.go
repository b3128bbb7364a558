package pipeline

import (
	"strings"
	"testing"

	"spiralsafe/internal/gate"
)

func coherenceSpec() Spec {
	return Spec{
		Name: "coherence",
		Phases: []PhaseSpec{
			{ID: "KENL", Title: "Knowledge Extraction and Navigation Logic", Check: `ctx.extracted == true`},
			{ID: "AWI", Title: "Abstract World Interface", Check: `ctx.grounded == true`},
		},
	}
}

func TestVetAcceptsWellFormedSpec(t *testing.T) {
	if err := Vet(coherenceSpec()); err != nil {
		t.Fatalf("vet: %v", err)
	}
}

func TestVetRejectsMalformedSpecs(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want string
	}{
		{"empty name", Spec{Phases: []PhaseSpec{{ID: "KENL"}}}, "empty name"},
		{"no phases", Spec{Name: "coherence"}, "no phases"},
		{"empty phase id", Spec{Name: "coherence", Phases: []PhaseSpec{{ID: " "}}}, "empty id"},
		{"reserved phase id", Spec{Name: "coherence", Phases: []PhaseSpec{{ID: gate.TerminalID}}}, "reserved"},
		{"duplicate phase id", Spec{Name: "coherence", Phases: []PhaseSpec{{ID: "KENL"}, {ID: "KENL"}}}, "duplicate"},
		{"bad check expression", Spec{Name: "coherence", Phases: []PhaseSpec{{ID: "KENL", Check: "ctx.ready =="}}}, "check"},
	}
	for _, tc := range cases {
		err := Vet(tc.spec)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestCompileBuildsWorkingValidators(t *testing.T) {
	phases, err := Compile(coherenceSpec())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	res := phases[0].Check(map[string]any{"extracted": true})
	if !res.Passed {
		t.Fatalf("expected pass, got reason %q", res.Reason)
	}
	res = phases[0].Check(map[string]any{"extracted": false})
	if res.Passed {
		t.Fatal("expected rejection for extracted=false")
	}
	if res.Reason != "check not satisfied" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestEvaluationErrorIsARejection(t *testing.T) {
	phases, err := Compile(coherenceSpec())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	res := phases[0].Check(map[string]any{"unrelated": 1})
	if res.Passed {
		t.Fatal("expected rejection when the check cannot evaluate")
	}
	if !strings.HasPrefix(res.Reason, "check error:") {
		t.Fatalf("expected diagnostic reason, got %q", res.Reason)
	}
}

func TestNonBooleanCheckIsARejection(t *testing.T) {
	spec := Spec{Name: "p", Phases: []PhaseSpec{{ID: "KENL", Check: "1 + 1"}}}
	phases, err := Compile(spec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	res := phases[0].Check(map[string]any{})
	if res.Passed {
		t.Fatal("expected rejection for non-boolean check result")
	}
	if !strings.Contains(res.Reason, "want bool") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestEmptyCheckPassesThroughGate(t *testing.T) {
	spec := Spec{Name: "p", Phases: []PhaseSpec{{ID: "KENL"}, {ID: "AWI", Check: "  "}}}
	phases, err := Compile(spec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	g, err := gate.New(phases)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	for i := 0; i < 2; i++ {
		tr, err := g.Advance(nil)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if !tr.Accepted() {
			t.Fatalf("advance %d: expected acceptance, got %q", i, tr.Reason)
		}
	}
	if !g.Done() {
		t.Fatal("expected gate done")
	}
}

func TestPhaseVariableVisibleToChecks(t *testing.T) {
	spec := Spec{Name: "p", Phases: []PhaseSpec{
		{ID: "KENL", Check: `phase.id == "KENL" && phase.ordinal == 0`},
	}}
	phases, err := Compile(spec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res := phases[0].Check(map[string]any{}); !res.Passed {
		t.Fatalf("expected pass, got %q", res.Reason)
	}
}

func TestPhaseIDs(t *testing.T) {
	ids := coherenceSpec().PhaseIDs()
	if len(ids) != 2 || ids[0] != "KENL" || ids[1] != "AWI" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
