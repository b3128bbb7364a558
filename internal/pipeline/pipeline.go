// Package pipeline turns declarative pipeline specs into gate phases whose
// checks are compiled CEL expressions.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"spiralsafe/internal/gate"
)

// Spec declares a named pipeline: the ordered phase list a run's gate is
// built from.
type Spec struct {
	Name   string      `yaml:"name" json:"name"`
	Phases []PhaseSpec `yaml:"phases" json:"phases"`
}

// PhaseSpec declares one phase. Check is a CEL expression evaluated with
// two variables: ctx (the opaque run context) and phase (a map carrying
// id and ordinal). An empty Check passes unconditionally.
type PhaseSpec struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
	Check string `yaml:"check,omitempty" json:"check,omitempty"`
}

// PhaseIDs returns the declared phase identifiers in order.
func (s Spec) PhaseIDs() []string {
	ids := make([]string, len(s.Phases))
	for i, p := range s.Phases {
		ids[i] = p.ID
	}
	return ids
}

// evalCostLimit bounds the runtime cost of a single check evaluation.
const evalCostLimit = 100000

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.StdLib(),
		cel.Variable("ctx", cel.DynType),
		cel.Variable("phase", cel.DynType),
	)
}

// Vet statically validates a spec: usable name, non-empty phase list,
// unique non-reserved phase ids, and compilable checks. Config load calls
// this for every declared pipeline so bad expressions fail fast.
func Vet(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("pipeline has empty name")
	}
	if len(spec.Phases) == 0 {
		return fmt.Errorf("pipeline %s has no phases", spec.Name)
	}
	env, err := newEnv()
	if err != nil {
		return fmt.Errorf("cel env: %w", err)
	}
	seen := make(map[string]struct{}, len(spec.Phases))
	for i, p := range spec.Phases {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("pipeline %s: phase at position %d has empty id", spec.Name, i)
		}
		if p.ID == gate.TerminalID {
			return fmt.Errorf("pipeline %s: phase id %q is reserved", spec.Name, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("pipeline %s: duplicate phase id %s", spec.Name, p.ID)
		}
		seen[p.ID] = struct{}{}
		if strings.TrimSpace(p.Check) == "" {
			continue
		}
		if _, issues := env.Compile(p.Check); issues.Err() != nil {
			return fmt.Errorf("pipeline %s: phase %s check: %w", spec.Name, p.ID, issues.Err())
		}
	}
	return nil
}

// Compile builds the gate phases for a spec, compiling every check once.
// Compilation failures are configuration errors; evaluation failures at
// run time surface as rejections, not errors.
func Compile(spec Spec) ([]gate.Phase, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	phases := make([]gate.Phase, 0, len(spec.Phases))
	for i, p := range spec.Phases {
		var check gate.Validator
		if strings.TrimSpace(p.Check) != "" {
			prog, err := compileCheck(env, p.Check)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: phase %s: %w", spec.Name, p.ID, err)
			}
			check = celValidator(p.ID, i, prog)
		}
		phases = append(phases, gate.Phase{ID: p.ID, Check: check})
	}
	return phases, nil
}

func compileCheck(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("compile check: %w", issues.Err())
	}
	prog, err := env.Program(ast,
		cel.CostLimit(evalCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("build check program: %w", err)
	}
	return prog, nil
}

func celValidator(phaseID string, ordinal int, prog cel.Program) gate.Validator {
	return func(payload any) gate.Result {
		if payload == nil {
			payload = map[string]any{}
		}
		if m, ok := payload.(map[string]any); ok && m == nil {
			payload = map[string]any{}
		}
		val, _, err := prog.Eval(map[string]any{
			"ctx": payload,
			"phase": map[string]any{
				"id":      phaseID,
				"ordinal": ordinal,
			},
		})
		if err != nil {
			return gate.Result{Passed: false, Reason: fmt.Sprintf("check error: %v", err)}
		}
		passed, ok := val.Value().(bool)
		if !ok {
			return gate.Result{Passed: false, Reason: fmt.Sprintf("check returned %T, want bool", val.Value())}
		}
		if !passed {
			return gate.Result{Passed: false, Reason: "check not satisfied"}
		}
		return gate.Result{Passed: true}
	}
}
