// Package gate implements a one-way, strictly sequential phase gate: an
// ordered set of named phases where each phase's validator is the sole
// authority for whether a run may proceed to the next. Rejected attempts
// are recorded and leave the active phase unchanged, so callers can retry
// with corrected input. A Gate holds all state in-process and is discarded
// when its run ends.
package gate

import (
	"fmt"
	"sync"
	"time"
)

// TerminalID appears as the destination of the final accepted transition.
// Phase identifiers must not collide with it.
const TerminalID = "terminal"

// Outcome classifies a transition attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Result reports whether a payload satisfies a phase's check.
type Result struct {
	Passed bool
	Reason string
}

// Validator decides whether a run may leave a phase. The payload is
// caller-supplied and opaque to the gate; it is passed through unmodified.
// Validators must not return errors: an unevaluable payload is a rejection
// with a diagnostic reason, retryable once the caller fixes the input.
type Validator func(payload any) Result

// Phase is a named stage in a gate pipeline. Ordinal is assigned from
// slice position by New. A nil Check passes unconditionally.
type Phase struct {
	ID      string
	Ordinal int
	Check   Validator
}

// Transition is one entry of the append-only attempt log. On a rejected
// attempt From and To name the same phase; on the last accepted attempt
// To is TerminalID.
type Transition struct {
	Seq     int
	From    string
	To      string
	Outcome Outcome
	Reason  string
	At      time.Time
}

// Accepted reports whether the attempt advanced the gate.
func (t Transition) Accepted() bool { return t.Outcome == OutcomeAccepted }

// ConfigurationError indicates a malformed phase sequence at construction.
type ConfigurationError struct {
	Message string
}

func (e ConfigurationError) Error() string { return e.Message }

// InvalidStateError indicates an operation invoked after the gate passed
// its last phase. It signals caller misuse, not a retryable condition.
type InvalidStateError struct {
	Op string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s: no further phases", e.Op)
}

// Gate tracks progression through a fixed phase sequence. All methods are
// safe for concurrent use; Advance holds a single exclusive lock around
// its read-validate-mutate-log sequence.
type Gate struct {
	// Now supplies transition timestamps. Tests override it.
	Now func() time.Time

	mu     sync.Mutex
	phases []Phase
	idx    int
	log    []Transition
}

// New builds a Gate over the given phases. The sequence must be non-empty
// and every ID unique, non-empty, and distinct from TerminalID.
func New(phases []Phase) (*Gate, error) {
	if len(phases) == 0 {
		return nil, ConfigurationError{Message: "phase sequence is empty"}
	}
	seen := make(map[string]struct{}, len(phases))
	ordered := make([]Phase, len(phases))
	for i, p := range phases {
		if p.ID == "" {
			return nil, ConfigurationError{Message: fmt.Sprintf("phase at position %d has empty id", i)}
		}
		if p.ID == TerminalID {
			return nil, ConfigurationError{Message: fmt.Sprintf("phase id %q is reserved", TerminalID)}
		}
		if _, dup := seen[p.ID]; dup {
			return nil, ConfigurationError{Message: fmt.Sprintf("duplicate phase id %s", p.ID)}
		}
		seen[p.ID] = struct{}{}
		p.Ordinal = i
		ordered[i] = p
	}
	return &Gate{Now: time.Now, phases: ordered}, nil
}

// Current returns the active phase. ok is false once every phase has been
// accepted. No side effects.
func (g *Gate) Current() (Phase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.phases) {
		return Phase{}, false
	}
	return g.phases[g.idx], true
}

// Done reports whether the gate has passed its last phase.
func (g *Gate) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idx >= len(g.phases)
}

// Validate runs the active phase's check against payload without mutating
// the gate. It fails with InvalidStateError once the gate is done.
func (g *Gate) Validate(payload any) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.phases) {
		return Result{}, InvalidStateError{Op: "validate"}
	}
	return check(g.phases[g.idx], payload), nil
}

// Advance validates the active phase and, on success, moves the gate one
// phase forward (to the terminal state after the last phase). A rejected
// attempt keeps the active phase unchanged. Both outcomes append to the
// transition log and are returned with a nil error; only calling Advance
// on a finished gate is an error (InvalidStateError).
func (g *Gate) Advance(payload any) (Transition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.phases) {
		return Transition{}, InvalidStateError{Op: "advance"}
	}
	cur := g.phases[g.idx]
	res := check(cur, payload)
	t := Transition{
		Seq:  len(g.log) + 1,
		From: cur.ID,
		At:   g.now(),
	}
	if !res.Passed {
		t.To = cur.ID
		t.Outcome = OutcomeRejected
		t.Reason = res.Reason
		g.log = append(g.log, t)
		return t, nil
	}
	t.Outcome = OutcomeAccepted
	if g.idx+1 < len(g.phases) {
		t.To = g.phases[g.idx+1].ID
	} else {
		t.To = TerminalID
	}
	g.idx++
	g.log = append(g.log, t)
	return t, nil
}

// History returns all transition attempts in append order. The returned
// slice is a copy; the log itself is never mutated or truncated.
func (g *Gate) History() []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Transition, len(g.log))
	copy(out, g.log)
	return out
}

// Phases returns a copy of the construction-time phase sequence.
func (g *Gate) Phases() []Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Phase, len(g.phases))
	copy(out, g.phases)
	return out
}

func check(p Phase, payload any) Result {
	if p.Check == nil {
		return Result{Passed: true}
	}
	return p.Check(payload)
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
