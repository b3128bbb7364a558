package server

import (
	"encoding/json"
	"strings"

	"spiralsafe/internal/domain"
	"spiralsafe/internal/pipeline"
)

type StartRunRequest struct {
	Pipeline string `json:"pipeline,omitempty" doc:"Pipeline name, defaults to the workspace default pipeline"`
}

type AdvanceRunRequest struct {
	Context map[string]any `json:"context,omitempty" doc:"Payload handed to the phase check"`
}

type ValidateRunRequest struct {
	Context map[string]any `json:"context,omitempty" doc:"Payload handed to the phase check"`
}

type CreateKeyRequest struct {
	ActorID string `json:"actor_id" doc:"Actor the key authenticates as"`
	Name    string `json:"name,omitempty" doc:"Human-readable label"`
	Role    string `json:"role,omitempty" enum:"viewer,operator,admin" doc:"Role granted to the key, defaults to operator"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" doc:"Subject of the minted token"`
	Role    string `json:"role,omitempty" enum:"viewer,operator,admin" doc:"Role claim, defaults to operator"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type RunResponse struct {
	ID           string   `json:"id"`
	Pipeline     string   `json:"pipeline"`
	Status       string   `json:"status" enum:"active,completed,abandoned"`
	CurrentPhase *string  `json:"current_phase"`
	Phases       []string `json:"phases"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
}

type TransitionResponse struct {
	Seq     int     `json:"seq"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Outcome string  `json:"outcome" enum:"accepted,rejected"`
	Reason  *string `json:"reason,omitempty"`
	TS      string  `json:"ts"`
}

type AdvanceResponse struct {
	Success    bool               `json:"success"`
	Run        RunResponse        `json:"run"`
	Transition TransitionResponse `json:"transition"`
}

type ValidationResponse struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
	Phase  string `json:"phase"`
}

type KeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"viewer,operator,admin"`
	CreatedAt string `json:"created_at"`
}

type CreatedKeyResponse struct {
	KeyResponse
	Key string `json:"key" doc:"Raw key, shown only on creation"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Pipeline   string         `json:"pipeline,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type PhaseResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Ordinal int    `json:"ordinal"`
	Check   string `json:"check"`
}

type PipelineResponse struct {
	Name   string          `json:"name"`
	Phases []PhaseResponse `json:"phases"`
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func runToDTO(run domain.Run) RunResponse {
	return RunResponse{
		ID:           run.ID,
		Pipeline:     run.Pipeline,
		Status:       run.Status,
		CurrentPhase: run.CurrentPhase,
		Phases:       nonNilSlice(decodeStringSlice(run.PhasesJSON)),
		CreatedBy:    run.CreatedBy,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		CompletedAt:  run.CompletedAt,
	}
}

func transitionToDTO(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		Seq:     t.Seq,
		From:    t.FromPhase,
		To:      t.ToPhase,
		Outcome: t.Outcome,
		Reason:  t.Reason,
		TS:      t.TS,
	}
}

func eventToDTO(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Pipeline:   e.Pipeline,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func keyToDTO(k domain.APIKey) KeyResponse {
	return KeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Role:      k.Role,
		CreatedAt: k.CreatedAt,
	}
}

func pipelineToDTO(spec pipeline.Spec) PipelineResponse {
	phases := make([]PhaseResponse, 0, len(spec.Phases))
	for i, p := range spec.Phases {
		phases = append(phases, PhaseResponse{
			ID:      p.ID,
			Title:   p.Title,
			Ordinal: i,
			Check:   p.Check,
		})
	}
	return PipelineResponse{Name: spec.Name, Phases: phases}
}

func decodeJSONMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func decodeStringSlice(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
