package domain

type Run struct {
	ID           string  `json:"id"`
	Pipeline     string  `json:"pipeline"`
	Status       string  `json:"status" enum:"active,completed,abandoned"`
	CurrentPhase *string `json:"current_phase,omitempty"`
	PhasesJSON   string  `json:"phases_json,omitempty"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Transition struct {
	ID        int64   `json:"id"`
	RunID     string  `json:"run_id"`
	Seq       int     `json:"seq"`
	FromPhase string  `json:"from_phase"`
	ToPhase   string  `json:"to_phase"`
	Outcome   string  `json:"outcome" enum:"accepted,rejected"`
	Reason    *string `json:"reason,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Pipeline   string `json:"pipeline,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"viewer,operator,admin"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
