// Package memory implements the Memory service: semantic, episodic,
// procedural, and working memory plus task/plan contexts, all isolated per
// tenant and user by database row policies.
package memory

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors mapped onto the HTTP surface.
var (
	// ErrNotFound is returned when a record does not exist or is not
	// visible to the caller; the two are indistinguishable on purpose.
	ErrNotFound = errors.New("record not found")
	// ErrForbidden is returned when a write targets another user's row.
	ErrForbidden = errors.New("access denied")
	// ErrConflict is returned when an upsert hits a constraint that is not
	// one of the intended dedup targets.
	ErrConflict = errors.New("conflicting record")
	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthenticated is returned when the tenant or user context is
	// missing entirely, as opposed to malformed input.
	ErrUnauthenticated = errors.New("missing tenant or user context")
)

// Upsert actions reported by semantic writes.
const (
	ActionCreated          = "created"
	ActionUpdated          = "updated"
	ActionDuplicateSkipped = "duplicate_skipped"
)

// SemanticMemory is one knowledge row.
type SemanticMemory struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	IsPublic    bool            `json:"is_public"`
	ExternalID  string          `json:"external_id,omitempty"`
	Content     string          `json:"content"`
	ContentHash string          `json:"content_hash"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Similarity  float64         `json:"similarity,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UpsertResult reports what a semantic write did.
type UpsertResult struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// EpisodicMemory is one interaction in the append-only log.
type EpisodicMemory struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	UserID     string          `json:"user_id"`
	AgentID    string          `json:"agent_id"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Similarity float64         `json:"similarity,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Interaction roles.
var validRoles = map[string]bool{
	"user": true, "assistant": true, "system": true, "tool": true,
}

// ValidRole reports whether r is a known interaction role.
func ValidRole(r string) bool {
	return validRoles[r]
}

// Procedure types.
const (
	ProcedureSystemPrompt   = "system_prompt"
	ProcedureFewShotExample = "few_shot_example"
)

// ProceduralMemory is one skill row: a trigger condition matched by vector
// similarity and the prompt or example to apply when it fires.
type ProceduralMemory struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	AgentID          string    `json:"agent_id"`
	TriggerCondition string    `json:"trigger_condition"`
	ProcedureType    string    `json:"procedure_type"`
	Content          string    `json:"content"`
	Similarity       float64   `json:"similarity,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// WorkingMemory is one scratchpad entry, unique per (plan, key).
type WorkingMemory struct {
	PlanID    string          `json:"plan_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TaskContext is a worker's durable state for one in-flight task. SubTasks
// maps delegated sub-task correlation IDs to their pending metadata, which
// is how an async result finds its way back to the parent task.
type TaskContext struct {
	TaskID        string          `json:"task_id"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id"`
	AgentID       string          `json:"agent_id"`
	PlanID        string          `json:"plan_id,omitempty"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data,omitempty"`
	ResponseEvent string          `json:"response_event,omitempty"`
	ResponseTopic string          `json:"response_topic,omitempty"`
	SubTasks      json.RawMessage `json:"sub_tasks,omitempty"`
	State         json.RawMessage `json:"state,omitempty"`
	LastEventID   string          `json:"last_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Plan and plan-context statuses.
const (
	PlanRunning   = "running"
	PlanPaused    = "paused"
	PlanCompleted = "completed"
	PlanFailed    = "failed"
)

// ValidPlanStatus reports whether s is a known plan status.
func ValidPlanStatus(s string) bool {
	switch s {
	case PlanRunning, PlanPaused, PlanCompleted, PlanFailed:
		return true
	}
	return false
}

// PlanContext is the planner's durable state machine for one plan. The
// transition semantics live in the client; this is storage only.
type PlanContext struct {
	PlanID        string          `json:"plan_id"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id"`
	GoalEvent     string          `json:"goal_event"`
	GoalData      json.RawMessage `json:"goal_data,omitempty"`
	StateMachine  json.RawMessage `json:"state_machine,omitempty"`
	CurrentState  string          `json:"current_state"`
	Results       json.RawMessage `json:"results,omitempty"`
	Status        string          `json:"status"`
	LastEventID   string          `json:"last_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Plan is the top-level record for one goal execution.
type Plan struct {
	PlanID    string     `json:"plan_id"`
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id,omitempty"`
	Goal      string     `json:"goal"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Session groups related plans for one user.
type Session struct {
	SessionID string          `json:"session_id"`
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title,omitempty"`
	Metadata  json.RawMessage `json:"session_metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
