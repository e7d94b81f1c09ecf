package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/soorma-ai/soorma-core/pkg/memory"
)

// Memory is the persistence capability agents program against.
type Memory interface {
	UpsertKnowledge(ctx context.Context, userID string, req *memory.UpsertKnowledgeRequest) (*memory.UpsertResult, error)
	SearchKnowledge(ctx context.Context, userID, query string, topK int, includePublic bool) ([]*memory.SemanticMemory, error)
	DeleteKnowledge(ctx context.Context, userID, id string) error

	LogInteraction(ctx context.Context, userID string, req *memory.LogInteractionRequest) (*memory.EpisodicMemory, error)
	RecentInteractions(ctx context.Context, userID, agentID string, limit int) ([]*memory.EpisodicMemory, error)
	RelevantSkills(ctx context.Context, userID, agentID, query string, topK int) ([]*memory.ProceduralMemory, error)

	SetWorking(ctx context.Context, userID, planID, key string, value any) error
	GetWorking(ctx context.Context, userID, planID, key string, out any) error
	DeleteWorkingPlan(ctx context.Context, userID, planID string) error

	SaveTaskContext(ctx context.Context, userID string, tc *memory.TaskContext) (*memory.TaskContext, error)
	GetTaskContext(ctx context.Context, userID, taskID string) (*memory.TaskContext, error)
	UpdateTaskContext(ctx context.Context, userID, taskID string, patch *memory.TaskContextPatch) (*memory.TaskContext, error)
	DeleteTaskContext(ctx context.Context, userID, taskID string) error
	GetTaskBySubtask(ctx context.Context, userID, subTaskID string) (*memory.TaskContext, error)

	SavePlanContext(ctx context.Context, userID string, pc *memory.PlanContext) (*memory.PlanContext, error)
	GetPlanContext(ctx context.Context, userID, planID string) (*memory.PlanContext, error)
	GetPlanContextByCorrelation(ctx context.Context, userID, correlationID string) (*memory.PlanContext, error)
	UpdatePlanContext(ctx context.Context, userID, planID string, patch *memory.PlanContextPatch) (*memory.PlanContext, error)
	DeletePlanContext(ctx context.Context, userID, planID string) error

	CreatePlan(ctx context.Context, userID string, p *memory.Plan) (*memory.Plan, error)
	GetPlan(ctx context.Context, userID, planID string) (*memory.Plan, error)
	UpdatePlanStatus(ctx context.Context, userID, planID, status string) (*memory.Plan, error)
	CreateSession(ctx context.Context, userID string, sess *memory.Session) (*memory.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*memory.Session, error)
}

// MemoryClient talks to the Memory service. The acting user travels as a
// query parameter on every call, never in a body.
type MemoryClient struct {
	httpAPI
}

// NewMemoryClient creates a memory client.
func NewMemoryClient(baseURL string, creds Credentials) *MemoryClient {
	return &MemoryClient{httpAPI: newHTTPAPI(baseURL, creds)}
}

func userQuery(userID string) string {
	return "?user_id=" + url.QueryEscape(userID)
}

// UpsertKnowledge stores or dedups one piece of knowledge.
func (m *MemoryClient) UpsertKnowledge(ctx context.Context, userID string, req *memory.UpsertKnowledgeRequest) (*memory.UpsertResult, error) {
	var out memory.UpsertResult
	if err := m.doJSON(ctx, http.MethodPost, "/v1/memory/semantic"+userQuery(userID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchKnowledge runs a similarity search.
func (m *MemoryClient) SearchKnowledge(ctx context.Context, userID, query string, topK int, includePublic bool) ([]*memory.SemanticMemory, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("query", query)
	q.Set("include_public", strconv.FormatBool(includePublic))
	if topK > 0 {
		q.Set("top_k", strconv.Itoa(topK))
	}

	var out struct {
		Results []*memory.SemanticMemory `json:"results"`
	}
	if err := m.doJSON(ctx, http.MethodGet, "/v1/memory/semantic/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// DeleteKnowledge removes one of the user's own rows.
func (m *MemoryClient) DeleteKnowledge(ctx context.Context, userID, id string) error {
	return m.doJSON(ctx, http.MethodDelete, "/v1/memory/semantic/"+url.PathEscape(id)+userQuery(userID), nil, nil)
}

// LogInteraction appends to the episodic log.
func (m *MemoryClient) LogInteraction(ctx context.Context, userID string, req *memory.LogInteractionRequest) (*memory.EpisodicMemory, error) {
	var out memory.EpisodicMemory
	if err := m.doJSON(ctx, http.MethodPost, "/v1/memory/episodic"+userQuery(userID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentInteractions returns the newest interactions for a (user, agent).
func (m *MemoryClient) RecentInteractions(ctx context.Context, userID, agentID string, limit int) ([]*memory.EpisodicMemory, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("agent_id", agentID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Interactions []*memory.EpisodicMemory `json:"interactions"`
	}
	if err := m.doJSON(ctx, http.MethodGet, "/v1/memory/episodic/recent?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Interactions, nil
}

// RelevantSkills fetches the procedural rows matching a query.
func (m *MemoryClient) RelevantSkills(ctx context.Context, userID, agentID, query string, topK int) ([]*memory.ProceduralMemory, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("agent_id", agentID)
	q.Set("query", query)
	if topK > 0 {
		q.Set("top_k", strconv.Itoa(topK))
	}

	var out struct {
		Skills []*memory.ProceduralMemory `json:"skills"`
	}
	if err := m.doJSON(ctx, http.MethodGet, "/v1/memory/procedural/context?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

// SetWorking upserts one scratchpad value.
func (m *MemoryClient) SetWorking(ctx context.Context, userID, planID, key string, value any) error {
	return m.doJSON(ctx, http.MethodPut,
		"/v1/memory/working/"+url.PathEscape(planID)+"/"+url.PathEscape(key)+userQuery(userID),
		value, nil)
}

// GetWorking fetches one scratchpad value into out.
func (m *MemoryClient) GetWorking(ctx context.Context, userID, planID, key string, out any) error {
	var entry memory.WorkingMemory
	err := m.doJSON(ctx, http.MethodGet,
		"/v1/memory/working/"+url.PathEscape(planID)+"/"+url.PathEscape(key)+userQuery(userID),
		nil, &entry)
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Value, out)
}

// DeleteWorkingPlan clears a plan's scratchpad.
func (m *MemoryClient) DeleteWorkingPlan(ctx context.Context, userID, planID string) error {
	return m.doJSON(ctx, http.MethodDelete,
		"/v1/memory/working/"+url.PathEscape(planID)+userQuery(userID), nil, nil)
}

// SaveTaskContext persists a worker's task state.
func (m *MemoryClient) SaveTaskContext(ctx context.Context, userID string, tc *memory.TaskContext) (*memory.TaskContext, error) {
	var out memory.TaskContext
	if err := m.doJSON(ctx, http.MethodPost, "/v1/memory/tasks"+userQuery(userID), tc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTaskContext fetches task state by task ID.
func (m *MemoryClient) GetTaskContext(ctx context.Context, userID, taskID string) (*memory.TaskContext, error) {
	var out memory.TaskContext
	if err := m.doJSON(ctx, http.MethodGet,
		"/v1/memory/tasks/"+url.PathEscape(taskID)+userQuery(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTaskContext applies a patch to task state.
func (m *MemoryClient) UpdateTaskContext(ctx context.Context, userID, taskID string, patch *memory.TaskContextPatch) (*memory.TaskContext, error) {
	var out memory.TaskContext
	if err := m.doJSON(ctx, http.MethodPatch,
		"/v1/memory/tasks/"+url.PathEscape(taskID)+userQuery(userID), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTaskContext removes task state on completion.
func (m *MemoryClient) DeleteTaskContext(ctx context.Context, userID, taskID string) error {
	return m.doJSON(ctx, http.MethodDelete,
		"/v1/memory/tasks/"+url.PathEscape(taskID)+userQuery(userID), nil, nil)
}

// GetTaskBySubtask locates the task that delegated a sub-task.
func (m *MemoryClient) GetTaskBySubtask(ctx context.Context, userID, subTaskID string) (*memory.TaskContext, error) {
	var out memory.TaskContext
	if err := m.doJSON(ctx, http.MethodGet,
		"/v1/memory/tasks/by-subtask/"+url.PathEscape(subTaskID)+userQuery(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SavePlanContext persists planner state.
func (m *MemoryClient) SavePlanContext(ctx context.Context, userID string, pc *memory.PlanContext) (*memory.PlanContext, error) {
	var out memory.PlanContext
	if err := m.doJSON(ctx, http.MethodPost, "/v1/memory/plan-contexts"+userQuery(userID), pc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPlanContext fetches planner state by plan ID.
func (m *MemoryClient) GetPlanContext(ctx context.Context, userID, planID string) (*memory.PlanContext, error) {
	var out memory.PlanContext
	if err := m.doJSON(ctx, http.MethodGet,
		"/v1/memory/plan-contexts/"+url.PathEscape(planID)+userQuery(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPlanContextByCorrelation fetches planner state by correlation ID.
func (m *MemoryClient) GetPlanContextByCorrelation(ctx context.Context, userID, correlationID string) (*memory.PlanContext, error) {
	var out memory.PlanContext
	if err := m.doJSON(ctx, http.MethodGet,
		"/v1/memory/plan-contexts/by-correlation/"+url.PathEscape(correlationID)+userQuery(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePlanContext applies a transition patch.
func (m *MemoryClient) UpdatePlanContext(ctx context.Context, userID, planID string, patch *memory.PlanContextPatch) (*memory.PlanContext, error) {
	var out memory.PlanContext
	if err := m.doJSON(ctx, http.MethodPatch,
		"/v1/memory/plan-contexts/"+url.PathEscape(planID)+userQuery(userID), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePlanContext removes planner state after finalization.
func (m *MemoryClient) DeletePlanContext(ctx context.Context, userID, planID string) error {
	return m.doJSON(ctx, http.MethodDelete,
		"/v1/memory/plan-contexts/"+url.PathEscape(planID)+userQuery(userID), nil, nil)
}

// CreatePlan records a new goal execution.
func (m *MemoryClient) CreatePlan(ctx context.Context, userID string, p *memory.Plan) (*memory.Plan, error) {
	var out memory.Plan
	if err := m.doJSON(ctx, http.MethodPost, "/v1/plans"+userQuery(userID), p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPlan fetches one plan record.
func (m *MemoryClient) GetPlan(ctx context.Context, userID, planID string) (*memory.Plan, error) {
	var out memory.Plan
	if err := m.doJSON(ctx, http.MethodGet,
		"/v1/plans/"+url.PathEscape(planID)+userQuery(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePlanStatus moves a plan between lifecycle states.
func (m *MemoryClient) UpdatePlanStatus(ctx context.Context, userID, planID, status string) (*memory.Plan, error) {
	var out memory.Plan
	if err := m.doJSON(ctx, http.MethodPut,
		"/v1/plans/"+url.PathEscape(planID)+"/status"+userQuery(userID),
		map[string]string{"status": status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession opens a new session container for plans.
func (m *MemoryClient) CreateSession(ctx context.Context, userID string, sess *memory.Session) (*memory.Session, error) {
	var out memory.Session
	if err := m.doJSON(ctx, http.MethodPost, "/v1/sessions"+userQuery(userID), sess, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession fetches one session.
func (m *MemoryClient) GetSession(ctx context.Context, userID, sessionID string) (*memory.Session, error) {
	var out memory.Session
	if err := m.doJSON(ctx, http.MethodGet,
		"/v1/sessions/"+url.PathEscape(sessionID)+userQuery(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ Memory = (*MemoryClient)(nil)
