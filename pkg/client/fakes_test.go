package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/memory"
	"github.com/soorma-ai/soorma-core/pkg/registry"
)

// fakeBus records published envelopes in order.
type fakeBus struct {
	mu        sync.Mutex
	published []*envelope.Envelope
	acked     []string
}

func (b *fakeBus) Publish(_ context.Context, env *envelope.Envelope) (*PublishResult, error) {
	env.Normalize()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return &PublishResult{
		EventID:       env.EventID,
		CorrelationID: env.CorrelationID,
		TraceID:       env.TraceID,
		Seq:           int64(len(b.published)),
	}, nil
}

func (b *fakeBus) Subscribe(context.Context, SubscribeOptions) (*Stream, error) {
	return nil, ErrUnavailable
}

func (b *fakeBus) Ack(_ context.Context, _, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, eventID)
	return nil
}

func (b *fakeBus) events() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*envelope.Envelope(nil), b.published...)
}

// fakeRegistry tracks registrations and serves a fixed event catalog.
type fakeRegistry struct {
	mu            sync.Mutex
	registered    int
	heartbeats    int
	heartbeatErrs []error
	events        map[string]*registry.EventDefinition
}

func newFakeRegistry(eventNames ...string) *fakeRegistry {
	events := make(map[string]*registry.EventDefinition)
	for _, name := range eventNames {
		events[name] = &registry.EventDefinition{EventName: name, Topic: string(envelope.TopicActionRequests)}
	}
	return &fakeRegistry{events: events}
}

func (r *fakeRegistry) Register(_ context.Context, def *registry.AgentDefinition) (*registry.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
	return &registry.Agent{AgentID: def.ID(), Name: def.Name, Version: def.Version}, nil
}

func (r *fakeRegistry) Heartbeat(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	if len(r.heartbeatErrs) > 0 {
		err := r.heartbeatErrs[0]
		r.heartbeatErrs = r.heartbeatErrs[1:]
		return err
	}
	return nil
}

func (r *fakeRegistry) Deregister(context.Context, string) error { return nil }

func (r *fakeRegistry) Discover(context.Context, registry.DiscoverFilter) ([]*registry.Agent, error) {
	return nil, nil
}

func (r *fakeRegistry) RegisterEvent(_ context.Context, def *registry.EventDefinition) (*registry.EventDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[def.EventName] = def
	return def, nil
}

func (r *fakeRegistry) GetEvent(_ context.Context, name string) (*registry.EventDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.events[name]; ok {
		return def, nil
	}
	return nil, ErrNotFound
}

func (r *fakeRegistry) RegisterSchema(_ context.Context, schema *registry.PayloadSchema) (*registry.PayloadSchema, error) {
	return schema, nil
}

func (r *fakeRegistry) GetSchema(context.Context, string) (*registry.PayloadSchema, error) {
	return nil, ErrNotFound
}

func (r *fakeRegistry) counts() (registered, heartbeats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.heartbeats
}

// fakeMemory is an in-process stand-in for the Memory service covering the
// workflow-state operations the runtime uses. The pure memory-kind methods
// return empty results.
type fakeMemory struct {
	mu       sync.Mutex
	tasks    map[string]*memory.TaskContext
	planCtxs map[string]*memory.PlanContext
	plans    map[string]*memory.Plan
	sessions map[string]*memory.Session
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		tasks:    make(map[string]*memory.TaskContext),
		planCtxs: make(map[string]*memory.PlanContext),
		plans:    make(map[string]*memory.Plan),
		sessions: make(map[string]*memory.Session),
	}
}

func (m *fakeMemory) UpsertKnowledge(context.Context, string, *memory.UpsertKnowledgeRequest) (*memory.UpsertResult, error) {
	return &memory.UpsertResult{ID: uuid.New().String(), Action: memory.ActionCreated}, nil
}

func (m *fakeMemory) SearchKnowledge(context.Context, string, string, int, bool) ([]*memory.SemanticMemory, error) {
	return nil, nil
}

func (m *fakeMemory) DeleteKnowledge(context.Context, string, string) error { return nil }

func (m *fakeMemory) LogInteraction(context.Context, string, *memory.LogInteractionRequest) (*memory.EpisodicMemory, error) {
	return &memory.EpisodicMemory{ID: uuid.New().String()}, nil
}

func (m *fakeMemory) RecentInteractions(context.Context, string, string, int) ([]*memory.EpisodicMemory, error) {
	return nil, nil
}

func (m *fakeMemory) RelevantSkills(context.Context, string, string, string, int) ([]*memory.ProceduralMemory, error) {
	return nil, nil
}

func (m *fakeMemory) SetWorking(context.Context, string, string, string, any) error { return nil }

func (m *fakeMemory) GetWorking(context.Context, string, string, string, any) error {
	return ErrNotFound
}

func (m *fakeMemory) DeleteWorkingPlan(context.Context, string, string) error { return nil }

func (m *fakeMemory) SaveTaskContext(_ context.Context, _ string, tc *memory.TaskContext) (*memory.TaskContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *tc
	stored.UpdatedAt = time.Now().UTC()
	m.tasks[tc.TaskID] = &stored
	out := stored
	return &out, nil
}

func (m *fakeMemory) GetTaskContext(_ context.Context, _ string, taskID string) (*memory.TaskContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc, ok := m.tasks[taskID]; ok {
		out := *tc
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *fakeMemory) UpdateTaskContext(_ context.Context, _ string, taskID string, patch *memory.TaskContextPatch) (*memory.TaskContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.EventID != "" && tc.LastEventID == patch.EventID {
		out := *tc
		return &out, nil
	}
	if patch.Data != nil {
		tc.Data = patch.Data
	}
	if patch.SubTasks != nil {
		tc.SubTasks = patch.SubTasks
	}
	if patch.State != nil {
		tc.State = patch.State
	}
	if patch.EventID != "" {
		tc.LastEventID = patch.EventID
	}
	tc.UpdatedAt = time.Now().UTC()
	out := *tc
	return &out, nil
}

func (m *fakeMemory) DeleteTaskContext(_ context.Context, _ string, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, taskID)
	return nil
}

func (m *fakeMemory) GetTaskBySubtask(_ context.Context, _ string, subTaskID string) (*memory.TaskContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tc := range m.tasks {
		var subs map[string]json.RawMessage
		if len(tc.SubTasks) == 0 {
			continue
		}
		if err := json.Unmarshal(tc.SubTasks, &subs); err != nil {
			continue
		}
		if _, ok := subs[subTaskID]; ok {
			out := *tc
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *fakeMemory) SavePlanContext(_ context.Context, _ string, pc *memory.PlanContext) (*memory.PlanContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *pc
	if stored.Status == "" {
		stored.Status = memory.PlanRunning
	}
	stored.UpdatedAt = time.Now().UTC()
	m.planCtxs[pc.PlanID] = &stored
	out := stored
	return &out, nil
}

func (m *fakeMemory) GetPlanContext(_ context.Context, _ string, planID string) (*memory.PlanContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.planCtxs[planID]; ok {
		out := *pc
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *fakeMemory) GetPlanContextByCorrelation(_ context.Context, _ string, correlationID string) (*memory.PlanContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.planCtxs {
		if pc.CorrelationID == correlationID {
			out := *pc
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *fakeMemory) UpdatePlanContext(_ context.Context, _ string, planID string, patch *memory.PlanContextPatch) (*memory.PlanContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.planCtxs[planID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.EventID != "" && pc.LastEventID == patch.EventID {
		out := *pc
		return &out, nil
	}
	if patch.CurrentState != "" {
		pc.CurrentState = patch.CurrentState
	}
	if patch.Results != nil {
		pc.Results = patch.Results
	}
	if patch.Status != "" {
		pc.Status = patch.Status
	}
	if patch.EventID != "" {
		pc.LastEventID = patch.EventID
	}
	pc.UpdatedAt = time.Now().UTC()
	out := *pc
	return &out, nil
}

func (m *fakeMemory) DeletePlanContext(_ context.Context, _ string, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.planCtxs, planID)
	return nil
}

func (m *fakeMemory) CreatePlan(_ context.Context, _ string, p *memory.Plan) (*memory.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *p
	if stored.Status == "" {
		stored.Status = memory.PlanRunning
	}
	stored.StartedAt = time.Now().UTC()
	m.plans[p.PlanID] = &stored
	out := stored
	return &out, nil
}

func (m *fakeMemory) GetPlan(_ context.Context, _ string, planID string) (*memory.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[planID]; ok {
		out := *p
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *fakeMemory) UpdatePlanStatus(_ context.Context, _ string, planID, status string) (*memory.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	p.Status = status
	out := *p
	return &out, nil
}

func (m *fakeMemory) CreateSession(_ context.Context, _ string, sess *memory.Session) (*memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *sess
	m.sessions[sess.SessionID] = &stored
	out := stored
	return &out, nil
}

func (m *fakeMemory) GetSession(_ context.Context, _ string, sessionID string) (*memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		out := *sess
		return &out, nil
	}
	return nil, ErrNotFound
}

func newFakePlatform(eventNames ...string) (*PlatformContext, *fakeBus, *fakeRegistry, *fakeMemory) {
	bus := &fakeBus{}
	reg := newFakeRegistry(eventNames...)
	mem := newFakeMemory()
	return &PlatformContext{Bus: bus, Registry: reg, Memory: mem}, bus, reg, mem
}

var (
	_ Bus      = (*fakeBus)(nil)
	_ Registry = (*fakeRegistry)(nil)
	_ Memory   = (*fakeMemory)(nil)
)
