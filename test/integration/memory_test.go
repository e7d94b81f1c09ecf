package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/pkg/memory"
	"github.com/soorma-ai/soorma-core/pkg/memory/embedding"
	testdb "github.com/soorma-ai/soorma-core/test/database"
)

// newMemoryService builds the service on the app-role pool so row-level
// security actually applies to every query the tests run.
func newMemoryService(t *testing.T) *memory.Service {
	t.Helper()
	db := testdb.NewTestDB(t)
	return memory.NewService(memory.NewStorage(db.App.Pool()), embedding.NewLocalProvider())
}

var (
	alice = memory.Scope{TenantID: "acme", UserID: "alice"}
	bob   = memory.Scope{TenantID: "acme", UserID: "bob"}
	carol = memory.Scope{TenantID: "globex", UserID: "carol"}
)

func TestKnowledgeIsolation(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	_, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content: "Alice's private onboarding notes",
	})
	require.NoError(t, err)
	_, err = svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content:  "Acme-wide escalation policy",
		IsPublic: true,
	})
	require.NoError(t, err)

	// The owner sees both rows.
	results, err := svc.SearchKnowledge(ctx, alice, "notes", nil, 10, true)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// A second user in the same tenant sees only the public row.
	results, err = svc.SearchKnowledge(ctx, bob, "notes", nil, 10, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Acme-wide escalation policy", results[0].Content)
	assert.True(t, results[0].IsPublic)

	// Excluding public rows leaves the second user with nothing.
	results, err = svc.SearchKnowledge(ctx, bob, "notes", nil, 10, false)
	require.NoError(t, err)
	assert.Empty(t, results)

	// A user in another tenant sees nothing at all.
	results, err = svc.SearchKnowledge(ctx, carol, "notes", nil, 10, true)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestKnowledgeDeleteIsOwnerOnly(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	res, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content:  "Shared runbook",
		IsPublic: true,
	})
	require.NoError(t, err)

	// Readable to the tenant, but another user cannot delete it.
	err = svc.DeleteKnowledge(ctx, bob, res.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, svc.DeleteKnowledge(ctx, alice, res.ID))
	err = svc.DeleteKnowledge(ctx, alice, res.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestKnowledgeDedupLifecycle(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	first, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content:    "Invoices are net 30",
		ExternalID: "policy-7",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.ActionCreated, first.Action)

	// Identical content and metadata changes nothing.
	second, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content:    "Invoices are net 30",
		ExternalID: "policy-7",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.ActionDuplicateSkipped, second.Action)
	assert.Equal(t, first.ID, second.ID)

	// Same external ID with new content updates the row in place.
	third, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content:    "Invoices are net 45 as of Q3",
		ExternalID: "policy-7",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.ActionUpdated, third.Action)
	assert.Equal(t, first.ID, third.ID)

	// Without an external ID, identical content dedups by hash instead.
	hashed, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content: "Refunds require manager sign-off",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.ActionCreated, hashed.Action)

	again, err := svc.UpsertKnowledge(ctx, alice, &memory.UpsertKnowledgeRequest{
		Content: "Refunds require manager sign-off",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.ActionDuplicateSkipped, again.Action)
	assert.Equal(t, hashed.ID, again.ID)
}

func TestEpisodicLog(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	for _, content := range []string{"hello", "hi there", "what can you do"} {
		_, err := svc.LogInteraction(ctx, alice, &memory.LogInteractionRequest{
			AgentID: "concierge:1.0.0",
			Role:    "user",
			Content: content,
		})
		require.NoError(t, err)
	}

	_, err := svc.LogInteraction(ctx, alice, &memory.LogInteractionRequest{
		AgentID: "concierge:1.0.0",
		Role:    "narrator",
		Content: "invalid",
	})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	recent, err := svc.RecentInteractions(ctx, alice, "concierge:1.0.0", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "what can you do", recent[0].Content)

	// Another user's history is empty.
	recent, err = svc.RecentInteractions(ctx, bob, "concierge:1.0.0", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestProceduralSkills(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	_, err := svc.SaveSkill(ctx, alice, &memory.SaveSkillRequest{
		AgentID:          "concierge:1.0.0",
		TriggerCondition: "user asks about billing",
		ProcedureType:    memory.ProcedureSystemPrompt,
		Content:          "Always confirm the invoice number first.",
	})
	require.NoError(t, err)

	_, err = svc.SaveSkill(ctx, alice, &memory.SaveSkillRequest{
		AgentID:          "concierge:1.0.0",
		TriggerCondition: "user asks about billing",
		ProcedureType:    "macro",
		Content:          "x",
	})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	skills, err := svc.RelevantSkills(ctx, alice, "concierge:1.0.0", "billing question", nil, 5)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "Always confirm the invoice number first.", skills[0].Content)
}

func TestWorkingMemoryScratchpad(t *testing.T) {
	svc := newMemoryService(t)
	storage := svc.Storage()
	ctx := context.Background()
	planID := uuid.NewString()

	_, err := storage.SetWorking(ctx, alice, planID, "draft", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = storage.SetWorking(ctx, alice, planID, "draft", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	_, err = storage.SetWorking(ctx, alice, planID, "outline", json.RawMessage(`["a","b"]`))
	require.NoError(t, err)

	got, err := storage.GetWorking(ctx, alice, planID, "draft")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Value))

	// Keys are invisible to other users even on the same plan ID.
	_, err = storage.GetWorking(ctx, bob, planID, "draft")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, storage.DeleteWorking(ctx, alice, planID, "outline"))
	_, err = storage.GetWorking(ctx, alice, planID, "outline")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	deleted, err := storage.DeleteWorkingPlan(ctx, alice, planID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestTaskContextLifecycle(t *testing.T) {
	svc := newMemoryService(t)
	storage := svc.Storage()
	ctx := context.Background()

	saved, err := storage.SaveTaskContext(ctx, alice, &memory.TaskContext{
		TaskID:        "task-42",
		AgentID:       "fulfiller:1.0.0",
		EventType:     "order.fulfill.requested",
		Data:          json.RawMessage(`{"order_id":"o-9"}`),
		ResponseEvent: "order.fulfill.done",
		SubTasks:      json.RawMessage(`{"child-1":{"status":"pending"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "task-42", saved.TaskID)

	// A child result routes back to the parent by sub-task correlation ID.
	parent, err := storage.GetTaskBySubtask(ctx, alice, "child-1")
	require.NoError(t, err)
	assert.Equal(t, "task-42", parent.TaskID)

	_, err = storage.GetTaskBySubtask(ctx, alice, "child-unknown")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	// The first patch applies; redelivering the same event is a no-op.
	patched, err := storage.UpdateTaskContext(ctx, alice, "task-42", &memory.TaskContextPatch{
		SubTasks: json.RawMessage(`{"child-1":{"status":"done"}}`),
		EventID:  "evt-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"child-1":{"status":"done"}}`, string(patched.SubTasks))

	replayed, err := storage.UpdateTaskContext(ctx, alice, "task-42", &memory.TaskContextPatch{
		SubTasks: json.RawMessage(`{"child-1":{"status":"pending"}}`),
		EventID:  "evt-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"child-1":{"status":"done"}}`, string(replayed.SubTasks),
		"replayed event must not overwrite applied state")

	// Other users cannot see or patch the row.
	_, err = storage.GetTaskContext(ctx, bob, "task-42")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, storage.DeleteTaskContext(ctx, alice, "task-42"))
	_, err = storage.GetTaskContext(ctx, alice, "task-42")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestPlanAndSessionLifecycle(t *testing.T) {
	svc := newMemoryService(t)
	storage := svc.Storage()
	ctx := context.Background()

	sess, err := storage.CreateSession(ctx, alice, &memory.Session{
		SessionID: uuid.NewString(),
		Title:     "Quarterly report",
	})
	require.NoError(t, err)

	planID := uuid.NewString()
	plan, err := storage.CreatePlan(ctx, alice, &memory.Plan{
		PlanID:    planID,
		SessionID: sess.SessionID,
		Goal:      "report.requested",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.PlanRunning, plan.Status)
	assert.Nil(t, plan.EndedAt)

	attached, err := storage.ListSessionPlans(ctx, alice, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, planID, attached[0].PlanID)

	done, err := storage.UpdatePlanStatus(ctx, alice, planID, memory.PlanCompleted)
	require.NoError(t, err)
	assert.Equal(t, memory.PlanCompleted, done.Status)
	assert.NotNil(t, done.EndedAt, "terminal status stamps ended_at")

	_, err = storage.UpdatePlanStatus(ctx, alice, planID, "archived")
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestPlanContextByCorrelation(t *testing.T) {
	svc := newMemoryService(t)
	storage := svc.Storage()
	ctx := context.Background()

	// A plan context referencing a plan that does not exist is bad input,
	// not an internal failure.
	_, err := storage.SavePlanContext(ctx, alice, &memory.PlanContext{
		PlanID:        uuid.NewString(),
		CorrelationID: "corr-orphan",
		GoalEvent:     "report.requested",
		CurrentState:  "drafting",
		Status:        memory.PlanRunning,
	})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	planID := uuid.NewString()
	_, err = storage.CreatePlan(ctx, alice, &memory.Plan{
		PlanID: planID,
		Goal:   "report.requested",
	})
	require.NoError(t, err)

	_, err = storage.SavePlanContext(ctx, alice, &memory.PlanContext{
		PlanID:        planID,
		CorrelationID: "corr-9",
		GoalEvent:     "report.requested",
		CurrentState:  "drafting",
		Status:        memory.PlanRunning,
	})
	require.NoError(t, err)

	// Incoming results carry only the correlation ID.
	pc, err := storage.GetPlanContextByCorrelation(ctx, alice, "corr-9")
	require.NoError(t, err)
	assert.Equal(t, planID, pc.PlanID)
	assert.Equal(t, "drafting", pc.CurrentState)

	_, err = storage.GetPlanContextByCorrelation(ctx, alice, "corr-unknown")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	// Transition patches are event-keyed like task patches.
	moved, err := storage.UpdatePlanContext(ctx, alice, planID, &memory.PlanContextPatch{
		CurrentState: "reviewing",
		Results:      json.RawMessage(`{"report.drafted":{"ok":true}}`),
		EventID:      "evt-d1",
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewing", moved.CurrentState)

	replayed, err := storage.UpdatePlanContext(ctx, alice, planID, &memory.PlanContextPatch{
		CurrentState: "publishing",
		EventID:      "evt-d1",
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewing", replayed.CurrentState,
		"replayed transition must not advance the machine twice")

	// Plan contexts are invisible across users.
	_, err = storage.GetPlanContextByCorrelation(ctx, bob, "corr-9")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, storage.DeletePlanContext(ctx, alice, planID))
	_, err = storage.GetPlanContext(ctx, alice, planID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
