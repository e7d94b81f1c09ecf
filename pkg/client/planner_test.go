package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/memory"
)

func approvalMachine() *StateMachine {
	return &StateMachine{
		Initial: "drafting",
		Transitions: map[string]map[string]string{
			"drafting": {
				"report.drafted": "awaiting_approval",
			},
			"awaiting_approval": {
				"approval.granted": "publishing",
				"plan.timeout":     "failed",
			},
			"publishing": {
				"report.published": "done",
			},
		},
	}
}

func goalEnvelope() *envelope.Envelope {
	goal := envelope.NewRequest("acme", "report.requested", "report.done",
		json.RawMessage(`{"subject":"q3"}`))
	goal.UserID = "alice"
	goal.CorrelationID = "plan-corr-1"
	return goal
}

func TestStartPlanCreatesRecordAndContext(t *testing.T) {
	platform, _, _, mem := newFakePlatform()
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)

	state := plan.State()
	assert.Equal(t, "drafting", state.CurrentState)
	assert.Equal(t, "plan-corr-1", state.CorrelationID)
	assert.Equal(t, memory.PlanRunning, state.Status)

	record, err := mem.GetPlan(ctx, "alice", plan.PlanID())
	require.NoError(t, err)
	assert.Equal(t, "report.requested", record.Goal)
}

func TestStartPlanRequiresMachine(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	_, err := StartPlan(context.Background(), platform, goalEnvelope(), nil)
	assert.Error(t, err)
	_, err = StartPlan(context.Background(), platform, goalEnvelope(), &StateMachine{})
	assert.Error(t, err)
}

func resultFor(plan *PlanRuntime, eventType string, data string) *envelope.Envelope {
	return &envelope.Envelope{
		EventID:       "evt-" + eventType,
		EventType:     eventType,
		Topic:         envelope.TopicActionResults,
		TenantID:      "acme",
		UserID:        "alice",
		CorrelationID: plan.State().CorrelationID,
		Data:          json.RawMessage(data),
	}
}

func TestRouteTransitionFilters(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)

	t.Run("wrong topic is dropped", func(t *testing.T) {
		env := resultFor(plan, "report.drafted", `{}`)
		env.Topic = envelope.TopicBusinessFacts
		_, _, err := RouteTransition(ctx, platform, env)
		assert.ErrorIs(t, err, ErrNoTransition)
	})

	t.Run("unknown correlation is dropped", func(t *testing.T) {
		env := resultFor(plan, "report.drafted", `{}`)
		env.CorrelationID = "not-a-plan"
		_, _, err := RouteTransition(ctx, platform, env)
		assert.ErrorIs(t, err, ErrNoTransition)
	})

	t.Run("undeclared event is dropped", func(t *testing.T) {
		env := resultFor(plan, "report.published", `{}`)
		_, _, err := RouteTransition(ctx, platform, env)
		assert.ErrorIs(t, err, ErrNoTransition)
	})

	t.Run("declared edge routes", func(t *testing.T) {
		env := resultFor(plan, "report.drafted", `{"draft":"..."}`)
		routed, next, err := RouteTransition(ctx, platform, env)
		require.NoError(t, err)
		assert.Equal(t, plan.PlanID(), routed.PlanID())
		assert.Equal(t, "awaiting_approval", next)
	})
}

func TestAdvanceRecordsResult(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)

	env := resultFor(plan, "report.drafted", `{"draft":"v1"}`)
	routed, next, err := RouteTransition(ctx, platform, env)
	require.NoError(t, err)
	require.NoError(t, routed.Advance(ctx, env, next))

	state := routed.State()
	assert.Equal(t, "awaiting_approval", state.CurrentState)

	var results map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(state.Results, &results))
	assert.JSONEq(t, `{"draft":"v1"}`, string(results["report.drafted"]))
}

func TestWaitPausesAndResumeContinues(t *testing.T) {
	platform, _, _, mem := newFakePlatform()
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)

	// Reach awaiting_approval, then issue a WAIT for human sign-off.
	drafted := resultFor(plan, "report.drafted", `{"draft":"v1"}`)
	routed, next, err := RouteTransition(ctx, platform, drafted)
	require.NoError(t, err)
	require.NoError(t, routed.Advance(ctx, drafted, next))
	require.NoError(t, routed.Execute(ctx, &PlanAction{
		Kind: ActionWait,
		Wait: &WaitAction{ExpectedEvent: "approval.granted", TimeoutSeconds: 3600},
	}))
	assert.Equal(t, memory.PlanPaused, routed.State().Status)

	// While paused, unrelated results do not route.
	noise := resultFor(plan, "report.drafted", `{}`)
	_, _, err = RouteTransition(ctx, platform, noise)
	assert.ErrorIs(t, err, ErrNoTransition)

	// The awaited event routes and resumes the plan.
	approval := resultFor(plan, "approval.granted", `{"approved_by":"bob"}`)
	resumed, next, err := RouteTransition(ctx, platform, approval)
	require.NoError(t, err)
	assert.Equal(t, "publishing", next)
	require.NoError(t, resumed.Resume(ctx, approval, next))

	state, err := mem.GetPlanContext(ctx, "alice", plan.PlanID())
	require.NoError(t, err)
	assert.Equal(t, memory.PlanRunning, state.Status)
	assert.Equal(t, "publishing", state.CurrentState)

	var results map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(state.Results, &results))
	assert.JSONEq(t, `{"approved_by":"bob"}`, string(results["user_input"]))
	assert.NotContains(t, results, "_waiting_for")
}

func TestTimeoutRoutesWhilePaused(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)

	drafted := resultFor(plan, "report.drafted", `{}`)
	routed, next, err := RouteTransition(ctx, platform, drafted)
	require.NoError(t, err)
	require.NoError(t, routed.Advance(ctx, drafted, next))
	require.NoError(t, routed.Execute(ctx, &PlanAction{
		Kind: ActionWait,
		Wait: &WaitAction{ExpectedEvent: "approval.granted", TimeoutSeconds: 60},
	}))

	timeout := resultFor(plan, EventPlanTimeout, `{}`)
	_, next, err = RouteTransition(ctx, platform, timeout)
	require.NoError(t, err)
	assert.Equal(t, "failed", next)
}

func TestExecutePublishUsesPlanCorrelation(t *testing.T) {
	platform, bus, _, _ := newFakePlatform("report.publish.requested")
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)

	action := &PlanAction{
		Kind: ActionPublish,
		Publish: &PublishAction{
			EventType:     "report.publish.requested",
			ResponseEvent: "report.published",
		},
	}
	require.NoError(t, action.Validate(ctx, platform.Registry))
	require.NoError(t, plan.Execute(ctx, action))

	events := bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, "plan-corr-1", events[0].CorrelationID)
	assert.Equal(t, envelope.TopicActionRequests, events[0].Topic)
	assert.Equal(t, "report.published", events[0].ResponseEvent)
}

func TestExecuteCompleteFinalizesPlan(t *testing.T) {
	platform, _, _, mem := newFakePlatform()
	ctx := context.Background()

	plan, err := StartPlan(ctx, platform, goalEnvelope(), approvalMachine())
	require.NoError(t, err)
	require.NoError(t, plan.Execute(ctx, &PlanAction{
		Kind:     ActionComplete,
		Complete: &CompleteAction{Result: json.RawMessage(`{"url":"https://..."}`)},
	}))

	record, err := mem.GetPlan(ctx, "alice", plan.PlanID())
	require.NoError(t, err)
	assert.Equal(t, memory.PlanCompleted, record.Status)
	assert.Equal(t, memory.PlanCompleted, plan.State().Status)
}

func TestPlanActionValidate(t *testing.T) {
	reg := newFakeRegistry("known.event")
	ctx := context.Background()

	tests := []struct {
		name    string
		action  PlanAction
		wantErr bool
	}{
		{
			name: "valid publish",
			action: PlanAction{Kind: ActionPublish, Publish: &PublishAction{
				EventType: "known.event", ResponseEvent: "known.done"}},
		},
		{
			name: "publish of unregistered event",
			action: PlanAction{Kind: ActionPublish, Publish: &PublishAction{
				EventType: "mystery.event", ResponseEvent: "mystery.done"}},
			wantErr: true,
		},
		{
			name:    "wait without expected event",
			action:  PlanAction{Kind: ActionWait, Wait: &WaitAction{}},
			wantErr: true,
		},
		{
			name:   "valid wait",
			action: PlanAction{Kind: ActionWait, Wait: &WaitAction{ExpectedEvent: "approval.granted"}},
		},
		{
			name:    "kind and variant disagree",
			action:  PlanAction{Kind: ActionComplete, Wait: &WaitAction{ExpectedEvent: "x"}},
			wantErr: true,
		},
		{
			name: "two variants",
			action: PlanAction{Kind: ActionWait,
				Wait:     &WaitAction{ExpectedEvent: "x"},
				Complete: &CompleteAction{}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			action:  PlanAction{Kind: "retry", Complete: &CompleteAction{}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate(ctx, reg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
