package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

func fulfillRequest() *envelope.Envelope {
	req := envelope.NewRequest("acme", "order.fulfill.requested", "order.fulfill.done",
		json.RawMessage(`{"order_id":"o-42"}`))
	req.UserID = "alice"
	req.CorrelationID = "task-T"
	return req
}

func TestStartTaskPersistsRequestState(t *testing.T) {
	platform, _, _, mem := newFakePlatform()

	task, err := StartTask(context.Background(), platform, "worker:1.0.0", fulfillRequest())
	require.NoError(t, err)

	assert.Equal(t, "task-T", task.TaskID())

	stored, err := mem.GetTaskContext(context.Background(), "alice", "task-T")
	require.NoError(t, err)
	assert.Equal(t, "order.fulfill.requested", stored.EventType)
	assert.Equal(t, "order.fulfill.done", stored.ResponseEvent)
	assert.Equal(t, "worker:1.0.0", stored.AgentID)
}

func TestDelegateRecordsSubTaskBeforePublishing(t *testing.T) {
	platform, bus, _, mem := newFakePlatform()
	ctx := context.Background()

	task, err := StartTask(ctx, platform, "worker:1.0.0", fulfillRequest())
	require.NoError(t, err)

	subID, err := task.Delegate(ctx, "inventory.reserve.requested", "inventory.done",
		json.RawMessage(`{"sku":"x"}`))
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	// The published child carries the sub-task correlation and the causal
	// chain of the originating request.
	events := bus.events()
	require.Len(t, events, 1)
	child := events[0]
	assert.Equal(t, "inventory.reserve.requested", child.EventType)
	assert.Equal(t, subID, child.CorrelationID)
	assert.Equal(t, "acme", child.TenantID)
	assert.Equal(t, "alice", child.UserID)

	// The persisted record already knows the sub-task, so the result can be
	// routed even if this process dies right after the publish.
	parent, err := mem.GetTaskBySubtask(ctx, "alice", subID)
	require.NoError(t, err)
	assert.Equal(t, "task-T", parent.TaskID)
}

func TestParallelFanOutFanIn(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	ctx := context.Background()

	task, err := StartTask(ctx, platform, "worker:1.0.0", fulfillRequest())
	require.NoError(t, err)

	groupID, err := task.DelegateParallel(ctx, []DelegationSpec{
		{EventType: "inventory.reserve.requested", ResponseEvent: "inventory.done"},
		{EventType: "payment.process.requested", ResponseEvent: "payment.done"},
	})
	require.NoError(t, err)
	require.Len(t, bus.events(), 2)

	// First result arrives: aggregation still pending.
	first, err := envelope.NewResponse(bus.events()[0], json.RawMessage(`{"reserved":true}`))
	require.NoError(t, err)
	restored, err := RestoreTask(ctx, platform, first)
	require.NoError(t, err)
	require.NoError(t, restored.RecordResult(ctx, first))
	assert.Nil(t, restored.AggregateParallelResults(groupID))

	// Second result completes the group.
	second, err := envelope.NewResponse(bus.events()[1], json.RawMessage(`{"charged":true}`))
	require.NoError(t, err)
	restored, err = RestoreTask(ctx, platform, second)
	require.NoError(t, err)
	require.NoError(t, restored.RecordResult(ctx, second))

	results := restored.AggregateParallelResults(groupID)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"reserved":true}`, string(results[first.CorrelationID]))
	assert.JSONEq(t, `{"charged":true}`, string(results[second.CorrelationID]))
}

func TestAggregateUnknownGroupIsNil(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	ctx := context.Background()

	task, err := StartTask(ctx, platform, "worker:1.0.0", fulfillRequest())
	require.NoError(t, err)

	groupID, err := task.DelegateParallel(ctx, []DelegationSpec{
		{EventType: "inventory.reserve.requested", ResponseEvent: "inventory.done"},
	})
	require.NoError(t, err)

	result, err := envelope.NewResponse(bus.events()[0], json.RawMessage(`{"reserved":true}`))
	require.NoError(t, err)
	restored, err := RestoreTask(ctx, platform, result)
	require.NoError(t, err)
	require.NoError(t, restored.RecordResult(ctx, result))

	require.NotNil(t, restored.AggregateParallelResults(groupID))
	assert.Nil(t, restored.AggregateParallelResults("no-such-group"),
		"a group no sub-task carries must not read as complete")
}

func TestRecordResultIsIdempotent(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	ctx := context.Background()

	task, err := StartTask(ctx, platform, "worker:1.0.0", fulfillRequest())
	require.NoError(t, err)
	_, err = task.Delegate(ctx, "inventory.reserve.requested", "inventory.done", nil)
	require.NoError(t, err)

	result, err := envelope.NewResponse(bus.events()[0], json.RawMessage(`{"reserved":true}`))
	require.NoError(t, err)

	restored, err := RestoreTask(ctx, platform, result)
	require.NoError(t, err)
	require.NoError(t, restored.RecordResult(ctx, result))
	// Redelivery of the same event must not disturb the record.
	require.NoError(t, restored.RecordResult(ctx, result))
	assert.Equal(t, result.EventID, restored.State().LastEventID)
}

func TestCompletePublishesAndDeletes(t *testing.T) {
	platform, bus, _, mem := newFakePlatform()
	ctx := context.Background()

	task, err := StartTask(ctx, platform, "worker:1.0.0", fulfillRequest())
	require.NoError(t, err)
	require.NoError(t, task.Complete(ctx, json.RawMessage(`{"fulfilled":true}`)))

	events := bus.events()
	require.Len(t, events, 1)
	done := events[0]
	assert.Equal(t, "order.fulfill.done", done.EventType)
	assert.Equal(t, envelope.TopicActionResults, done.Topic)
	assert.Equal(t, "task-T", done.CorrelationID)

	_, err = mem.GetTaskContext(ctx, "alice", "task-T")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteWithoutResponseEvent(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	ctx := context.Background()

	announce, err := envelope.NewAnnouncement("acme", "order.created", envelope.TopicBusinessFacts, nil)
	require.NoError(t, err)
	announce.UserID = "alice"

	task, err := StartTask(ctx, platform, "worker:1.0.0", announce)
	require.NoError(t, err)
	assert.ErrorIs(t, task.Complete(ctx, nil), ErrNoResponseExpected)
}

func TestRestoreUnknownSubTask(t *testing.T) {
	platform, _, _, _ := newFakePlatform()

	result := &envelope.Envelope{
		EventType:     "inventory.done",
		Topic:         envelope.TopicActionResults,
		TenantID:      "acme",
		UserID:        "alice",
		CorrelationID: "never-delegated",
	}
	_, err := RestoreTask(context.Background(), platform, result)
	assert.ErrorIs(t, err, ErrNotFound)
}
