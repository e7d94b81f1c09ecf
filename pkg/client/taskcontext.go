package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/memory"
)

// ErrNoResponseExpected is returned by Complete when the originating request
// did not name a response event.
var ErrNoResponseExpected = errors.New("task has no response event")

// Sub-task statuses tracked in the parent's sub_tasks map.
const (
	subTaskPending = "pending"
	subTaskDone    = "done"
)

// SubTask is one delegated child recorded in a task's sub_tasks map, keyed
// by the child's correlation ID.
type SubTask struct {
	EventType       string          `json:"event_type"`
	ResponseEvent   string          `json:"response_event"`
	ParallelGroupID string          `json:"parallel_group_id,omitempty"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// DelegationSpec names one child request in a parallel fan-out.
type DelegationSpec struct {
	EventType     string
	ResponseEvent string
	Data          json.RawMessage
}

// TaskRuntime is a worker's live handle on one durable task. It persists
// itself to Memory before any delegation is published, so a crash between
// save and publish leaves a resumable record rather than an orphaned child.
type TaskRuntime struct {
	platform *PlatformContext
	userID   string

	state    *memory.TaskContext
	origin   *envelope.Envelope
	subTasks map[string]*SubTask
}

// StartTask creates and persists a task for an incoming request envelope.
// The task ID is the request's correlation, which is what the requester will
// match the eventual completion against.
func StartTask(ctx context.Context, platform *PlatformContext, agentID string, req *envelope.Envelope) (*TaskRuntime, error) {
	t := &TaskRuntime{
		platform: platform,
		userID:   req.UserID,
		origin:   req,
		subTasks: make(map[string]*SubTask),
		state: &memory.TaskContext{
			TaskID:        req.ReplyCorrelation(),
			TenantID:      req.TenantID,
			UserID:        req.UserID,
			AgentID:       agentID,
			EventType:     req.EventType,
			Data:          req.Data,
			ResponseEvent: req.ResponseEvent,
			ResponseTopic: string(req.ResponseTopic),
		},
	}
	if err := t.Save(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// RestoreTask loads the parent task of a sub-task result, identified by the
// result envelope's correlation ID.
func RestoreTask(ctx context.Context, platform *PlatformContext, result *envelope.Envelope) (*TaskRuntime, error) {
	state, err := platform.Memory.GetTaskBySubtask(ctx, result.UserID, result.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate parent task for sub-task %s: %w", result.CorrelationID, err)
	}
	t := &TaskRuntime{
		platform: platform,
		userID:   result.UserID,
		state:    state,
	}
	if err := t.decodeSubTasks(); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskID returns the durable task identifier.
func (t *TaskRuntime) TaskID() string {
	return t.state.TaskID
}

// State returns the current persisted snapshot.
func (t *TaskRuntime) State() *memory.TaskContext {
	return t.state
}

// Save persists the full task record.
func (t *TaskRuntime) Save(ctx context.Context) error {
	if err := t.encodeSubTasks(); err != nil {
		return err
	}
	saved, err := t.platform.Memory.SaveTaskContext(ctx, t.userID, t.state)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.state.TaskID, err)
	}
	t.state = saved
	return t.decodeSubTasks()
}

// Delegate publishes a child request and returns its correlation ID. The
// sub-task is recorded in the persisted sub_tasks map before the publish so
// the eventual result can always be routed back.
func (t *TaskRuntime) Delegate(ctx context.Context, eventType, responseEvent string, data json.RawMessage) (string, error) {
	ids, err := t.delegateAll(ctx, "", []DelegationSpec{{
		EventType:     eventType,
		ResponseEvent: responseEvent,
		Data:          data,
	}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// DelegateParallel fans out several child requests under one group and
// returns the group ID for later aggregation.
func (t *TaskRuntime) DelegateParallel(ctx context.Context, specs []DelegationSpec) (string, error) {
	if len(specs) == 0 {
		return "", errors.New("parallel delegation needs at least one spec")
	}
	groupID := uuid.New().String()
	if _, err := t.delegateAll(ctx, groupID, specs); err != nil {
		return "", err
	}
	return groupID, nil
}

func (t *TaskRuntime) delegateAll(ctx context.Context, groupID string, specs []DelegationSpec) ([]string, error) {
	children := make([]*envelope.Envelope, 0, len(specs))
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		child := t.childRequest(spec.EventType, spec.ResponseEvent, spec.Data)
		t.subTasks[child.CorrelationID] = &SubTask{
			EventType:       spec.EventType,
			ResponseEvent:   spec.ResponseEvent,
			ParallelGroupID: groupID,
			Status:          subTaskPending,
		}
		children = append(children, child)
		ids = append(ids, child.CorrelationID)
	}

	// Record first, publish second. The reverse order can lose results.
	if err := t.Save(ctx); err != nil {
		return nil, err
	}
	for _, child := range children {
		if _, err := t.platform.Bus.Publish(ctx, child); err != nil {
			return nil, fmt.Errorf("failed to publish delegation %s: %w", child.EventType, err)
		}
	}
	return ids, nil
}

// childRequest derives a delegation envelope. With the originating request
// in hand the full causal chain propagates; a restored task reconstructs the
// identity fields from its persisted state.
func (t *TaskRuntime) childRequest(eventType, responseEvent string, data json.RawMessage) *envelope.Envelope {
	if t.origin != nil {
		return envelope.NewChildRequest(t.origin, eventType, responseEvent, data)
	}
	return envelope.NewRequest(t.state.TenantID, eventType, responseEvent, data)
}

// RecordResult stores a sub-task's result in the task record. The update is
// keyed by the result's event ID, so redelivery is a no-op.
func (t *TaskRuntime) RecordResult(ctx context.Context, result *envelope.Envelope) error {
	sub, ok := t.subTasks[result.CorrelationID]
	if !ok {
		return fmt.Errorf("unknown sub-task %s on task %s", result.CorrelationID, t.state.TaskID)
	}
	sub.Status = subTaskDone
	sub.Result = result.Data

	if err := t.encodeSubTasks(); err != nil {
		return err
	}
	updated, err := t.platform.Memory.UpdateTaskContext(ctx, t.userID, t.state.TaskID, &memory.TaskContextPatch{
		SubTasks: t.state.SubTasks,
		EventID:  result.EventID,
	})
	if err != nil {
		return fmt.Errorf("failed to record sub-task result on task %s: %w", t.state.TaskID, err)
	}
	t.state = updated
	return t.decodeSubTasks()
}

// AggregateParallelResults returns the collected results of a parallel group
// keyed by sub-task correlation ID, or nil while any member is still pending.
// A group ID no sub-task carries also returns nil, so an unknown group never
// reads as complete.
func (t *TaskRuntime) AggregateParallelResults(groupID string) map[string]json.RawMessage {
	var results map[string]json.RawMessage
	for id, sub := range t.subTasks {
		if sub.ParallelGroupID != groupID {
			continue
		}
		if sub.Status != subTaskDone {
			return nil
		}
		if results == nil {
			results = make(map[string]json.RawMessage)
		}
		results[id] = sub.Result
	}
	return results
}

// Complete publishes the task's result where the requester expects it
// (response topic, response event, correlation_id = task_id) and then
// deletes the task record.
func (t *TaskRuntime) Complete(ctx context.Context, result json.RawMessage) error {
	if t.state.ResponseEvent == "" {
		return ErrNoResponseExpected
	}
	topic := envelope.Topic(t.state.ResponseTopic)
	if topic == "" {
		topic = envelope.TopicActionResults
	}
	response := &envelope.Envelope{
		EventType:     t.state.ResponseEvent,
		Topic:         topic,
		TenantID:      t.state.TenantID,
		UserID:        t.state.UserID,
		CorrelationID: t.state.TaskID,
		Data:          result,
	}
	if t.origin != nil {
		response.SessionID = t.origin.SessionID
		response.ParentEventID = t.origin.EventID
		response.TraceID = t.origin.TraceID
	}

	if _, err := t.platform.Bus.Publish(ctx, response); err != nil {
		return fmt.Errorf("failed to publish completion for task %s: %w", t.state.TaskID, err)
	}
	if err := t.platform.Memory.DeleteTaskContext(ctx, t.userID, t.state.TaskID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete task %s after completion: %w", t.state.TaskID, err)
	}
	return nil
}

func (t *TaskRuntime) encodeSubTasks() error {
	if t.subTasks == nil {
		t.subTasks = make(map[string]*SubTask)
	}
	raw, err := json.Marshal(t.subTasks)
	if err != nil {
		return fmt.Errorf("failed to encode sub-tasks: %w", err)
	}
	t.state.SubTasks = raw
	return nil
}

func (t *TaskRuntime) decodeSubTasks() error {
	t.subTasks = make(map[string]*SubTask)
	if len(t.state.SubTasks) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.state.SubTasks, &t.subTasks); err != nil {
		return fmt.Errorf("failed to decode sub-tasks: %w", err)
	}
	return nil
}
