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

// ErrNoTransition means an envelope was filtered out by the transition
// rules: wrong topic, no plan for its correlation, or no declared edge from
// the plan's current state. Filtered envelopes are silently dropped by the
// planner loop, never dead-lettered.
var ErrNoTransition = errors.New("no matching plan transition")

// EventPlanTimeout is the synthetic event type injected when a paused plan's
// wait deadline elapses. It routes through the same transition filter as a
// real resume event.
const EventPlanTimeout = "plan.timeout"

// resultsWaitingKey marks the event a paused plan is waiting for inside its
// results map.
const resultsWaitingKey = "_waiting_for"

// StateMachine is the declared transition table of a plan: for each state,
// the event types that may fire and the state each one leads to.
type StateMachine struct {
	Initial     string                       `json:"initial"`
	Transitions map[string]map[string]string `json:"transitions"`
}

// Next returns the declared target state for an event fired in the given
// state.
func (m *StateMachine) Next(state, eventType string) (string, bool) {
	edges, ok := m.Transitions[state]
	if !ok {
		return "", false
	}
	next, ok := edges[eventType]
	return next, ok
}

// Plan action kinds.
const (
	ActionPublish  = "publish"
	ActionComplete = "complete"
	ActionWait     = "wait"
	ActionDelegate = "delegate"
)

// PlanAction is the planner's decision after a transition: exactly one
// variant must be populated, matching Kind. Decisions arrive from an
// untrusted producer, so Validate runs before Execute ever sees one.
type PlanAction struct {
	Kind string `json:"kind"`

	Publish  *PublishAction  `json:"publish,omitempty"`
	Complete *CompleteAction `json:"complete,omitempty"`
	Wait     *WaitAction     `json:"wait,omitempty"`
	Delegate *DelegateAction `json:"delegate,omitempty"`
}

// PublishAction issues the plan's next request; its response routes back to
// the plan via the shared correlation ID.
type PublishAction struct {
	EventType     string          `json:"event_type"`
	ResponseEvent string          `json:"response_event"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// CompleteAction finishes the plan with a final result.
type CompleteAction struct {
	Result json.RawMessage `json:"result,omitempty"`
	Failed bool            `json:"failed,omitempty"`
}

// WaitAction pauses the plan until an expected event or a timeout.
type WaitAction struct {
	ExpectedEvent  string `json:"expected_event"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// DelegateAction hands a sub-goal to another agent under its own
// correlation, recorded on the plan for later reconciliation.
type DelegateAction struct {
	EventType     string          `json:"event_type"`
	ResponseEvent string          `json:"response_event"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Validate rejects malformed or unregistered actions at the edge. Publish
// and Delegate event types must exist in the registry.
func (a *PlanAction) Validate(ctx context.Context, reg Registry) error {
	variants := 0
	for _, set := range []bool{a.Publish != nil, a.Complete != nil, a.Wait != nil, a.Delegate != nil} {
		if set {
			variants++
		}
	}
	if variants != 1 {
		return fmt.Errorf("plan action must carry exactly one variant, got %d", variants)
	}

	switch a.Kind {
	case ActionPublish:
		if a.Publish == nil {
			return errors.New("kind 'publish' without publish variant")
		}
		if a.Publish.EventType == "" || a.Publish.ResponseEvent == "" {
			return errors.New("publish action requires event_type and response_event")
		}
		if _, err := reg.GetEvent(ctx, a.Publish.EventType); err != nil {
			return fmt.Errorf("publish action names unregistered event %q: %w", a.Publish.EventType, err)
		}
	case ActionComplete:
		if a.Complete == nil {
			return errors.New("kind 'complete' without complete variant")
		}
	case ActionWait:
		if a.Wait == nil {
			return errors.New("kind 'wait' without wait variant")
		}
		if a.Wait.ExpectedEvent == "" {
			return errors.New("wait action requires expected_event")
		}
	case ActionDelegate:
		if a.Delegate == nil {
			return errors.New("kind 'delegate' without delegate variant")
		}
		if a.Delegate.EventType == "" || a.Delegate.ResponseEvent == "" {
			return errors.New("delegate action requires event_type and response_event")
		}
		if _, err := reg.GetEvent(ctx, a.Delegate.EventType); err != nil {
			return fmt.Errorf("delegate action names unregistered event %q: %w", a.Delegate.EventType, err)
		}
	default:
		return fmt.Errorf("unknown plan action kind %q", a.Kind)
	}
	return nil
}

// PlanRuntime is a planner's live handle on one plan: the persisted context
// plus its decoded state machine.
type PlanRuntime struct {
	platform *PlatformContext
	userID   string
	state    *memory.PlanContext
	machine  *StateMachine
}

// StartPlan accepts a goal envelope: it creates the plan record and its
// context in the machine's initial state, correlated to the goal so results
// route back.
func StartPlan(ctx context.Context, platform *PlatformContext, goal *envelope.Envelope, machine *StateMachine) (*PlanRuntime, error) {
	if machine == nil || machine.Initial == "" {
		return nil, errors.New("plan requires a state machine with an initial state")
	}
	machineRaw, err := json.Marshal(machine)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state machine: %w", err)
	}

	planID := uuid.New().String()
	plan := &memory.Plan{
		PlanID:    planID,
		TenantID:  goal.TenantID,
		UserID:    goal.UserID,
		SessionID: goal.SessionID,
		Goal:      goal.EventType,
		Status:    memory.PlanRunning,
	}
	if _, err := platform.Memory.CreatePlan(ctx, goal.UserID, plan); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	state := &memory.PlanContext{
		PlanID:        planID,
		TenantID:      goal.TenantID,
		UserID:        goal.UserID,
		CorrelationID: goal.ReplyCorrelation(),
		GoalEvent:     goal.EventType,
		GoalData:      goal.Data,
		StateMachine:  machineRaw,
		CurrentState:  machine.Initial,
		Status:        memory.PlanRunning,
	}
	saved, err := platform.Memory.SavePlanContext(ctx, goal.UserID, state)
	if err != nil {
		return nil, fmt.Errorf("failed to save plan context: %w", err)
	}

	return &PlanRuntime{
		platform: platform,
		userID:   goal.UserID,
		state:    saved,
		machine:  machine,
	}, nil
}

// RouteTransition applies the transition filter to an incoming envelope and
// returns the plan it fires on plus the declared next state. Only
// action-results envelopes whose correlation matches an extant plan and
// whose event type has an edge from the plan's current state pass; a paused
// plan additionally accepts its awaited event and the synthetic timeout.
// Everything else gets ErrNoTransition.
func RouteTransition(ctx context.Context, platform *PlatformContext, env *envelope.Envelope) (*PlanRuntime, string, error) {
	if env.Topic != envelope.TopicActionResults || env.CorrelationID == "" {
		return nil, "", ErrNoTransition
	}

	state, err := platform.Memory.GetPlanContextByCorrelation(ctx, env.UserID, env.CorrelationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, memory.ErrNotFound) {
			return nil, "", ErrNoTransition
		}
		return nil, "", fmt.Errorf("failed to look up plan for correlation %s: %w", env.CorrelationID, err)
	}

	p := &PlanRuntime{platform: platform, userID: env.UserID, state: state}
	if err := p.decodeMachine(); err != nil {
		return nil, "", err
	}

	if p.state.Status == memory.PlanPaused {
		waiting := p.waitingFor()
		if env.EventType == waiting || env.EventType == EventPlanTimeout {
			next, ok := p.machine.Next(p.state.CurrentState, env.EventType)
			if !ok {
				next = p.state.CurrentState
			}
			return p, next, nil
		}
		return nil, "", ErrNoTransition
	}

	next, ok := p.machine.Next(p.state.CurrentState, env.EventType)
	if !ok {
		return nil, "", ErrNoTransition
	}
	return p, next, nil
}

// PlanID returns the durable plan identifier.
func (p *PlanRuntime) PlanID() string {
	return p.state.PlanID
}

// State returns the current persisted snapshot.
func (p *PlanRuntime) State() *memory.PlanContext {
	return p.state
}

// Resume transitions a paused plan back to running, recording the resume
// event's payload under results.user_input. The write is keyed by the
// event ID so redelivery is harmless.
func (p *PlanRuntime) Resume(ctx context.Context, env *envelope.Envelope, nextState string) error {
	results, err := p.mergeResults(map[string]json.RawMessage{
		"user_input":      orNull(env.Data),
		resultsWaitingKey: json.RawMessage(`null`),
	})
	if err != nil {
		return err
	}
	return p.patch(ctx, &memory.PlanContextPatch{
		CurrentState: nextState,
		Results:      results,
		Status:       memory.PlanRunning,
		EventID:      env.EventID,
	})
}

// Advance moves the plan to the next state, merging the transition event's
// payload into results under its event type.
func (p *PlanRuntime) Advance(ctx context.Context, env *envelope.Envelope, nextState string) error {
	results, err := p.mergeResults(map[string]json.RawMessage{
		env.EventType: orNull(env.Data),
	})
	if err != nil {
		return err
	}
	return p.patch(ctx, &memory.PlanContextPatch{
		CurrentState: nextState,
		Results:      results,
		EventID:      env.EventID,
	})
}

// Execute carries out a validated plan action.
func (p *PlanRuntime) Execute(ctx context.Context, action *PlanAction) error {
	switch action.Kind {
	case ActionPublish:
		return p.executePublish(ctx, action.Publish)
	case ActionComplete:
		return p.executeComplete(ctx, action.Complete)
	case ActionWait:
		return p.executeWait(ctx, action.Wait)
	case ActionDelegate:
		return p.executeDelegate(ctx, action.Delegate)
	}
	return fmt.Errorf("unknown plan action kind %q", action.Kind)
}

// executePublish issues the plan's next request under the plan's own
// correlation, so the response comes back through the transition filter.
func (p *PlanRuntime) executePublish(ctx context.Context, action *PublishAction) error {
	req := envelope.NewRequest(p.state.TenantID, action.EventType, action.ResponseEvent, action.Data)
	req.UserID = p.state.UserID
	req.CorrelationID = p.state.CorrelationID

	if _, err := p.platform.Bus.Publish(ctx, req); err != nil {
		return fmt.Errorf("failed to publish plan request %s: %w", action.EventType, err)
	}
	return nil
}

// executeDelegate hands off a sub-goal under a fresh correlation, tracked in
// results._delegations.
func (p *PlanRuntime) executeDelegate(ctx context.Context, action *DelegateAction) error {
	req := envelope.NewRequest(p.state.TenantID, action.EventType, action.ResponseEvent, action.Data)
	req.UserID = p.state.UserID

	delegations, err := p.delegations()
	if err != nil {
		return err
	}
	delegations[req.CorrelationID] = action.EventType
	raw, err := json.Marshal(delegations)
	if err != nil {
		return fmt.Errorf("failed to encode delegations: %w", err)
	}
	results, err := p.mergeResults(map[string]json.RawMessage{"_delegations": raw})
	if err != nil {
		return err
	}
	if err := p.patch(ctx, &memory.PlanContextPatch{Results: results}); err != nil {
		return err
	}

	if _, err := p.platform.Bus.Publish(ctx, req); err != nil {
		return fmt.Errorf("failed to publish plan delegation %s: %w", action.EventType, err)
	}
	return nil
}

// executeWait pauses the plan and records what it is waiting for.
func (p *PlanRuntime) executeWait(ctx context.Context, action *WaitAction) error {
	waiting, err := json.Marshal(action.ExpectedEvent)
	if err != nil {
		return err
	}
	results, err := p.mergeResults(map[string]json.RawMessage{resultsWaitingKey: waiting})
	if err != nil {
		return err
	}
	return p.patch(ctx, &memory.PlanContextPatch{
		Results: results,
		Status:  memory.PlanPaused,
	})
}

// executeComplete finalizes both the plan record and its context.
func (p *PlanRuntime) executeComplete(ctx context.Context, action *CompleteAction) error {
	status := memory.PlanCompleted
	if action.Failed {
		status = memory.PlanFailed
	}

	results, err := p.mergeResults(map[string]json.RawMessage{"_final": orNull(action.Result)})
	if err != nil {
		return err
	}
	if err := p.patch(ctx, &memory.PlanContextPatch{Results: results, Status: status}); err != nil {
		return err
	}
	if _, err := p.platform.Memory.UpdatePlanStatus(ctx, p.userID, p.state.PlanID, status); err != nil {
		return fmt.Errorf("failed to finalize plan %s: %w", p.state.PlanID, err)
	}
	return nil
}

func (p *PlanRuntime) patch(ctx context.Context, patch *memory.PlanContextPatch) error {
	updated, err := p.platform.Memory.UpdatePlanContext(ctx, p.userID, p.state.PlanID, patch)
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", p.state.PlanID, err)
	}
	p.state = updated
	return p.decodeMachine()
}

func (p *PlanRuntime) decodeMachine() error {
	p.machine = &StateMachine{}
	if len(p.state.StateMachine) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.state.StateMachine, p.machine); err != nil {
		return fmt.Errorf("failed to decode state machine for plan %s: %w", p.state.PlanID, err)
	}
	return nil
}

// waitingFor reads results._waiting_for from the persisted results map.
func (p *PlanRuntime) waitingFor() string {
	var results map[string]json.RawMessage
	if err := json.Unmarshal(orEmpty(p.state.Results), &results); err != nil {
		return ""
	}
	var waiting string
	if raw, ok := results[resultsWaitingKey]; ok {
		_ = json.Unmarshal(raw, &waiting)
	}
	return waiting
}

func (p *PlanRuntime) delegations() (map[string]string, error) {
	var results map[string]json.RawMessage
	if err := json.Unmarshal(orEmpty(p.state.Results), &results); err != nil {
		return nil, fmt.Errorf("failed to decode results for plan %s: %w", p.state.PlanID, err)
	}
	delegations := make(map[string]string)
	if raw, ok := results["_delegations"]; ok {
		if err := json.Unmarshal(raw, &delegations); err != nil {
			return nil, fmt.Errorf("failed to decode delegations for plan %s: %w", p.state.PlanID, err)
		}
	}
	return delegations, nil
}

// mergeResults overlays updates onto the persisted results map and returns
// the re-encoded document.
func (p *PlanRuntime) mergeResults(updates map[string]json.RawMessage) (json.RawMessage, error) {
	results := make(map[string]json.RawMessage)
	if err := json.Unmarshal(orEmpty(p.state.Results), &results); err != nil {
		return nil, fmt.Errorf("failed to decode results for plan %s: %w", p.state.PlanID, err)
	}
	for key, value := range updates {
		if string(value) == "null" && key == resultsWaitingKey {
			delete(results, key)
			continue
		}
		results[key] = value
	}
	return json.Marshal(results)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
