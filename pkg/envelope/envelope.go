// Package envelope defines the canonical event format carried on every topic,
// plus the correlation rules that link requests, responses, and child events.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTopic is returned when an envelope names a topic outside the
// fixed set.
var ErrUnknownTopic = errors.New("unknown topic")

// FieldError describes a single invalid or missing envelope field.
// Envelope violations are fatal to the publish call: never retried,
// never dead-lettered.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid envelope field '%s': %s", e.Field, e.Message)
}

// NewFieldError creates a FieldError.
func NewFieldError(field, message string) error {
	return &FieldError{Field: field, Message: message}
}

// Envelope is the canonical wire format for every event on the bus.
//
// correlation_id identifies a request/response pair or a plan execution;
// trace_id is the root of the causal tree and is copied unchanged through
// every child request. tenant_id scopes all downstream access and is
// immutable along a causal chain.
type Envelope struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	Topic             Topic           `json:"topic"`
	TenantID          string          `json:"tenant_id"`
	UserID            string          `json:"user_id,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	ParentEventID     string          `json:"parent_event_id,omitempty"`
	TraceID           string          `json:"trace_id,omitempty"`
	ResponseEvent     string          `json:"response_event,omitempty"`
	ResponseTopic     Topic           `json:"response_topic,omitempty"`
	PayloadSchemaName string          `json:"payload_schema_name,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	AssignedTo        string          `json:"assigned_to,omitempty"`
}

// Validate checks the structural invariants every published envelope must
// satisfy. It does not assign defaults; see Normalize.
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return NewFieldError("event_type", "required")
	}
	if e.Topic == "" {
		return NewFieldError("topic", "required")
	}
	if !ValidTopic(e.Topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, e.Topic)
	}
	if e.TenantID == "" {
		return NewFieldError("tenant_id", "required")
	}
	if e.ResponseTopic != "" && !ValidTopic(e.ResponseTopic) {
		return fmt.Errorf("%w: response_topic %q", ErrUnknownTopic, e.ResponseTopic)
	}
	if e.Topic == TopicActionRequests && e.ResponseEvent == "" {
		return NewFieldError("response_event", "required on action-requests")
	}
	return nil
}

// Normalize fills the fields the bus assigns on publish when the producer
// left them empty: event_id, occurred_at, trace_id (a new root), and the
// request-idiom defaults (correlation_id, response_topic).
func (e *Envelope) Normalize() {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = e.EventID
	}
	if e.Topic == TopicActionRequests {
		if e.CorrelationID == "" {
			e.CorrelationID = uuid.New().String()
		}
		if e.ResponseTopic == "" {
			e.ResponseTopic = TopicActionResults
		}
	}
}

// ReplyCorrelation returns the correlation ID a responder must echo:
// the request's correlation_id, or its event_id when none was set.
func (e *Envelope) ReplyCorrelation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.EventID
}

// NewRequest builds a request envelope: an event on action-requests that
// expects a correlated response of type responseEvent.
func NewRequest(tenantID, eventType, responseEvent string, data json.RawMessage) *Envelope {
	env := &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Topic:         TopicActionRequests,
		TenantID:      tenantID,
		CorrelationID: uuid.New().String(),
		ResponseEvent: responseEvent,
		ResponseTopic: TopicActionResults,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
	env.TraceID = env.EventID
	return env
}

// NewResponse builds the reply to a request, enforcing the correlation
// closure: event_type = request.response_event, correlation_id echoed, and
// tenant/user/session identity copied from the request. It returns an error
// when the request did not ask for a response.
func NewResponse(request *Envelope, data json.RawMessage) (*Envelope, error) {
	if request.ResponseEvent == "" {
		return nil, NewFieldError("response_event", "request does not expect a response")
	}
	topic := request.ResponseTopic
	if topic == "" {
		topic = TopicActionResults
	}
	env := &Envelope{
		EventID:       uuid.New().String(),
		EventType:     request.ResponseEvent,
		Topic:         topic,
		TenantID:      request.TenantID,
		UserID:        request.UserID,
		SessionID:     request.SessionID,
		CorrelationID: request.ReplyCorrelation(),
		ParentEventID: request.EventID,
		TraceID:       request.TraceID,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
	if env.TraceID == "" {
		env.TraceID = request.EventID
	}
	return env, nil
}

// NewAnnouncement builds a fire-and-forget event on the given topic.
// Announcements never target action-results; results are reserved for
// correlated responses.
func NewAnnouncement(tenantID, eventType string, topic Topic, data json.RawMessage) (*Envelope, error) {
	if topic == TopicActionResults {
		return nil, NewFieldError("topic", "announcements may not use action-results")
	}
	env := &Envelope{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		Topic:      topic,
		TenantID:   tenantID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
	env.TraceID = env.EventID
	return env, nil
}

// NewChildRequest derives a request from a parent event, propagating the
// causal chain: trace_id, tenant_id, user_id, and session_id are copied and
// parent_event_id is set to the parent's event_id. The child gets its own
// fresh correlation_id.
func NewChildRequest(parent *Envelope, eventType, responseEvent string, data json.RawMessage) *Envelope {
	env := &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Topic:         TopicActionRequests,
		TenantID:      parent.TenantID,
		UserID:        parent.UserID,
		SessionID:     parent.SessionID,
		CorrelationID: uuid.New().String(),
		ParentEventID: parent.EventID,
		TraceID:       parent.TraceID,
		ResponseEvent: responseEvent,
		ResponseTopic: TopicActionResults,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
	if env.TraceID == "" {
		env.TraceID = parent.EventID
	}
	return env
}

// NewDeadLetter wraps an undeliverable envelope for the dead-letter topic,
// preserving the original as the payload and linking back to it via
// parent_event_id.
func NewDeadLetter(original *Envelope, reason string) (*Envelope, error) {
	payload, err := json.Marshal(map[string]any{
		"reason":   reason,
		"original": original,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling dead-letter payload: %w", err)
	}
	return &Envelope{
		EventID:       uuid.New().String(),
		EventType:     "bus.delivery.failed",
		Topic:         TopicDeadLetter,
		TenantID:      original.TenantID,
		UserID:        original.UserID,
		SessionID:     original.SessionID,
		CorrelationID: original.CorrelationID,
		ParentEventID: original.EventID,
		TraceID:       original.TraceID,
		Data:          payload,
		OccurredAt:    time.Now().UTC(),
	}, nil
}
