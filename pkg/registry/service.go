package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// Announcer publishes lifecycle events. Satisfied by backbone.Publisher.
type Announcer interface {
	Publish(ctx context.Context, env *envelope.Envelope) (*backbone.StoredEvent, error)
}

// Service implements the catalog operations on top of Storage, announcing
// agent lifecycle changes on the bus.
type Service struct {
	storage   *Storage
	announcer Announcer
}

// NewService creates the registry service. announcer may be nil in tests
// that do not care about lifecycle events.
func NewService(storage *Storage, announcer Announcer) *Service {
	return &Service{storage: storage, announcer: announcer}
}

// RegisterAgent upserts an agent by its stable ID and announces the
// registration. Registration is idempotent: re-registering replaces the
// capability and event-link sets wholesale.
func (s *Service) RegisterAgent(ctx context.Context, def *AgentDefinition) (*Agent, error) {
	if def.Name == "" || def.Version == "" {
		return nil, fmt.Errorf("%w: name and version are required", ErrInvalidDefinition)
	}
	if strings.Contains(def.Name, ":") {
		return nil, fmt.Errorf("%w: agent name may not contain ':'", ErrInvalidDefinition)
	}
	if def.TTLSeconds <= 0 {
		def.TTLSeconds = 30
	}

	agent, err := s.storage.UpsertAgent(ctx, def)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, "agent.registered", agent.TenantScope, map[string]any{
		"agent_id":     agent.AgentID,
		"capabilities": agent.Capabilities,
		"ttl_seconds":  agent.TTLSeconds,
	})
	slog.Info("Agent registered", "agent_id", agent.AgentID, "ttl_seconds", agent.TTLSeconds)
	return agent, nil
}

// Heartbeat refreshes agent liveness. ErrNotFound tells the client to
// re-register before resuming heartbeats.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	return s.storage.Heartbeat(ctx, agentID)
}

// Deregister removes an agent and announces the removal.
func (s *Service) Deregister(ctx context.Context, agentID string) error {
	if err := s.storage.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	s.announce(ctx, "agent.deregistered", "", map[string]any{"agent_id": agentID})
	slog.Info("Agent deregistered", "agent_id", agentID)
	return nil
}

// GetAgent fetches one agent record by ID.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	return s.storage.GetAgent(ctx, agentID)
}

// Discover returns active agents matching the filter.
func (s *Service) Discover(ctx context.Context, f DiscoverFilter) ([]*Agent, error) {
	return s.storage.Discover(ctx, f)
}

// RegisterEvent upserts an event definition, rejecting topics outside the
// fixed set.
func (s *Service) RegisterEvent(ctx context.Context, def *EventDefinition) (*EventDefinition, error) {
	if def.EventName == "" {
		return nil, fmt.Errorf("%w: event_name is required", ErrInvalidDefinition)
	}
	if !envelope.ValidTopic(envelope.Topic(def.Topic)) {
		return nil, fmt.Errorf("%w: %q", envelope.ErrUnknownTopic, def.Topic)
	}
	return s.storage.UpsertEventDefinition(ctx, def)
}

// GetEvent fetches one event definition.
func (s *Service) GetEvent(ctx context.Context, tenantScope, eventName string) (*EventDefinition, error) {
	return s.storage.GetEventDefinition(ctx, tenantScope, eventName)
}

// ListEvents returns event definitions visible to a tenant scope.
func (s *Service) ListEvents(ctx context.Context, tenantScope, topic string) ([]*EventDefinition, error) {
	return s.storage.ListEventDefinitions(ctx, tenantScope, topic)
}

// RegisterSchema validates that the payload is itself a well-formed JSON
// schema, then stores it by name.
func (s *Service) RegisterSchema(ctx context.Context, schema *PayloadSchema) (*PayloadSchema, error) {
	if schema.SchemaName == "" {
		return nil, fmt.Errorf("%w: schema_name is required", ErrInvalidDefinition)
	}
	if err := compileSchema(schema.SchemaName, schema.JSONSchema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return s.storage.UpsertSchema(ctx, schema)
}

// GetSchema fetches a payload schema by name.
func (s *Service) GetSchema(ctx context.Context, name string) (*PayloadSchema, error) {
	return s.storage.GetSchema(ctx, name)
}

// compileSchema round-trips the document through the JSON-schema compiler so
// malformed schemas are rejected at registration, not at first use.
func compileSchema(name string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return err
	}
	_, err = compiler.Compile(url)
	return err
}

// announce publishes a lifecycle event; failures are logged, never fatal to
// the triggering operation. Lifecycle events with no tenant scope use the
// platform tenant.
func (s *Service) announce(ctx context.Context, eventType, tenantScope string, data map[string]any) {
	if s.announcer == nil {
		return
	}
	tenantID := tenantScope
	if tenantID == "" {
		tenantID = "platform"
	}

	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal lifecycle payload", "event_type", eventType, "error", err)
		return
	}
	env, err := envelope.NewAnnouncement(tenantID, eventType, envelope.TopicAgentLifecycle, payload)
	if err != nil {
		slog.Error("Failed to build lifecycle event", "event_type", eventType, "error", err)
		return
	}
	env.Normalize()
	if _, err := s.announcer.Publish(ctx, env); err != nil {
		slog.Error("Failed to publish lifecycle event", "event_type", eventType, "error", err)
	}
}
