package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/soorma-ai/soorma-core/pkg/registry"
)

// Registry is the discovery capability agents program against.
type Registry interface {
	Register(ctx context.Context, def *registry.AgentDefinition) (*registry.Agent, error)
	Heartbeat(ctx context.Context, agentID string) error
	Deregister(ctx context.Context, agentID string) error
	Discover(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.Agent, error)
	RegisterEvent(ctx context.Context, def *registry.EventDefinition) (*registry.EventDefinition, error)
	GetEvent(ctx context.Context, eventName string) (*registry.EventDefinition, error)
	RegisterSchema(ctx context.Context, schema *registry.PayloadSchema) (*registry.PayloadSchema, error)
	GetSchema(ctx context.Context, name string) (*registry.PayloadSchema, error)
}

// RegistryClient talks to the Registry service.
type RegistryClient struct {
	httpAPI
}

// NewRegistryClient creates a registry client.
func NewRegistryClient(baseURL string, creds Credentials) *RegistryClient {
	return &RegistryClient{httpAPI: newHTTPAPI(baseURL, creds)}
}

// Register upserts the agent's catalog record.
func (r *RegistryClient) Register(ctx context.Context, def *registry.AgentDefinition) (*registry.Agent, error) {
	var agent registry.Agent
	if err := r.doJSON(ctx, http.MethodPost, "/v1/agents", def, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Heartbeat refreshes liveness. ErrNotFound means the registry no longer
// knows this agent and the caller must re-register.
func (r *RegistryClient) Heartbeat(ctx context.Context, agentID string) error {
	return r.doJSON(ctx, http.MethodPut, "/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil)
}

// Deregister removes the agent from the catalog.
func (r *RegistryClient) Deregister(ctx context.Context, agentID string) error {
	return r.doJSON(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// Discover lists active agents matching the filter.
func (r *RegistryClient) Discover(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.Agent, error) {
	q := url.Values{}
	if filter.Capability != "" {
		q.Set("capability", filter.Capability)
	}
	if filter.ConsumesEvent != "" {
		q.Set("consumes", filter.ConsumesEvent)
	}
	if filter.ProducesEvent != "" {
		q.Set("produces", filter.ProducesEvent)
	}
	if filter.TenantScope != "" {
		q.Set("tenant_scope", filter.TenantScope)
	}

	var out struct {
		Agents []*registry.Agent `json:"agents"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/v1/agents?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// RegisterEvent upserts an event definition.
func (r *RegistryClient) RegisterEvent(ctx context.Context, def *registry.EventDefinition) (*registry.EventDefinition, error) {
	var out registry.EventDefinition
	if err := r.doJSON(ctx, http.MethodPost, "/v1/events", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEvent fetches one event definition.
func (r *RegistryClient) GetEvent(ctx context.Context, eventName string) (*registry.EventDefinition, error) {
	var out registry.EventDefinition
	if err := r.doJSON(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(eventName), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterSchema stores a payload schema.
func (r *RegistryClient) RegisterSchema(ctx context.Context, schema *registry.PayloadSchema) (*registry.PayloadSchema, error) {
	var out registry.PayloadSchema
	if err := r.doJSON(ctx, http.MethodPost, "/v1/schemas", schema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSchema fetches a payload schema by name.
func (r *RegistryClient) GetSchema(ctx context.Context, name string) (*registry.PayloadSchema, error) {
	var out registry.PayloadSchema
	if err := r.doJSON(ctx, http.MethodGet, "/v1/schemas/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// maxHeartbeatBackoff caps the retry delay after consecutive heartbeat
// failures.
const maxHeartbeatBackoff = time.Minute

// HeartbeatLoop keeps an agent registered until ctx is cancelled, beating
// at a third of the TTL. A 404 triggers exactly one re-registration before
// the next beat; consecutive transport failures back off exponentially.
func HeartbeatLoop(ctx context.Context, reg Registry, def *registry.AgentDefinition) error {
	ttl := time.Duration(def.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := ttl / 3

	agentID := def.ID()
	backoff := interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		err := reg.Heartbeat(ctx, agentID)
		switch {
		case err == nil:
			backoff = interval
			continue
		case errors.Is(err, ErrNotFound):
			// Registration aged out (sweeper, registry restart). One
			// re-register, then resume the normal cadence.
			slog.Warn("Heartbeat got 404, re-registering", "agent_id", agentID)
			if _, regErr := reg.Register(ctx, def); regErr != nil {
				slog.Error("Re-registration failed", "agent_id", agentID, "error", regErr)
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = interval
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			slog.Warn("Heartbeat failed", "agent_id", agentID, "error", err)
			backoff = nextBackoff(backoff)
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxHeartbeatBackoff {
		return maxHeartbeatBackoff
	}
	return next
}

var _ Registry = (*RegistryClient)(nil)
