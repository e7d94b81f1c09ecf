// Package registry implements the agent and event-type catalog: registration
// with TTL liveness, capability discovery, event definitions, and payload
// schemas.
package registry

import (
	"errors"
	"time"
)

// Agent lifecycle states.
const (
	StatusActive       = "active"
	StatusExpired      = "expired"
	StatusDeregistered = "deregistered"
)

// ErrNotFound is returned when an agent, event, or schema does not exist.
// A heartbeat observing it signals the client to re-register.
var ErrNotFound = errors.New("record not found")

// ErrInvalidDefinition is returned when a registration fails validation.
var ErrInvalidDefinition = errors.New("invalid definition")

// Agent is the canonical catalog record for a registered agent.
// AgentID is name:version and survives re-registration.
type Agent struct {
	AgentID         string    `json:"agent_id"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Description     string    `json:"description,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	EventsConsumed  []string  `json:"events_consumed"`
	EventsProduced  []string  `json:"events_produced"`
	EndpointHint    string    `json:"endpoint_hint,omitempty"`
	TenantScope     string    `json:"tenant_scope,omitempty"`
	Status          string    `json:"status"`
	TTLSeconds      int       `json:"ttl_seconds"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AgentDefinition is the registration payload. AgentID is derived from
// Name and Version when empty.
type AgentDefinition struct {
	AgentID        string   `json:"agent_id,omitempty"`
	Name           string   `json:"name" binding:"required"`
	Version        string   `json:"version" binding:"required"`
	Description    string   `json:"description,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	EventsConsumed []string `json:"events_consumed,omitempty"`
	EventsProduced []string `json:"events_produced,omitempty"`
	EndpointHint   string   `json:"endpoint_hint,omitempty"`
	TenantScope    string   `json:"tenant_scope,omitempty"`
	TTLSeconds     int      `json:"ttl_seconds,omitempty"`
}

// ID returns the stable agent identifier.
func (d *AgentDefinition) ID() string {
	if d.AgentID != "" {
		return d.AgentID
	}
	return d.Name + ":" + d.Version
}

// DiscoverFilter narrows agent discovery. Only active agents are returned.
type DiscoverFilter struct {
	Capability    string
	ConsumesEvent string
	ProducesEvent string
	TenantScope   string
}

// EventDefinition describes an event type in the catalog, unique by
// (tenant_scope, event_name).
type EventDefinition struct {
	TenantScope       string    `json:"tenant_scope,omitempty"`
	EventName         string    `json:"event_name" binding:"required"`
	Topic             string    `json:"topic" binding:"required"`
	Description       string    `json:"description,omitempty"`
	PayloadSchemaName string    `json:"payload_schema_name,omitempty"`
	ProducedByAgents  []string  `json:"produced_by_agents,omitempty"`
	ConsumedByAgents  []string  `json:"consumed_by_agents,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// PayloadSchema is a named JSON schema envelopes reference via
// payload_schema_name.
type PayloadSchema struct {
	SchemaName   string          `json:"schema_name" binding:"required"`
	Version      int             `json:"version,omitempty"`
	JSONSchema   map[string]any  `json:"json_schema" binding:"required"`
	OwnerAgentID string          `json:"owner_agent_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}
