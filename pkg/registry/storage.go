package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Storage persists the catalog in PostgreSQL.
type Storage struct {
	pool *pgxpool.Pool
}

// NewStorage creates a Storage on the shared pool.
func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

const agentColumns = `agent_id, name, version, description, capabilities, endpoint_hint,
	tenant_scope, status, ttl_seconds, last_heartbeat_at, created_at, updated_at`

// UpsertAgent creates or replaces an agent record and its event links in one
// transaction. Re-registering revives an expired or deregistered agent.
func (s *Storage) UpsertAgent(ctx context.Context, def *AgentDefinition) (*Agent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	agentID := def.ID()
	row := tx.QueryRow(ctx,
		`INSERT INTO agents (agent_id, name, version, description, capabilities,
		                     endpoint_hint, tenant_scope, status, ttl_seconds, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		     description = EXCLUDED.description,
		     capabilities = EXCLUDED.capabilities,
		     endpoint_hint = EXCLUDED.endpoint_hint,
		     tenant_scope = EXCLUDED.tenant_scope,
		     status = 'active',
		     ttl_seconds = EXCLUDED.ttl_seconds,
		     last_heartbeat_at = now(),
		     expired_at = NULL,
		     updated_at = now()
		 RETURNING `+agentColumns,
		agentID, def.Name, def.Version, def.Description, def.Capabilities,
		def.EndpointHint, def.TenantScope, def.TTLSeconds)

	agent, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent %s: %w", agentID, err)
	}

	// Event links are replaced wholesale; a register call is the full truth
	// about what the agent consumes and produces.
	if _, err := tx.Exec(ctx, `DELETE FROM agent_event_links WHERE agent_id = $1`, agentID); err != nil {
		return nil, fmt.Errorf("failed to clear event links: %w", err)
	}
	for _, name := range def.EventsConsumed {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_event_links (agent_id, event_name, direction) VALUES ($1, $2, 'consumes')
			 ON CONFLICT DO NOTHING`, agentID, name); err != nil {
			return nil, fmt.Errorf("failed to link consumed event %s: %w", name, err)
		}
	}
	for _, name := range def.EventsProduced {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_event_links (agent_id, event_name, direction) VALUES ($1, $2, 'produces')
			 ON CONFLICT DO NOTHING`, agentID, name); err != nil {
			return nil, fmt.Errorf("failed to link produced event %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit agent upsert: %w", err)
	}

	agent.EventsConsumed = def.EventsConsumed
	agent.EventsProduced = def.EventsProduced
	return agent, nil
}

// GetAgent fetches an agent with its event links, any status.
func (s *Storage) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent %s: %w", agentID, err)
	}
	if err := s.loadEventLinks(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Heartbeat refreshes an active or expired agent's liveness. An expired
// agent still present in the catalog is revived; a deleted or deregistered
// one reports ErrNotFound so the client re-registers.
func (s *Storage) Heartbeat(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET last_heartbeat_at = now(), status = 'active', expired_at = NULL, updated_at = now()
		 WHERE agent_id = $1 AND status <> 'deregistered'`,
		agentID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat agent %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent record outright. Event links cascade.
func (s *Storage) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Discover returns active agents matching the filter.
func (s *Storage) Discover(ctx context.Context, f DiscoverFilter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE status = 'active'`
	var args []any

	if f.Capability != "" {
		args = append(args, f.Capability)
		query += fmt.Sprintf(` AND $%d = ANY (capabilities)`, len(args))
	}
	if f.TenantScope != "" {
		args = append(args, f.TenantScope)
		query += fmt.Sprintf(` AND tenant_scope IN ('', $%d)`, len(args))
	}
	if f.ConsumesEvent != "" {
		args = append(args, f.ConsumesEvent)
		query += fmt.Sprintf(` AND agent_id IN (SELECT agent_id FROM agent_event_links
			WHERE event_name = $%d AND direction = 'consumes')`, len(args))
	}
	if f.ProducesEvent != "" {
		args = append(args, f.ProducesEvent)
		query += fmt.Sprintf(` AND agent_id IN (SELECT agent_id FROM agent_event_links
			WHERE event_name = $%d AND direction = 'produces')`, len(args))
	}
	query += ` ORDER BY agent_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to discover agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, agent := range agents {
		if err := s.loadEventLinks(ctx, agent); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// ExpireStale marks active agents expired when their heartbeat is older than
// their TTL. Returns the expired agent IDs for lifecycle announcements.
func (s *Storage) ExpireStale(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents
		 SET status = 'expired', expired_at = now(), updated_at = now()
		 WHERE status = 'active'
		   AND last_heartbeat_at < now() - make_interval(secs => ttl_seconds)
		 RETURNING agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpiredBefore removes expired agents whose grace window has passed.
func (s *Storage) DeleteExpiredBefore(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE status = 'expired' AND expired_at < $1`,
		time.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired agents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) loadEventLinks(ctx context.Context, agent *Agent) error {
	rows, err := s.pool.Query(ctx,
		`SELECT event_name, direction FROM agent_event_links WHERE agent_id = $1 ORDER BY event_name`,
		agent.AgentID)
	if err != nil {
		return fmt.Errorf("failed to load event links for %s: %w", agent.AgentID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, direction string
		if err := rows.Scan(&name, &direction); err != nil {
			return err
		}
		if direction == "consumes" {
			agent.EventsConsumed = append(agent.EventsConsumed, name)
		} else {
			agent.EventsProduced = append(agent.EventsProduced, name)
		}
	}
	return rows.Err()
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.AgentID, &a.Name, &a.Version, &a.Description, &a.Capabilities,
		&a.EndpointHint, &a.TenantScope, &a.Status, &a.TTLSeconds,
		&a.LastHeartbeatAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertEventDefinition creates or updates an event type in the catalog.
func (s *Storage) UpsertEventDefinition(ctx context.Context, def *EventDefinition) (*EventDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO event_definitions (tenant_scope, event_name, topic, description, payload_schema_name)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		 ON CONFLICT (tenant_scope, event_name) DO UPDATE SET
		     topic = EXCLUDED.topic,
		     description = EXCLUDED.description,
		     payload_schema_name = EXCLUDED.payload_schema_name,
		     updated_at = now()
		 RETURNING tenant_scope, event_name, topic, description,
		           COALESCE(payload_schema_name, ''), created_at, updated_at`,
		def.TenantScope, def.EventName, def.Topic, def.Description, def.PayloadSchemaName)

	var out EventDefinition
	if err := row.Scan(&out.TenantScope, &out.EventName, &out.Topic, &out.Description,
		&out.PayloadSchemaName, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert event definition %s: %w", def.EventName, err)
	}
	return &out, nil
}

// GetEventDefinition fetches one event type, including the agents linked to
// it in either direction.
func (s *Storage) GetEventDefinition(ctx context.Context, tenantScope, eventName string) (*EventDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT tenant_scope, event_name, topic, description,
		        COALESCE(payload_schema_name, ''), created_at, updated_at
		 FROM event_definitions WHERE tenant_scope = $1 AND event_name = $2`,
		tenantScope, eventName)

	var out EventDefinition
	err := row.Scan(&out.TenantScope, &out.EventName, &out.Topic, &out.Description,
		&out.PayloadSchemaName, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event definition %s: %w", eventName, err)
	}
	if err := s.loadEventAgents(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEventDefinitions returns the catalog, optionally filtered by topic.
func (s *Storage) ListEventDefinitions(ctx context.Context, tenantScope, topic string) ([]*EventDefinition, error) {
	query := `SELECT tenant_scope, event_name, topic, description,
	                 COALESCE(payload_schema_name, ''), created_at, updated_at
	          FROM event_definitions WHERE tenant_scope IN ('', $1)`
	args := []any{tenantScope}
	if topic != "" {
		args = append(args, topic)
		query += ` AND topic = $2`
	}
	query += ` ORDER BY event_name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event definitions: %w", err)
	}
	defer rows.Close()

	var defs []*EventDefinition
	for rows.Next() {
		var def EventDefinition
		if err := rows.Scan(&def.TenantScope, &def.EventName, &def.Topic, &def.Description,
			&def.PayloadSchemaName, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

func (s *Storage) loadEventAgents(ctx context.Context, def *EventDefinition) error {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, direction FROM agent_event_links WHERE event_name = $1 ORDER BY agent_id`,
		def.EventName)
	if err != nil {
		return fmt.Errorf("failed to load agents for event %s: %w", def.EventName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var agentID, direction string
		if err := rows.Scan(&agentID, &direction); err != nil {
			return err
		}
		if direction == "produces" {
			def.ProducedByAgents = append(def.ProducedByAgents, agentID)
		} else {
			def.ConsumedByAgents = append(def.ConsumedByAgents, agentID)
		}
	}
	return rows.Err()
}

// UpsertSchema stores a payload schema, bumping the version on change.
func (s *Storage) UpsertSchema(ctx context.Context, schema *PayloadSchema) (*PayloadSchema, error) {
	raw, err := json.Marshal(schema.JSONSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO payload_schemas (schema_name, version, json_schema, owner_agent_id)
		 VALUES ($1, 1, $2, NULLIF($3, ''))
		 ON CONFLICT (schema_name) DO UPDATE SET
		     version = payload_schemas.version + 1,
		     json_schema = EXCLUDED.json_schema,
		     owner_agent_id = EXCLUDED.owner_agent_id,
		     updated_at = now()
		 RETURNING schema_name, version, json_schema, COALESCE(owner_agent_id, ''), created_at, updated_at`,
		schema.SchemaName, raw, schema.OwnerAgentID)

	return scanSchema(row)
}

// GetSchema fetches a payload schema by name.
func (s *Storage) GetSchema(ctx context.Context, name string) (*PayloadSchema, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT schema_name, version, json_schema, COALESCE(owner_agent_id, ''), created_at, updated_at
		 FROM payload_schemas WHERE schema_name = $1`, name)

	schema, err := scanSchema(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema %s: %w", name, err)
	}
	return schema, nil
}

func scanSchema(row pgx.Row) (*PayloadSchema, error) {
	var out PayloadSchema
	var raw []byte
	if err := row.Scan(&out.SchemaName, &out.Version, &raw, &out.OwnerAgentID,
		&out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out.JSONSchema); err != nil {
		return nil, fmt.Errorf("failed to decode stored schema: %w", err)
	}
	return &out, nil
}
