package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// InteractionInput is one episodic append after the service has resolved
// the optional embedding.
type InteractionInput struct {
	AgentID   string
	Role      string
	Content   string
	Metadata  json.RawMessage
	Embedding []float32
}

// LogInteraction appends one interaction to the episodic log.
func (s *Storage) LogInteraction(ctx context.Context, scope Scope, in *InteractionInput) (*EpisodicMemory, error) {
	metadata := in.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}

	var m EpisodicMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO episodic_memories (tenant_id, user_id, agent_id, role, content, embedding, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, tenant_id, user_id, agent_id, role, content, metadata, occurred_at`,
			scope.TenantID, scope.UserID, in.AgentID, in.Role, in.Content,
			embeddingValue(in.Embedding), metadata,
		).Scan(&m.ID, &m.TenantID, &m.UserID, &m.AgentID, &m.Role, &m.Content,
			&m.Metadata, &m.OccurredAt)
		if err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecentInteractions returns the newest interactions in a (user, agent)
// slice, newest first.
func (s *Storage) RecentInteractions(ctx context.Context, scope Scope, agentID string, limit int) ([]*EpisodicMemory, error) {
	var out []*EpisodicMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, tenant_id, user_id, agent_id, role, content, metadata, occurred_at
			 FROM episodic_memories
			 WHERE agent_id = $1
			 ORDER BY occurred_at DESC
			 LIMIT $2`,
			agentID, limit)
		if err != nil {
			return fmt.Errorf("failed to list recent interactions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanEpisodic(rows, false)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchInteractions runs a vector search within a (user, agent) slice.
func (s *Storage) SearchInteractions(ctx context.Context, scope Scope, agentID string, queryEmbedding []float32, topK int) ([]*EpisodicMemory, error) {
	var out []*EpisodicMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, tenant_id, user_id, agent_id, role, content, metadata, occurred_at,
			        1 - (embedding <=> $2) AS similarity
			 FROM episodic_memories
			 WHERE agent_id = $1 AND embedding IS NOT NULL
			 ORDER BY embedding <=> $2
			 LIMIT $3`,
			agentID, pgvector.NewVector(queryEmbedding), topK)
		if err != nil {
			return fmt.Errorf("failed to search interactions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanEpisodic(rows, true)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanEpisodic(rows pgx.Rows, withSimilarity bool) (*EpisodicMemory, error) {
	var m EpisodicMemory
	dest := []any{&m.ID, &m.TenantID, &m.UserID, &m.AgentID, &m.Role, &m.Content,
		&m.Metadata, &m.OccurredAt}
	if withSimilarity {
		dest = append(dest, &m.Similarity)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan interaction: %w", err)
	}
	return &m, nil
}
