package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// SkillInput is one procedural write after the service has embedded the
// trigger condition.
type SkillInput struct {
	AgentID          string
	TriggerCondition string
	ProcedureType    string
	Content          string
	Embedding        []float32
}

// SaveSkill stores a procedural memory: a prompt or example the agent
// applies when the trigger condition matches a query.
func (s *Storage) SaveSkill(ctx context.Context, scope Scope, in *SkillInput) (*ProceduralMemory, error) {
	var m ProceduralMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO procedural_memories
			     (tenant_id, user_id, agent_id, trigger_condition, embedding, procedure_type, content)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, tenant_id, user_id, agent_id, trigger_condition, procedure_type, content, created_at`,
			scope.TenantID, scope.UserID, in.AgentID, in.TriggerCondition,
			embeddingValue(in.Embedding), in.ProcedureType, in.Content,
		).Scan(&m.ID, &m.TenantID, &m.UserID, &m.AgentID, &m.TriggerCondition,
			&m.ProcedureType, &m.Content, &m.CreatedAt)
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

// RelevantSkills returns the skills in a (user, agent) slice whose trigger
// conditions are closest to the query embedding.
func (s *Storage) RelevantSkills(ctx context.Context, scope Scope, agentID string, queryEmbedding []float32, topK int) ([]*ProceduralMemory, error) {
	var out []*ProceduralMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, tenant_id, user_id, agent_id, trigger_condition, procedure_type, content,
			        1 - (embedding <=> $2) AS similarity, created_at
			 FROM procedural_memories
			 WHERE agent_id = $1 AND embedding IS NOT NULL
			 ORDER BY embedding <=> $2
			 LIMIT $3`,
			agentID, pgvector.NewVector(queryEmbedding), topK)
		if err != nil {
			return fmt.Errorf("failed to search skills: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m ProceduralMemory
			if err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.AgentID,
				&m.TriggerCondition, &m.ProcedureType, &m.Content,
				&m.Similarity, &m.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan skill: %w", err)
			}
			out = append(out, &m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
