package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// KnowledgeInput is a semantic write after the service has computed the
// content hash and embedding.
type KnowledgeInput struct {
	Content     string
	ContentHash string
	ExternalID  string
	IsPublic    bool
	Metadata    json.RawMessage
	Embedding   []float32
}

// conflictTarget returns the ON CONFLICT clause for the dedup matrix cell
// this write lands in. external_id takes precedence over content_hash; the
// partial indexes keep the two dedup spaces disjoint.
func (in *KnowledgeInput) conflictTarget() string {
	switch {
	case in.ExternalID != "" && in.IsPublic:
		return "(tenant_id, external_id) WHERE is_public AND external_id IS NOT NULL"
	case in.ExternalID != "":
		return "(tenant_id, user_id, external_id) WHERE NOT is_public AND external_id IS NOT NULL"
	case in.IsPublic:
		return "(tenant_id, content_hash) WHERE is_public AND external_id IS NULL"
	default:
		return "(tenant_id, user_id, content_hash) WHERE NOT is_public AND external_id IS NULL"
	}
}

// UpsertKnowledge inserts or updates one knowledge row. The stored
// embedding is replaced only when the content hash changed, so unchanged
// content never churns the vector index. An upsert that changes nothing
// reports duplicate_skipped.
func (s *Storage) UpsertKnowledge(ctx context.Context, scope Scope, in *KnowledgeInput) (*UpsertResult, error) {
	metadata := in.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}

	var result UpsertResult
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}

		query := `INSERT INTO semantic_memories
		              (tenant_id, user_id, is_public, external_id, content, content_hash, embedding, metadata)
		          VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		          ON CONFLICT ` + in.conflictTarget() + ` DO UPDATE SET
		              content = EXCLUDED.content,
		              embedding = CASE
		                  WHEN semantic_memories.content_hash IS DISTINCT FROM EXCLUDED.content_hash
		                  THEN EXCLUDED.embedding
		                  ELSE semantic_memories.embedding
		              END,
		              content_hash = EXCLUDED.content_hash,
		              metadata = EXCLUDED.metadata,
		              updated_at = now()
		          WHERE semantic_memories.content_hash IS DISTINCT FROM EXCLUDED.content_hash
		             OR semantic_memories.metadata IS DISTINCT FROM EXCLUDED.metadata
		          RETURNING id, (xmax = 0) AS inserted`

		var inserted bool
		err := tx.QueryRow(ctx, query,
			scope.TenantID, scope.UserID, in.IsPublic, in.ExternalID,
			in.Content, in.ContentHash, embeddingValue(in.Embedding), metadata,
		).Scan(&result.ID, &inserted)

		switch {
		case err == nil:
			if inserted {
				result.Action = ActionCreated
			} else {
				result.Action = ActionUpdated
			}
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			// Conflict fired but nothing changed: fetch the surviving row.
			result.Action = ActionDuplicateSkipped
			return s.findDedupTarget(ctx, tx, scope, in, &result.ID)
		default:
			return mapWriteError(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// findDedupTarget locates the existing row a skipped upsert collided with.
func (s *Storage) findDedupTarget(ctx context.Context, tx pgx.Tx, scope Scope, in *KnowledgeInput, id *string) error {
	var query string
	var args []any
	switch {
	case in.ExternalID != "" && in.IsPublic:
		query = `SELECT id FROM semantic_memories
		         WHERE tenant_id = $1 AND external_id = $2 AND is_public`
		args = []any{scope.TenantID, in.ExternalID}
	case in.ExternalID != "":
		query = `SELECT id FROM semantic_memories
		         WHERE tenant_id = $1 AND user_id = $2 AND external_id = $3 AND NOT is_public`
		args = []any{scope.TenantID, scope.UserID, in.ExternalID}
	case in.IsPublic:
		query = `SELECT id FROM semantic_memories
		         WHERE tenant_id = $1 AND content_hash = $2 AND is_public AND external_id IS NULL`
		args = []any{scope.TenantID, in.ContentHash}
	default:
		query = `SELECT id FROM semantic_memories
		         WHERE tenant_id = $1 AND user_id = $2 AND content_hash = $3 AND NOT is_public AND external_id IS NULL`
		args = []any{scope.TenantID, scope.UserID, in.ContentHash}
	}

	if err := tx.QueryRow(ctx, query, args...).Scan(id); err != nil {
		return notFoundOr(err, "failed to locate dedup target")
	}
	return nil
}

// SearchKnowledge returns the caller's private rows, plus public tenant
// rows when includePublic is set, ranked by cosine similarity. The private
// vs public visibility itself is enforced by the row policies, not here.
func (s *Storage) SearchKnowledge(ctx context.Context, scope Scope, queryEmbedding []float32, topK int, includePublic bool) ([]*SemanticMemory, error) {
	var out []*SemanticMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, tenant_id, user_id, is_public, COALESCE(external_id, ''),
			        content, content_hash, metadata,
			        1 - (embedding <=> $1) AS similarity,
			        created_at, updated_at
			 FROM semantic_memories
			 WHERE embedding IS NOT NULL
			   AND ($2 OR NOT is_public)
			 ORDER BY embedding <=> $1
			 LIMIT $3`,
			pgvector.NewVector(queryEmbedding), includePublic, topK)
		if err != nil {
			return fmt.Errorf("failed to search knowledge: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m SemanticMemory
			if err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.IsPublic, &m.ExternalID,
				&m.Content, &m.ContentHash, &m.Metadata, &m.Similarity,
				&m.CreatedAt, &m.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan knowledge row: %w", err)
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

// GetKnowledge fetches one visible row by ID.
func (s *Storage) GetKnowledge(ctx context.Context, scope Scope, id string) (*SemanticMemory, error) {
	var m SemanticMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, tenant_id, user_id, is_public, COALESCE(external_id, ''),
			        content, content_hash, metadata, created_at, updated_at
			 FROM semantic_memories WHERE id = $1`, id,
		).Scan(&m.ID, &m.TenantID, &m.UserID, &m.IsPublic, &m.ExternalID,
			&m.Content, &m.ContentHash, &m.Metadata, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return notFoundOr(err, "failed to fetch knowledge row")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteKnowledge removes one of the caller's own rows. The delete policy
// excludes other users' rows even when they are publicly readable, so those
// report not-found.
func (s *Storage) DeleteKnowledge(ctx context.Context, scope Scope, id string) error {
	return s.scoped(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM semantic_memories WHERE id = $1`, id)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// embeddingValue converts an optional embedding for binding; empty means
// SQL NULL.
func embeddingValue(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}
