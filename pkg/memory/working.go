package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SetWorking upserts one scratchpad entry, keyed by (plan, key).
func (s *Storage) SetWorking(ctx context.Context, scope Scope, planID, key string, value json.RawMessage) (*WorkingMemory, error) {
	var m WorkingMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO working_memories (tenant_id, user_id, plan_id, key, value)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, plan_id, key) DO UPDATE SET
			     value = EXCLUDED.value,
			     updated_at = now()
			 RETURNING plan_id, key, value, updated_at`,
			scope.TenantID, scope.UserID, planID, key, value,
		).Scan(&m.PlanID, &m.Key, &m.Value, &m.UpdatedAt)
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

// GetWorking fetches one scratchpad entry.
func (s *Storage) GetWorking(ctx context.Context, scope Scope, planID, key string) (*WorkingMemory, error) {
	var m WorkingMemory
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT plan_id, key, value, updated_at
			 FROM working_memories WHERE plan_id = $1 AND key = $2`,
			planID, key,
		).Scan(&m.PlanID, &m.Key, &m.Value, &m.UpdatedAt)
		if err != nil {
			return notFoundOr(err, "failed to fetch working memory")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteWorking removes one scratchpad entry.
func (s *Storage) DeleteWorking(ctx context.Context, scope Scope, planID, key string) error {
	return s.scoped(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM working_memories WHERE plan_id = $1 AND key = $2`, planID, key)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteWorkingPlan removes every scratchpad entry for a plan, returning
// the number of keys deleted. Called on plan completion.
func (s *Storage) DeleteWorkingPlan(ctx context.Context, scope Scope, planID string) (int64, error) {
	var deleted int64
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM working_memories WHERE plan_id = $1`, planID)
		if err != nil {
			return fmt.Errorf("failed to delete plan working memory: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
