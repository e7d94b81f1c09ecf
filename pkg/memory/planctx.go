package memory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
)

const planContextColumns = `plan_id::text, tenant_id, user_id, correlation_id, goal_event,
	goal_data, state_machine, current_state, results, status,
	COALESCE(last_event_id, ''), created_at, updated_at`

// SavePlanContext creates or replaces the planner state for a plan. Created
// on goal acceptance; the correlation ID is how incoming results find it.
func (s *Storage) SavePlanContext(ctx context.Context, scope Scope, pc *PlanContext) (*PlanContext, error) {
	if pc.Status == "" {
		pc.Status = PlanRunning
	}
	if !ValidPlanStatus(pc.Status) {
		return nil, errors.Join(ErrInvalidInput, errors.New("unknown plan status "+pc.Status))
	}

	var out PlanContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO plan_contexts
			     (plan_id, tenant_id, user_id, correlation_id, goal_event, goal_data,
			      state_machine, current_state, results, status, last_event_id)
			 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
			 ON CONFLICT (plan_id) DO UPDATE SET
			     correlation_id = EXCLUDED.correlation_id,
			     goal_event = EXCLUDED.goal_event,
			     goal_data = EXCLUDED.goal_data,
			     state_machine = EXCLUDED.state_machine,
			     current_state = EXCLUDED.current_state,
			     results = EXCLUDED.results,
			     status = EXCLUDED.status,
			     last_event_id = EXCLUDED.last_event_id,
			     updated_at = now()
			 RETURNING `+planContextColumns,
			pc.PlanID, scope.TenantID, scope.UserID, pc.CorrelationID, pc.GoalEvent,
			orEmptyObject(pc.GoalData), orEmptyObject(pc.StateMachine), pc.CurrentState,
			orEmptyObject(pc.Results), pc.Status, pc.LastEventID)
		if err := scanPlanContext(row, &out); err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPlanContext fetches planner state by plan ID.
func (s *Storage) GetPlanContext(ctx context.Context, scope Scope, planID string) (*PlanContext, error) {
	return s.findPlanContext(ctx, scope, `plan_id = $1::uuid`, planID)
}

// GetPlanContextByCorrelation fetches planner state by the correlation ID
// carried on incoming result envelopes.
func (s *Storage) GetPlanContextByCorrelation(ctx context.Context, scope Scope, correlationID string) (*PlanContext, error) {
	return s.findPlanContext(ctx, scope, `correlation_id = $1`, correlationID)
}

func (s *Storage) findPlanContext(ctx context.Context, scope Scope, where string, arg any) (*PlanContext, error) {
	var out PlanContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+planContextColumns+` FROM plan_contexts WHERE `+where, arg)
		if err := scanPlanContext(row, &out); err != nil {
			return notFoundOr(err, "failed to fetch plan context")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PlanContextPatch updates a subset of planner state; nil or empty members
// are left untouched.
type PlanContextPatch struct {
	CurrentState string          `json:"current_state,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	Status       string          `json:"status,omitempty"`
	// EventID keys the write for idempotency, like task-context patches.
	EventID string `json:"event_id,omitempty"`
}

// UpdatePlanContext applies a transition patch with the same event-keyed
// idempotency as task contexts.
func (s *Storage) UpdatePlanContext(ctx context.Context, scope Scope, planID string, patch *PlanContextPatch) (*PlanContext, error) {
	if patch.Status != "" && !ValidPlanStatus(patch.Status) {
		return nil, errors.Join(ErrInvalidInput, errors.New("unknown plan status "+patch.Status))
	}

	var out PlanContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		query := `UPDATE plan_contexts SET
		              current_state = COALESCE(NULLIF($2, ''), current_state),
		              results = COALESCE($3, results),
		              status = COALESCE(NULLIF($4, ''), status),
		              last_event_id = COALESCE(NULLIF($5, ''), last_event_id),
		              updated_at = now()
		          WHERE plan_id = $1::uuid`
		if patch.EventID != "" {
			query += ` AND (last_event_id IS NULL OR last_event_id <> $5)`
		}
		query += ` RETURNING ` + planContextColumns

		row := tx.QueryRow(ctx, query, planID,
			patch.CurrentState, patch.Results, patch.Status, patch.EventID)
		err := scanPlanContext(row, &out)
		if errors.Is(err, pgx.ErrNoRows) {
			fetchRow := tx.QueryRow(ctx,
				`SELECT `+planContextColumns+` FROM plan_contexts WHERE plan_id = $1::uuid`, planID)
			if err := scanPlanContext(fetchRow, &out); err != nil {
				return notFoundOr(err, "failed to fetch plan context")
			}
			return nil
		}
		if err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePlanContext removes planner state after finalization.
func (s *Storage) DeletePlanContext(ctx context.Context, scope Scope, planID string) error {
	return s.scoped(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM plan_contexts WHERE plan_id = $1::uuid`, planID)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanPlanContext(row pgx.Row, pc *PlanContext) error {
	return row.Scan(&pc.PlanID, &pc.TenantID, &pc.UserID, &pc.CorrelationID, &pc.GoalEvent,
		&pc.GoalData, &pc.StateMachine, &pc.CurrentState, &pc.Results, &pc.Status,
		&pc.LastEventID, &pc.CreatedAt, &pc.UpdatedAt)
}
