package memory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
)

const taskContextColumns = `task_id, tenant_id, user_id, agent_id,
	COALESCE(plan_id::text, ''), event_type, data, response_event, response_topic,
	sub_tasks, state, COALESCE(last_event_id, ''), created_at, updated_at`

// SaveTaskContext creates or replaces a worker's task state. Workers call
// this at task start; the task_id is the request's correlation ID.
func (s *Storage) SaveTaskContext(ctx context.Context, scope Scope, tc *TaskContext) (*TaskContext, error) {
	var out TaskContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO task_contexts
			     (task_id, tenant_id, user_id, agent_id, plan_id, event_type, data,
			      response_event, response_topic, sub_tasks, state, last_event_id)
			 VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
			 ON CONFLICT (tenant_id, task_id) DO UPDATE SET
			     agent_id = EXCLUDED.agent_id,
			     plan_id = EXCLUDED.plan_id,
			     event_type = EXCLUDED.event_type,
			     data = EXCLUDED.data,
			     response_event = EXCLUDED.response_event,
			     response_topic = EXCLUDED.response_topic,
			     sub_tasks = EXCLUDED.sub_tasks,
			     state = EXCLUDED.state,
			     last_event_id = EXCLUDED.last_event_id,
			     updated_at = now()
			 RETURNING `+taskContextColumns,
			tc.TaskID, scope.TenantID, scope.UserID, tc.AgentID, tc.PlanID,
			tc.EventType, orEmptyObject(tc.Data), tc.ResponseEvent, tc.ResponseTopic,
			orEmptyObject(tc.SubTasks), orEmptyObject(tc.State), tc.LastEventID)
		if err := scanTaskContext(row, &out); err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTaskContext fetches one task context.
func (s *Storage) GetTaskContext(ctx context.Context, scope Scope, taskID string) (*TaskContext, error) {
	var out TaskContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+taskContextColumns+` FROM task_contexts WHERE task_id = $1`, taskID)
		if err := scanTaskContext(row, &out); err != nil {
			return notFoundOr(err, "failed to fetch task context")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskContextPatch updates a subset of task-context fields; nil members are
// left untouched.
type TaskContextPatch struct {
	Data     json.RawMessage `json:"data,omitempty"`
	SubTasks json.RawMessage `json:"sub_tasks,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	// EventID keys the write for idempotency: a patch carrying the same
	// event ID as the last applied one is a no-op.
	EventID string `json:"event_id,omitempty"`
}

// UpdateTaskContext applies a patch. When the patch carries an event ID
// already recorded on the row, the write is skipped and the current row is
// returned, making at-least-once event handling safe.
func (s *Storage) UpdateTaskContext(ctx context.Context, scope Scope, taskID string, patch *TaskContextPatch) (*TaskContext, error) {
	var out TaskContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		query := `UPDATE task_contexts SET
		              data = COALESCE($2, data),
		              sub_tasks = COALESCE($3, sub_tasks),
		              state = COALESCE($4, state),
		              last_event_id = COALESCE(NULLIF($5, ''), last_event_id),
		              updated_at = now()
		          WHERE task_id = $1`
		if patch.EventID != "" {
			query += ` AND (last_event_id IS NULL OR last_event_id <> $5)`
		}
		query += ` RETURNING ` + taskContextColumns

		row := tx.QueryRow(ctx, query, taskID,
			patch.Data, patch.SubTasks, patch.State, patch.EventID)
		err := scanTaskContext(row, &out)
		if errors.Is(err, pgx.ErrNoRows) {
			// Either absent or already applied; the fetch distinguishes.
			fetchRow := tx.QueryRow(ctx,
				`SELECT `+taskContextColumns+` FROM task_contexts WHERE task_id = $1`, taskID)
			if err := scanTaskContext(fetchRow, &out); err != nil {
				return notFoundOr(err, "failed to fetch task context")
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

// DeleteTaskContext removes a task context on completion.
func (s *Storage) DeleteTaskContext(ctx context.Context, scope Scope, taskID string) error {
	return s.scoped(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM task_contexts WHERE task_id = $1`, taskID)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetTaskBySubtask locates the parent task whose sub_tasks map contains the
// given sub-task correlation ID. This is how an async result is routed back
// to the task that delegated it.
func (s *Storage) GetTaskBySubtask(ctx context.Context, scope Scope, subTaskID string) (*TaskContext, error) {
	var out TaskContext
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+taskContextColumns+` FROM task_contexts WHERE sub_tasks ? $1`, subTaskID)
		if err := scanTaskContext(row, &out); err != nil {
			return notFoundOr(err, "failed to locate task by sub-task")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func scanTaskContext(row pgx.Row, tc *TaskContext) error {
	return row.Scan(&tc.TaskID, &tc.TenantID, &tc.UserID, &tc.AgentID, &tc.PlanID,
		&tc.EventType, &tc.Data, &tc.ResponseEvent, &tc.ResponseTopic,
		&tc.SubTasks, &tc.State, &tc.LastEventID, &tc.CreatedAt, &tc.UpdatedAt)
}

// orEmptyObject substitutes an empty JSON object for nil payloads.
func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
