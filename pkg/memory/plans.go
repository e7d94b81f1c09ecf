package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const planColumns = `plan_id::text, tenant_id, user_id, COALESCE(session_id::text, ''),
	goal, status, started_at, ended_at`

// CreatePlan records a new plan, optionally attached to a session.
func (s *Storage) CreatePlan(ctx context.Context, scope Scope, p *Plan) (*Plan, error) {
	if p.Status == "" {
		p.Status = PlanRunning
	}
	if !ValidPlanStatus(p.Status) {
		return nil, errors.Join(ErrInvalidInput, errors.New("unknown plan status "+p.Status))
	}

	var out Plan
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO plans (plan_id, tenant_id, user_id, session_id, goal, status)
			 VALUES ($1::uuid, $2, $3, NULLIF($4, '')::uuid, $5, $6)
			 RETURNING `+planColumns,
			p.PlanID, scope.TenantID, scope.UserID, p.SessionID, p.Goal, p.Status)
		if err := scanPlan(row, &out); err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPlan fetches one plan.
func (s *Storage) GetPlan(ctx context.Context, scope Scope, planID string) (*Plan, error) {
	var out Plan
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+planColumns+` FROM plans WHERE plan_id = $1::uuid`, planID)
		if err := scanPlan(row, &out); err != nil {
			return notFoundOr(err, "failed to fetch plan")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPlans returns the caller's plans, optionally filtered by status.
func (s *Storage) ListPlans(ctx context.Context, scope Scope, status string, limit int) ([]*Plan, error) {
	if status != "" && !ValidPlanStatus(status) {
		return nil, errors.Join(ErrInvalidInput, errors.New("unknown plan status "+status))
	}

	var out []*Plan
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+planColumns+` FROM plans
			 WHERE ($1 = '' OR status = $1)
			 ORDER BY started_at DESC
			 LIMIT $2`,
			status, limit)
		if err != nil {
			return fmt.Errorf("failed to list plans: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p Plan
			if err := scanPlan(rows, &p); err != nil {
				return fmt.Errorf("failed to scan plan: %w", err)
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePlanStatus transitions a plan, stamping ended_at on terminal states.
func (s *Storage) UpdatePlanStatus(ctx context.Context, scope Scope, planID, status string) (*Plan, error) {
	if !ValidPlanStatus(status) {
		return nil, errors.Join(ErrInvalidInput, errors.New("unknown plan status "+status))
	}

	var out Plan
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE plans SET
			     status = $2,
			     ended_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE ended_at END,
			     updated_at = now()
			 WHERE plan_id = $1::uuid
			 RETURNING `+planColumns,
			planID, status)
		if err := scanPlan(row, &out); err != nil {
			return notFoundOr(err, "failed to update plan")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func scanPlan(row pgx.Row, p *Plan) error {
	return row.Scan(&p.PlanID, &p.TenantID, &p.UserID, &p.SessionID,
		&p.Goal, &p.Status, &p.StartedAt, &p.EndedAt)
}

// CreateSession records a new session container.
func (s *Storage) CreateSession(ctx context.Context, scope Scope, sess *Session) (*Session, error) {
	var out Session
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		if err := ensurePrincipal(ctx, tx, scope); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO sessions (session_id, tenant_id, user_id, title, session_metadata)
			 VALUES ($1::uuid, $2, $3, $4, $5)
			 RETURNING session_id::text, tenant_id, user_id, title, session_metadata, created_at`,
			sess.SessionID, scope.TenantID, scope.UserID, sess.Title, orEmptyObject(sess.Metadata))
		if err := scanSession(row, &out); err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession fetches one session.
func (s *Storage) GetSession(ctx context.Context, scope Scope, sessionID string) (*Session, error) {
	var out Session
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT session_id::text, tenant_id, user_id, title, session_metadata, created_at
			 FROM sessions WHERE session_id = $1::uuid`, sessionID)
		if err := scanSession(row, &out); err != nil {
			return notFoundOr(err, "failed to fetch session")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns the caller's sessions, newest first.
func (s *Storage) ListSessions(ctx context.Context, scope Scope, limit int) ([]*Session, error) {
	var out []*Session
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT session_id::text, tenant_id, user_id, title, session_metadata, created_at
			 FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var sess Session
			if err := scanSession(rows, &sess); err != nil {
				return fmt.Errorf("failed to scan session: %w", err)
			}
			out = append(out, &sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessionPlans returns the plans attached to one session.
func (s *Storage) ListSessionPlans(ctx context.Context, scope Scope, sessionID string) ([]*Plan, error) {
	var out []*Plan
	err := s.scoped(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+planColumns+` FROM plans
			 WHERE session_id = $1::uuid ORDER BY started_at DESC`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to list session plans: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p Plan
			if err := scanPlan(rows, &p); err != nil {
				return fmt.Errorf("failed to scan plan: %w", err)
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanSession(row pgx.Row, sess *Session) error {
	var metadata json.RawMessage
	if err := row.Scan(&sess.SessionID, &sess.TenantID, &sess.UserID, &sess.Title,
		&metadata, &sess.CreatedAt); err != nil {
		return err
	}
	sess.Metadata = metadata
	return nil
}
