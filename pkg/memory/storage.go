package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soorma-ai/soorma-core/pkg/auth"
)

// Scope is the (tenant, user) pair a storage operation runs as. Row
// policies make it the only data visible inside the transaction.
type Scope struct {
	TenantID string
	UserID   string
}

// ScopeFor derives the storage scope from an authenticated identity,
// optionally overridden by an explicit user (the transport-level user_id
// query parameter).
func ScopeFor(id auth.Identity, userOverride string) (Scope, error) {
	userID := userOverride
	if userID == "" {
		userID = id.UserID
	}
	if id.TenantID == "" || userID == "" {
		return Scope{}, ErrUnauthenticated
	}
	return Scope{TenantID: id.TenantID, UserID: userID}, nil
}

// Storage executes memory operations inside tenant/user-scoped
// transactions. Every operation binds app.current_tenant and
// app.current_user with transaction-local set_config, so the row policies
// see the caller's identity and the binding dies with the transaction on
// every exit path.
type Storage struct {
	pool *pgxpool.Pool
}

// NewStorage creates a Storage on the shared pool.
func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

// scoped runs fn inside a transaction bound to the scope.
func (s *Storage) scoped(ctx context.Context, scope Scope, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin scoped transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT set_config('app.current_tenant', $1, true),
		        set_config('app.current_user', $2, true)`,
		scope.TenantID, scope.UserID); err != nil {
		return fmt.Errorf("failed to bind scope: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ensurePrincipal upserts the tenant/user replica rows every memory table
// has cascade edges to. Called before any write.
func ensurePrincipal(ctx context.Context, tx pgx.Tx, scope Scope) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (tenant_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		scope.TenantID); err != nil {
		return fmt.Errorf("failed to ensure tenant %s: %w", scope.TenantID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO users (tenant_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		scope.TenantID, scope.UserID); err != nil {
		return fmt.Errorf("failed to ensure user %s: %w", scope.UserID, err)
	}
	return nil
}

// mapWriteError translates storage failures into the service error
// taxonomy. A row-policy rejection surfaces as a check violation, meaning
// the caller tried to write outside their scope.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501": // insufficient_privilege: policy rejected the write
			return fmt.Errorf("%w: %s", ErrForbidden, pgErr.Message)
		case "23505": // unique_violation outside the intended conflict targets
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		case "23503": // foreign_key_violation: referenced record does not exist
			return fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.Message)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.Message)
		}
	}
	return err
}

// notFoundOr maps pgx.ErrNoRows to ErrNotFound.
func notFoundOr(err error, wrap string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", wrap, err)
}
