package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// notifyLimit is PostgreSQL's 8000-byte NOTIFY payload cap, with headroom.
const notifyLimit = 7900

// Publisher appends envelopes to the durable log and broadcasts them via
// NOTIFY in the same transaction, so a committed event is always both
// persisted and announced.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher creates a Publisher on the shared pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// Publish persists env and fires the topic NOTIFY atomically. The envelope
// must already be validated and normalized. Returns the stored event with
// its backbone offset.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope) (*StoredEvent, error) {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO bus_events (event_id, topic, tenant_id, event_type, assigned_to, envelope, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		 RETURNING seq`,
		env.EventID, string(env.Topic), env.TenantID, env.EventType, env.AssignedTo, envJSON, time.Now(),
	).Scan(&seq)
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("failed to persist event: %w", err))
	}

	notifyPayload, err := buildNotifyPayload(seq, env, envJSON)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelForTopic(env.Topic), notifyPayload); err != nil {
		return nil, wrapUnavailable(fmt.Errorf("pg_notify failed: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapUnavailable(fmt.Errorf("failed to commit event: %w", err))
	}

	return &StoredEvent{Seq: seq, Envelope: env}, nil
}

// buildNotifyPayload wraps the envelope in a Notification, dropping the
// inline envelope when the payload would exceed the NOTIFY limit. Receivers
// of a truncated notification fetch the envelope from the log by seq.
func buildNotifyPayload(seq int64, env *envelope.Envelope, envJSON []byte) (string, error) {
	n := Notification{
		Seq:      seq,
		EventID:  env.EventID,
		Topic:    string(env.Topic),
		Envelope: envJSON,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}
	if len(payload) <= notifyLimit {
		return string(payload), nil
	}

	n.Envelope = nil
	n.Truncated = true
	payload, err = json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated notification: %w", err)
	}
	return string(payload), nil
}

// wrapUnavailable tags connection-level failures as ErrUnavailable so the
// bus can surface 503 and callers know to retry.
func wrapUnavailable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Server answered: not a transport failure.
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
