package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// ErrNotFound is returned when a log entry does not exist.
var ErrNotFound = errors.New("event not found")

// Store provides log reads, queue-group claim arbitration, and retention
// deletes on the backbone tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetBySeq fetches a single stored event by backbone offset.
func (s *Store) GetBySeq(ctx context.Context, seq int64) (*StoredEvent, error) {
	var envJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT envelope FROM bus_events WHERE seq = $1`, seq,
	).Scan(&envJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event %d: %w", seq, err)
	}
	return decodeStored(seq, envJSON)
}

// SeqForEventID resolves an envelope event_id to its backbone offset. Used
// to resume SSE streams from a Last-Event-ID header.
func (s *Store) SeqForEventID(ctx context.Context, eventID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM bus_events WHERE event_id = $1`, eventID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve event %s: %w", eventID, err)
	}
	return seq, nil
}

// EventsSince returns up to limit events on a topic with seq > sinceSeq, in
// log order. Used for SSE catch-up and resume.
func (s *Store) EventsSince(ctx context.Context, topic envelope.Topic, sinceSeq int64, limit int) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, envelope FROM bus_events
		 WHERE topic = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		string(topic), sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var seq int64
		var envJSON []byte
		if err := rows.Scan(&seq, &envJSON); err != nil {
			return nil, fmt.Errorf("failed to scan catchup row: %w", err)
		}
		stored, err := decodeStored(seq, envJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	return out, rows.Err()
}

// TryClaim attempts to claim delivery of event seq for a queue group.
// Exactly one caller across all pods wins; the rest observe false.
func (s *Store) TryClaim(ctx context.Context, group string, topic envelope.Topic, seq int64, claimedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO bus_claims (queue_group, event_seq, topic, claimed_by)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (queue_group, event_seq) DO NOTHING`,
		group, seq, string(topic), claimedBy)
	if err != nil {
		return false, fmt.Errorf("failed to claim event %d for group %s: %w", seq, group, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ack marks a queue-group delivery as acknowledged, identified by envelope
// event_id. Acking an already-acked or unknown delivery is a no-op.
func (s *Store) Ack(ctx context.Context, group, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bus_claims SET acked_at = now()
		 WHERE queue_group = $1
		   AND acked_at IS NULL
		   AND event_seq = (SELECT seq FROM bus_events WHERE event_id = $2)`,
		group, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to ack event %s for group %s: %w", eventID, group, err)
	}
	return tag.RowsAffected() == 1, nil
}

// StalledClaim is an unacked claim past the redelivery timeout, joined with
// its stored envelope.
type StalledClaim struct {
	Claim
	Event StoredEvent
}

// StalledClaims returns unacked claims older than olderThan, oldest first.
func (s *Store) StalledClaims(ctx context.Context, olderThan time.Duration, limit int) ([]StalledClaim, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT c.queue_group, c.event_seq, c.topic, c.claimed_by, c.claimed_at, c.attempts, e.envelope
		 FROM bus_claims c
		 JOIN bus_events e ON e.seq = c.event_seq
		 WHERE c.acked_at IS NULL AND c.claimed_at < $1
		 ORDER BY c.claimed_at ASC
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled claims: %w", err)
	}
	defer rows.Close()

	var out []StalledClaim
	for rows.Next() {
		var sc StalledClaim
		var envJSON []byte
		if err := rows.Scan(&sc.QueueGroup, &sc.EventSeq, &sc.Topic, &sc.ClaimedBy, &sc.ClaimedAt, &sc.Attempts, &envJSON); err != nil {
			return nil, fmt.Errorf("failed to scan stalled claim: %w", err)
		}
		stored, err := decodeStored(sc.EventSeq, envJSON)
		if err != nil {
			return nil, err
		}
		sc.Event = *stored
		out = append(out, sc)
	}
	return out, rows.Err()
}

// BumpAttempt records a redelivery attempt and refreshes the claim
// timestamp so the sweeper does not immediately re-select it. Returns the
// new attempt count.
func (s *Store) BumpAttempt(ctx context.Context, group string, seq int64, claimedBy string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE bus_claims
		 SET attempts = attempts + 1, claimed_at = now(), claimed_by = $3
		 WHERE queue_group = $1 AND event_seq = $2 AND acked_at IS NULL
		 RETURNING attempts`,
		group, seq, claimedBy).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump attempt: %w", err)
	}
	return attempts, nil
}

// Discard marks a claim acked without delivery, used after an event is
// dead-lettered so the sweeper stops retrying it.
func (s *Store) Discard(ctx context.Context, group string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE bus_claims SET acked_at = now()
		 WHERE queue_group = $1 AND event_seq = $2 AND acked_at IS NULL`,
		group, seq)
	if err != nil {
		return fmt.Errorf("failed to discard claim: %w", err)
	}
	return nil
}

// ReleaseOrphans ages out unacked claims held by a pod so the redelivery
// sweeper picks them up immediately. Run once at startup for the local pod
// identity, recovering deliveries lost to a crash.
func (s *Store) ReleaseOrphans(ctx context.Context, claimedBy string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bus_claims SET claimed_at = to_timestamp(0)
		 WHERE claimed_by = $1 AND acked_at IS NULL`,
		claimedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to release orphaned claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes log entries on a topic older than ttl. Claims go
// with them via the cascade edge.
func (s *Store) DeleteExpired(ctx context.Context, topic envelope.Topic, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bus_events WHERE topic = $1 AND created_at < $2`,
		string(topic), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func decodeStored(seq int64, envJSON []byte) (*StoredEvent, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		return nil, fmt.Errorf("failed to decode stored envelope at seq %d: %w", seq, err)
	}
	return &StoredEvent{Seq: seq, Envelope: &env}, nil
}
