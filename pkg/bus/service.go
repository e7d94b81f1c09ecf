package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soorma-ai/soorma-core/pkg/auth"
	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// catchupBatch bounds how many historical events a new or resuming
// subscription replays per page.
const catchupBatch = 500

// ErrTenantMismatch is returned when a caller publishes an envelope scoped
// to a tenant other than their own.
var ErrTenantMismatch = errors.New("envelope tenant does not match caller")

// ErrSubscriptionNotFound is returned when an ack names a subscription this
// pod does not hold.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Service ties envelope validation, the durable log, and the subscription
// manager into the Event Bus operations.
type Service struct {
	publisher *backbone.Publisher
	store     *backbone.Store
	manager   *Manager
}

// NewService creates the bus service.
func NewService(publisher *backbone.Publisher, store *backbone.Store, manager *Manager) *Service {
	return &Service{publisher: publisher, store: store, manager: manager}
}

// Manager exposes the subscription manager, used by the redelivery sweeper.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Publish validates, normalizes, and durably appends an envelope. The
// caller's tenant must match the envelope's; a missing envelope tenant is
// filled from the caller.
func (s *Service) Publish(ctx context.Context, id auth.Identity, env *envelope.Envelope) (*backbone.StoredEvent, error) {
	if env.TenantID == "" {
		env.TenantID = id.TenantID
	}
	if env.TenantID != id.TenantID {
		return nil, fmt.Errorf("%w: envelope %q, caller %q", ErrTenantMismatch, env.TenantID, id.TenantID)
	}
	if env.UserID == "" {
		env.UserID = id.UserID
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	env.Normalize()

	stored, err := s.publisher.Publish(ctx, env)
	if err != nil {
		return nil, err
	}

	slog.Debug("Event published",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"topic", env.Topic,
		"tenant_id", env.TenantID,
		"seq", stored.Seq)
	return stored, nil
}

// SubscribeRequest describes a stream subscription.
type SubscribeRequest struct {
	Topic           envelope.Topic
	EventTypePrefix string
	QueueGroup      string
	// LastEventID resumes the stream after a previously delivered event.
	LastEventID string
}

// Subscribe registers a live subscription for the caller and replays any
// missed events when resuming. Registration happens before catch-up so no
// event falls between the replayed page and the live stream: an event
// arriving during replay is buffered on the subscription channel.
func (s *Service) Subscribe(ctx context.Context, id auth.Identity, req SubscribeRequest) (*Subscription, []backbone.StoredEvent, error) {
	if !envelope.ValidTopic(req.Topic) {
		return nil, nil, fmt.Errorf("%w: %q", envelope.ErrUnknownTopic, req.Topic)
	}

	sub := s.manager.Subscribe(ctx, Filter{
		Topic:           req.Topic,
		TenantID:        id.TenantID,
		EventTypePrefix: req.EventTypePrefix,
		AgentID:         id.AgentID,
		QueueGroup:      req.QueueGroup,
	})

	var missed []backbone.StoredEvent
	if req.LastEventID != "" {
		var err error
		missed, err = s.catchup(ctx, sub.Filter, req.LastEventID)
		if err != nil {
			s.manager.Unsubscribe(sub.ID)
			return nil, nil, err
		}
	}
	return sub, missed, nil
}

// catchup replays events after lastEventID that the subscription filter
// matches. Queue-group members do not replay: their missed deliveries are
// unacked claims handled by the redelivery sweeper.
func (s *Service) catchup(ctx context.Context, f Filter, lastEventID string) ([]backbone.StoredEvent, error) {
	if f.QueueGroup != "" {
		return nil, nil
	}

	sinceSeq, err := s.store.SeqForEventID(ctx, lastEventID)
	if errors.Is(err, backbone.ErrNotFound) {
		// Resume point aged out of the log; stream from now.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var missed []backbone.StoredEvent
	for {
		page, err := s.store.EventsSince(ctx, f.Topic, sinceSeq, catchupBatch)
		if err != nil {
			return nil, err
		}
		for _, stored := range page {
			if stored.Envelope.AssignedTo != "" && stored.Envelope.AssignedTo != f.AgentID {
				continue
			}
			if f.Matches(stored.Envelope) {
				missed = append(missed, stored)
			}
		}
		if len(page) < catchupBatch {
			return missed, nil
		}
		sinceSeq = page[len(page)-1].Seq
	}
}

// Unsubscribe tears down a subscription when its stream closes.
func (s *Service) Unsubscribe(subscriptionID string) {
	s.manager.Unsubscribe(subscriptionID)
}

// Ack acknowledges a queue-group delivery. The subscription must be live on
// this pod; acks for broadcast subscriptions are accepted and ignored since
// nothing tracks them.
func (s *Service) Ack(ctx context.Context, id auth.Identity, subscriptionID, eventID string) error {
	sub, ok := s.manager.Get(subscriptionID)
	if !ok {
		return ErrSubscriptionNotFound
	}
	if sub.Filter.TenantID != id.TenantID {
		return ErrSubscriptionNotFound
	}
	if sub.Filter.QueueGroup == "" {
		return nil
	}

	acked, err := s.store.Ack(ctx, sub.Filter.QueueGroup, eventID)
	if err != nil {
		return err
	}
	if !acked {
		// Already acked or redelivery raced; idempotent either way.
		slog.Debug("Ack was a no-op", "event_id", eventID, "queue_group", sub.Filter.QueueGroup)
	}
	return nil
}
