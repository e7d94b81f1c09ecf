// Package bus implements the Event Bus service: envelope validation and
// publish, SSE subscription fan-out with queue-group load balancing, ack
// tracking, and dead-letter redelivery.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls further behind than this misses broadcast deliveries (it can resume
// from the log); queue-group deliveries stay unacked and are redelivered.
const subscriberBuffer = 64

// Filter restricts which envelopes a subscription receives.
type Filter struct {
	Topic           envelope.Topic
	TenantID        string
	EventTypePrefix string
	AgentID         string
	QueueGroup      string
}

// Matches reports whether env passes the subscription filter, ignoring
// assigned_to targeting (handled during dispatch).
func (f Filter) Matches(env *envelope.Envelope) bool {
	if env.Topic != f.Topic {
		return false
	}
	if env.TenantID != f.TenantID {
		return false
	}
	if f.EventTypePrefix != "" && !strings.HasPrefix(env.EventType, f.EventTypePrefix) {
		return false
	}
	return true
}

// Subscription is a single SSE consumer. Events are pushed onto ch by the
// dispatch path and drained by the HTTP streaming handler.
type Subscription struct {
	ID     string
	Filter Filter

	ch     chan backbone.StoredEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan backbone.StoredEvent {
	return s.ch
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Manager tracks live subscriptions on this pod and routes incoming backbone
// notifications to them. It implements backbone.Dispatcher.
//
// Routing rules: subscribers without a queue group get every matching
// envelope (broadcast). Subscribers sharing a queue group compete: the
// database claim decides which pod delivers, and round-robin picks the local
// member. An assigned_to envelope takes precedence over both and goes only
// to subscribers with the matching agent identity.
type Manager struct {
	store *backbone.Store
	podID string

	mu   sync.RWMutex
	subs map[string]*Subscription

	// Round-robin cursors per (topic, queue group), local to this pod.
	rrMu sync.Mutex
	rr   map[string]int
}

// NewManager creates a subscription manager.
func NewManager(store *backbone.Store, podID string) *Manager {
	return &Manager{
		store: store,
		podID: podID,
		subs:  make(map[string]*Subscription),
		rr:    make(map[string]int),
	}
}

// Subscribe registers a new subscription and returns it. The caller owns the
// returned subscription and must Unsubscribe when the stream closes.
func (m *Manager) Subscribe(parent context.Context, f Filter) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	sub := &Subscription{
		ID:     uuid.New().String(),
		Filter: f,
		ch:     make(chan backbone.StoredEvent, subscriberBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	slog.Debug("Subscription registered",
		"subscription_id", sub.ID,
		"topic", f.Topic,
		"queue_group", f.QueueGroup,
		"tenant_id", f.TenantID)
	return sub
}

// Unsubscribe removes a subscription and cancels its context.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// Get returns a live subscription by ID.
func (m *Manager) Get(id string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	return sub, ok
}

// ActiveSubscriptions returns the number of live subscriptions.
func (m *Manager) ActiveSubscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Dispatch decodes a backbone notification and routes it. Truncated
// notifications are re-fetched from the log.
func (m *Manager) Dispatch(topic envelope.Topic, n backbone.Notification) {
	var stored *backbone.StoredEvent
	if n.Truncated || len(n.Envelope) == 0 {
		fetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		stored, err = m.store.GetBySeq(fetchCtx, n.Seq)
		if err != nil {
			slog.Error("Failed to fetch truncated event", "seq", n.Seq, "error", err)
			return
		}
	} else {
		var env envelope.Envelope
		if err := json.Unmarshal(n.Envelope, &env); err != nil {
			slog.Warn("Malformed envelope in notification", "seq", n.Seq, "error", err)
			return
		}
		stored = &backbone.StoredEvent{Seq: n.Seq, Envelope: &env}
	}

	m.Deliver(context.Background(), stored)
}

// Deliver routes a stored event to the local subscriptions it matches.
func (m *Manager) Deliver(ctx context.Context, stored *backbone.StoredEvent) {
	env := stored.Envelope

	broadcast, groups := m.matchLocal(env)

	// assigned_to takes precedence: direct delivery to the named agent,
	// no group claim.
	if env.AssignedTo != "" {
		for _, sub := range append(broadcast, flatten(groups)...) {
			if sub.Filter.AgentID == env.AssignedTo {
				m.send(sub, *stored)
			}
		}
		return
	}

	for _, sub := range broadcast {
		m.send(sub, *stored)
	}

	for group, members := range groups {
		claimed, err := m.store.TryClaim(ctx, group, env.Topic, stored.Seq, m.podID)
		if err != nil {
			slog.Error("Queue-group claim failed",
				"queue_group", group, "seq", stored.Seq, "error", err)
			continue
		}
		if !claimed {
			continue // another pod owns this delivery
		}
		m.send(m.pickMember(env.Topic, group, members), *stored)
	}
}

// Redeliver pushes a stalled claim to a local member of its queue group.
// Returns false when this pod has no member to deliver to.
func (m *Manager) Redeliver(sc backbone.StalledClaim) bool {
	env := sc.Event.Envelope
	_, groups := m.matchLocal(env)
	members, ok := groups[sc.QueueGroup]
	if !ok || len(members) == 0 {
		return false
	}
	m.send(m.pickMember(env.Topic, sc.QueueGroup, members), sc.Event)
	return true
}

// matchLocal partitions matching local subscriptions into broadcast
// subscribers and queue-group members.
func (m *Manager) matchLocal(env *envelope.Envelope) (broadcast []*Subscription, groups map[string][]*Subscription) {
	groups = make(map[string][]*Subscription)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if !sub.Filter.Matches(env) {
			continue
		}
		if sub.Filter.QueueGroup == "" {
			broadcast = append(broadcast, sub)
		} else {
			groups[sub.Filter.QueueGroup] = append(groups[sub.Filter.QueueGroup], sub)
		}
	}
	return broadcast, groups
}

// pickMember round-robins among the local members of a queue group.
func (m *Manager) pickMember(topic envelope.Topic, group string, members []*Subscription) *Subscription {
	key := string(topic) + "/" + group
	m.rrMu.Lock()
	idx := m.rr[key] % len(members)
	m.rr[key] = idx + 1
	m.rrMu.Unlock()
	return members[idx]
}

// send pushes an event to a subscription without blocking the dispatch
// loop. A full buffer drops the push: broadcast subscribers resume from the
// log, queue-group deliveries stay unacked and are redelivered.
func (m *Manager) send(sub *Subscription, stored backbone.StoredEvent) {
	select {
	case sub.ch <- stored:
	case <-sub.ctx.Done():
	default:
		slog.Warn("Subscriber buffer full, dropping push",
			"subscription_id", sub.ID,
			"topic", sub.Filter.Topic,
			"seq", stored.Seq)
	}
}

func flatten(groups map[string][]*Subscription) []*Subscription {
	var out []*Subscription
	for _, members := range groups {
		out = append(out, members...)
	}
	return out
}
