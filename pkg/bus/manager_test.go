package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

func testEnvelope(tenantID, eventType string, topic envelope.Topic) *envelope.Envelope {
	env := &envelope.Envelope{
		EventType: eventType,
		Topic:     topic,
		TenantID:  tenantID,
		Data:      json.RawMessage(`{}`),
	}
	env.Normalize()
	return env
}

func recv(t *testing.T, sub *Subscription) backbone.StoredEvent {
	t.Helper()
	select {
	case stored := <-sub.Events():
		return stored
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return backbone.StoredEvent{}
	}
}

func assertNoDelivery(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case stored := <-sub.Events():
		t.Fatalf("unexpected delivery: %s", stored.Envelope.EventID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterMatches(t *testing.T) {
	f := Filter{Topic: envelope.TopicActionRequests, TenantID: "t1", EventTypePrefix: "search."}

	assert.True(t, f.Matches(testEnvelope("t1", "search.web.requested", envelope.TopicActionRequests)))
	assert.False(t, f.Matches(testEnvelope("t1", "scrape.page.requested", envelope.TopicActionRequests)))
	assert.False(t, f.Matches(testEnvelope("t2", "search.web.requested", envelope.TopicActionRequests)))
	assert.False(t, f.Matches(testEnvelope("t1", "search.web.requested", envelope.TopicActionResults)))

	open := Filter{Topic: envelope.TopicActionRequests, TenantID: "t1"}
	assert.True(t, open.Matches(testEnvelope("t1", "anything.at.all", envelope.TopicActionRequests)))
}

func TestBroadcastDelivery(t *testing.T) {
	m := NewManager(nil, "pod-1")

	a := m.Subscribe(t.Context(), Filter{Topic: envelope.TopicBusinessFacts, TenantID: "t1"})
	b := m.Subscribe(t.Context(), Filter{Topic: envelope.TopicBusinessFacts, TenantID: "t1"})
	other := m.Subscribe(t.Context(), Filter{Topic: envelope.TopicBusinessFacts, TenantID: "t2"})

	env := testEnvelope("t1", "order.created", envelope.TopicBusinessFacts)
	m.Deliver(t.Context(), &backbone.StoredEvent{Seq: 1, Envelope: env})

	assert.Equal(t, env.EventID, recv(t, a).Envelope.EventID)
	assert.Equal(t, env.EventID, recv(t, b).Envelope.EventID)
	assertNoDelivery(t, other)
}

func TestAssignedToDirectDelivery(t *testing.T) {
	m := NewManager(nil, "pod-1")

	target := m.Subscribe(t.Context(), Filter{
		Topic: envelope.TopicActionRequests, TenantID: "t1", AgentID: "worker:1.0.0",
	})
	bystander := m.Subscribe(t.Context(), Filter{
		Topic: envelope.TopicActionRequests, TenantID: "t1", AgentID: "other:1.0.0",
	})
	// Queue-group members are also bypassed: no claim is taken for a
	// directly assigned event.
	grouped := m.Subscribe(t.Context(), Filter{
		Topic: envelope.TopicActionRequests, TenantID: "t1", AgentID: "worker:2.0.0", QueueGroup: "workers",
	})

	env := testEnvelope("t1", "task.assigned", envelope.TopicActionRequests)
	env.ResponseEvent = "task.done"
	env.AssignedTo = "worker:1.0.0"
	m.Deliver(t.Context(), &backbone.StoredEvent{Seq: 7, Envelope: env})

	assert.Equal(t, env.EventID, recv(t, target).Envelope.EventID)
	assertNoDelivery(t, bystander)
	assertNoDelivery(t, grouped)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewManager(nil, "pod-1")

	sub := m.Subscribe(t.Context(), Filter{Topic: envelope.TopicBusinessFacts, TenantID: "t1"})
	require.Equal(t, 1, m.ActiveSubscriptions())

	m.Unsubscribe(sub.ID)
	assert.Equal(t, 0, m.ActiveSubscriptions())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription context not cancelled")
	}

	env := testEnvelope("t1", "order.created", envelope.TopicBusinessFacts)
	m.Deliver(t.Context(), &backbone.StoredEvent{Seq: 2, Envelope: env})
	assertNoDelivery(t, sub)
}

func TestRoundRobinAcrossGroupMembers(t *testing.T) {
	m := NewManager(nil, "pod-1")

	subs := []*Subscription{
		m.Subscribe(t.Context(), Filter{Topic: envelope.TopicActionRequests, TenantID: "t1", QueueGroup: "g"}),
		m.Subscribe(t.Context(), Filter{Topic: envelope.TopicActionRequests, TenantID: "t1", QueueGroup: "g"}),
		m.Subscribe(t.Context(), Filter{Topic: envelope.TopicActionRequests, TenantID: "t1", QueueGroup: "g"}),
	}

	seen := make(map[string]int)
	for range 6 {
		env := testEnvelope("t1", "task.requested", envelope.TopicActionRequests)
		_, groups := m.matchLocal(env)
		member := m.pickMember(env.Topic, "g", groups["g"])
		seen[member.ID]++
	}

	for _, sub := range subs {
		assert.Equal(t, 2, seen[sub.ID], "round-robin should spread evenly")
	}
}

func TestDispatchDecodesInlineEnvelope(t *testing.T) {
	m := NewManager(nil, "pod-1")
	sub := m.Subscribe(t.Context(), Filter{Topic: envelope.TopicBusinessFacts, TenantID: "t1"})

	env := testEnvelope("t1", "order.created", envelope.TopicBusinessFacts)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	m.Dispatch(envelope.TopicBusinessFacts, backbone.Notification{
		Seq:      42,
		EventID:  env.EventID,
		Topic:    string(env.Topic),
		Envelope: raw,
	})

	stored := recv(t, sub)
	assert.Equal(t, int64(42), stored.Seq)
	assert.Equal(t, env.EventID, stored.Envelope.EventID)
}
