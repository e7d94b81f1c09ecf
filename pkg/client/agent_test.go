package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/registry"
)

func testAgent(platform *PlatformContext) *Agent {
	return NewAgent(&registry.AgentDefinition{Name: "worker", Version: "1.0.0"}, platform)
}

func TestHandlerDispatch(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	agent := testAgent(platform)

	var got *envelope.Envelope
	agent.Handle(envelope.TopicActionRequests, "order.fulfill.requested",
		func(_ context.Context, _ *PlatformContext, env *envelope.Envelope) error {
			got = env
			return nil
		})

	req := fulfillRequest()
	agent.dispatch(context.Background(), Delivery{Envelope: req, SubscriptionID: "sub-1"}, "")
	require.NotNil(t, got)
	assert.Equal(t, req.EventID, got.EventID)
}

func TestDispatchAcksQueueGroupDeliveries(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	agent := testAgent(platform)
	agent.Handle(envelope.TopicActionRequests, "order.fulfill.requested",
		func(context.Context, *PlatformContext, *envelope.Envelope) error { return nil },
		WithQueueGroup("workers"))

	req := fulfillRequest()
	agent.dispatch(context.Background(), Delivery{Envelope: req, SubscriptionID: "sub-1"}, "workers")
	assert.Equal(t, []string{req.EventID}, bus.acked)
}

func TestDispatchUnhandledEventIsAckedAndDropped(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	agent := testAgent(platform)

	req := fulfillRequest()
	agent.dispatch(context.Background(), Delivery{Envelope: req, SubscriptionID: "sub-1"}, "workers")
	assert.Equal(t, []string{req.EventID}, bus.acked)
	assert.Empty(t, bus.events())
}

func TestHandlerErrorBecomesFailureResponse(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	agent := testAgent(platform)
	agent.Handle(envelope.TopicActionRequests, "order.fulfill.requested",
		func(context.Context, *PlatformContext, *envelope.Envelope) error {
			return errors.New("inventory unavailable")
		})

	req := fulfillRequest()
	agent.dispatch(context.Background(), Delivery{Envelope: req, SubscriptionID: "sub-1"}, "")

	events := bus.events()
	require.Len(t, events, 1)
	response := events[0]
	assert.Equal(t, "order.fulfill.done", response.EventType)
	assert.Equal(t, envelope.TopicActionResults, response.Topic)
	assert.Equal(t, req.CorrelationID, response.CorrelationID)

	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(response.Data, &payload))
	assert.False(t, payload.Success)
	assert.Equal(t, "inventory unavailable", payload.Error)
}

func TestHandlerErrorWithoutResponseEventDeadLetters(t *testing.T) {
	platform, bus, _, _ := newFakePlatform()
	agent := testAgent(platform)
	agent.Handle(envelope.TopicBusinessFacts, "order.created",
		func(context.Context, *PlatformContext, *envelope.Envelope) error {
			return errors.New("downstream rejected")
		})

	fact, err := envelope.NewAnnouncement("acme", "order.created", envelope.TopicBusinessFacts, nil)
	require.NoError(t, err)
	agent.dispatch(context.Background(), Delivery{Envelope: fact, SubscriptionID: "sub-1"}, "")

	events := bus.events()
	require.Len(t, events, 1)
	dl := events[0]
	assert.Equal(t, envelope.TopicDeadLetter, dl.Topic)
	assert.Equal(t, "bus.delivery.failed", dl.EventType)
	assert.Equal(t, fact.EventID, dl.ParentEventID)
}

func TestSubscriptionSpecsGrouping(t *testing.T) {
	platform, _, _, _ := newFakePlatform()
	agent := testAgent(platform)

	noop := func(context.Context, *PlatformContext, *envelope.Envelope) error { return nil }
	agent.Handle(envelope.TopicActionRequests, "a.requested", noop, WithQueueGroup("workers"))
	agent.Handle(envelope.TopicActionRequests, "b.requested", noop, WithQueueGroup("workers"), WithMaxInFlight(4))
	agent.Handle(envelope.TopicBusinessFacts, "order.created", noop)

	specs := agent.subscriptionSpecs()
	require.Len(t, specs, 2)

	byKey := make(map[string]subscriptionSpec)
	for _, spec := range specs {
		byKey[string(spec.topic)+"/"+spec.queueGroup] = spec
	}

	workers := byKey[string(envelope.TopicActionRequests)+"/workers"]
	assert.Equal(t, int64(4), workers.maxInFlight, "group takes the widest opt-in")

	broadcast := byKey[string(envelope.TopicBusinessFacts)+"/"]
	assert.Equal(t, int64(1), broadcast.maxInFlight)
}
