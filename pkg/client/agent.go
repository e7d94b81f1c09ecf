package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/registry"
)

// HandlerFunc processes one envelope. A returned error becomes a failure
// response when the envelope expects one, and a dead letter otherwise.
type HandlerFunc func(ctx context.Context, platform *PlatformContext, env *envelope.Envelope) error

// handlerKey binds a handler to exactly one (topic, event type).
type handlerKey struct {
	topic     envelope.Topic
	eventType string
}

type handlerEntry struct {
	fn          HandlerFunc
	queueGroup  string
	maxInFlight int64
}

// HandlerOption configures one handler registration.
type HandlerOption func(*handlerEntry)

// WithQueueGroup makes the handler a competing consumer in group g.
func WithQueueGroup(g string) HandlerOption {
	return func(e *handlerEntry) { e.queueGroup = g }
}

// WithMaxInFlight opts into n concurrent handler invocations. The default
// is one at a time.
func WithMaxInFlight(n int) HandlerOption {
	return func(e *handlerEntry) {
		if n > 0 {
			e.maxInFlight = int64(n)
		}
	}
}

// Agent is the runtime that connects registered handlers to the platform:
// it registers the agent, heartbeats, subscribes, and dispatches envelopes
// one at a time per subscription unless a handler opts into concurrency.
type Agent struct {
	def      *registry.AgentDefinition
	platform *PlatformContext

	// Handler table: written during construction, read-mostly afterwards.
	mu       sync.RWMutex
	handlers map[handlerKey]*handlerEntry
}

// NewAgent creates an agent runtime over the given platform handles.
func NewAgent(def *registry.AgentDefinition, platform *PlatformContext) *Agent {
	return &Agent{
		def:      def,
		platform: platform,
		handlers: make(map[handlerKey]*handlerEntry),
	}
}

// Handle binds fn to envelopes of the given event type on a topic.
// Registration happens before Run; re-binding a key replaces the handler.
func (a *Agent) Handle(topic envelope.Topic, eventType string, fn HandlerFunc, opts ...HandlerOption) {
	entry := &handlerEntry{fn: fn, maxInFlight: 1}
	for _, opt := range opts {
		opt(entry)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[handlerKey{topic: topic, eventType: eventType}] = entry
}

func (a *Agent) lookup(topic envelope.Topic, eventType string) (*handlerEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.handlers[handlerKey{topic: topic, eventType: eventType}]
	return entry, ok
}

// subscriptionSpec is one stream the agent maintains: all handlers on the
// same (topic, queue group) share it.
type subscriptionSpec struct {
	topic       envelope.Topic
	queueGroup  string
	maxInFlight int64
}

func (a *Agent) subscriptionSpecs() []subscriptionSpec {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[string]*subscriptionSpec)
	var specs []subscriptionSpec
	for key, entry := range a.handlers {
		id := string(key.topic) + "/" + entry.queueGroup
		if spec, ok := seen[id]; ok {
			if entry.maxInFlight > spec.maxInFlight {
				spec.maxInFlight = entry.maxInFlight
			}
			continue
		}
		spec := &subscriptionSpec{
			topic:       key.topic,
			queueGroup:  entry.queueGroup,
			maxInFlight: entry.maxInFlight,
		}
		seen[id] = spec
		specs = append(specs, *spec)
	}
	// maxInFlight may have been raised after append; rebuild from the map.
	specs = specs[:0]
	for _, spec := range seen {
		specs = append(specs, *spec)
	}
	return specs
}

// Run registers the agent, starts the heartbeat loop, and consumes every
// subscribed topic until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.platform.Registry.Register(ctx, a.def); err != nil {
		return fmt.Errorf("failed to register agent %s: %w", a.def.ID(), err)
	}
	slog.Info("Agent registered", "agent_id", a.def.ID())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := HeartbeatLoop(ctx, a.platform.Registry, a.def)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	for _, spec := range a.subscriptionSpecs() {
		g.Go(func() error {
			return a.consume(ctx, spec)
		})
	}
	return g.Wait()
}

// consume maintains one subscription, resubscribing with backoff after
// stream failures and resuming from the last seen event.
func (a *Agent) consume(ctx context.Context, spec subscriptionSpec) error {
	sem := semaphore.NewWeighted(spec.maxInFlight)
	lastEventID := ""
	backoff := time.Second

	for {
		stream, err := a.platform.Bus.Subscribe(ctx, SubscribeOptions{
			Topic:       spec.topic,
			QueueGroup:  spec.queueGroup,
			LastEventID: lastEventID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Subscribe failed, retrying",
				"topic", spec.topic, "queue_group", spec.queueGroup, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for delivery := range stream.Events() {
			lastEventID = delivery.Envelope.EventID

			if err := sem.Acquire(ctx, 1); err != nil {
				stream.Close()
				return nil
			}
			go func() {
				defer sem.Release(1)
				a.dispatch(ctx, delivery, spec.queueGroup)
			}()
		}

		if ctx.Err() != nil {
			return nil
		}
		if err := stream.Err(); err != nil {
			slog.Warn("Stream ended, resubscribing",
				"topic", spec.topic, "queue_group", spec.queueGroup, "error", err)
		}
	}
}

// dispatch runs the handler for one delivery, converting handler failures
// into data-plane responses, and acks queue-group deliveries whatever the
// handler outcome. An event type without a handler is acked and dropped.
func (a *Agent) dispatch(ctx context.Context, delivery Delivery, queueGroup string) {
	env := delivery.Envelope
	defer func() {
		if queueGroup == "" {
			return
		}
		if err := a.platform.Bus.Ack(ctx, delivery.SubscriptionID, env.EventID); err != nil {
			slog.Warn("Ack failed", "event_id", env.EventID, "error", err)
		}
	}()

	entry, ok := a.lookup(env.Topic, env.EventType)
	if !ok {
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := entry.fn(handlerCtx, a.platform, env); err != nil {
		a.reportFailure(ctx, env, err)
	}
}

// reportFailure publishes the failure where the requester will see it: as a
// success=false response when the envelope asked for one, to dead-letter
// otherwise.
func (a *Agent) reportFailure(ctx context.Context, env *envelope.Envelope, handlerErr error) {
	slog.Error("Handler failed",
		"agent_id", a.def.ID(),
		"event_type", env.EventType,
		"event_id", env.EventID,
		"error", handlerErr)

	if env.ResponseEvent != "" {
		payload, _ := json.Marshal(map[string]any{
			"success": false,
			"error":   handlerErr.Error(),
		})
		response, err := envelope.NewResponse(env, payload)
		if err == nil {
			if _, err := a.platform.Bus.Publish(ctx, response); err != nil {
				slog.Error("Failed to publish failure response", "event_id", env.EventID, "error", err)
			}
			return
		}
	}

	dl, err := envelope.NewDeadLetter(env, handlerErr.Error())
	if err != nil {
		slog.Error("Failed to build dead letter", "event_id", env.EventID, "error", err)
		return
	}
	if _, err := a.platform.Bus.Publish(ctx, dl); err != nil {
		slog.Error("Failed to publish dead letter", "event_id", env.EventID, "error", err)
	}
}
