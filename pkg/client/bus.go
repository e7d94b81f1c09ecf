package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// Bus is the event-transport capability agents program against.
type Bus interface {
	Publish(ctx context.Context, env *envelope.Envelope) (*PublishResult, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Stream, error)
	Ack(ctx context.Context, subscriptionID, eventID string) error
}

// PublishResult is the bus's acknowledgment of a stored envelope.
type PublishResult struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
	TraceID       string `json:"trace_id"`
	Seq           int64  `json:"seq"`
}

// SubscribeOptions select what a stream receives.
type SubscribeOptions struct {
	Topic           envelope.Topic
	EventTypePrefix string
	QueueGroup      string
	// LastEventID resumes after a previously received event.
	LastEventID string
}

// Delivery is one envelope received on a stream.
type Delivery struct {
	Envelope *envelope.Envelope
	// SubscriptionID to use when acking this delivery.
	SubscriptionID string
}

// Stream is a live SSE subscription. Deliveries arrive on Events until the
// stream fails or the context is cancelled, after which Err reports why.
type Stream struct {
	subscriptionID string
	events         chan Delivery
	cancel         context.CancelFunc
	err            error
	done           chan struct{}
}

// SubscriptionID identifies this stream for acks.
func (s *Stream) SubscriptionID() string {
	return s.subscriptionID
}

// Events is the delivery channel; closed when the stream ends.
func (s *Stream) Events() <-chan Delivery {
	return s.events
}

// Err reports why the stream ended. Valid after Events is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears the stream down.
func (s *Stream) Close() {
	s.cancel()
}

// BusClient talks to the Event Bus service.
type BusClient struct {
	httpAPI
}

// NewBusClient creates a bus client.
func NewBusClient(baseURL string, creds Credentials) *BusClient {
	return &BusClient{httpAPI: newHTTPAPI(baseURL, creds)}
}

// Publish stores an envelope on the bus.
func (b *BusClient) Publish(ctx context.Context, env *envelope.Envelope) (*PublishResult, error) {
	var result PublishResult
	if err := b.doJSON(ctx, http.MethodPost, "/v1/events", env, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ack acknowledges a queue-group delivery.
func (b *BusClient) Ack(ctx context.Context, subscriptionID, eventID string) error {
	return b.doJSON(ctx, http.MethodPost, "/v1/events/ack", map[string]string{
		"subscription_id": subscriptionID,
		"event_id":        eventID,
	}, nil)
}

// Subscribe opens an SSE stream. The call returns once the server has
// confirmed the subscription; deliveries then flow on the stream's channel
// from a reader goroutine.
func (b *BusClient) Subscribe(ctx context.Context, opts SubscribeOptions) (*Stream, error) {
	q := url.Values{}
	q.Set("topic", string(opts.Topic))
	if opts.EventTypePrefix != "" {
		q.Set("event_type_prefix", opts.EventTypePrefix)
	}
	if opts.QueueGroup != "" {
		q.Set("queue_group", opts.QueueGroup)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		b.baseURL+"/v1/events/stream?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}
	b.creds.apply(req)

	// No client timeout: the stream lives until cancelled.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := statusError(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	reader := bufio.NewReader(resp.Body)
	opened, err := readSSEFrame(reader)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("failed to read subscription handshake: %w", err)
	}
	var handshake struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := json.Unmarshal([]byte(opened.data), &handshake); err != nil || handshake.SubscriptionID == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("malformed subscription handshake: %q", opened.data)
	}

	stream := &Stream{
		subscriptionID: handshake.SubscriptionID,
		events:         make(chan Delivery, 16),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go stream.readLoop(streamCtx, resp, reader)
	return stream, nil
}

func (s *Stream) readLoop(ctx context.Context, resp *http.Response, reader *bufio.Reader) {
	defer resp.Body.Close()
	defer close(s.events)
	defer close(s.done)

	for {
		frame, err := readSSEFrame(reader)
		if err != nil {
			if ctx.Err() == nil {
				s.err = fmt.Errorf("stream read failed: %w", err)
			}
			return
		}

		var env envelope.Envelope
		if err := json.Unmarshal([]byte(frame.data), &env); err != nil {
			s.err = fmt.Errorf("malformed envelope on stream: %w", err)
			return
		}

		select {
		case s.events <- Delivery{Envelope: &env, SubscriptionID: s.subscriptionID}:
		case <-ctx.Done():
			return
		}
	}
}

type sseFrame struct {
	event string
	id    string
	data  string
}

// readSSEFrame parses one server-sent event, skipping comments and
// keepalives.
func readSSEFrame(reader *bufio.Reader) (*sseFrame, error) {
	var frame sseFrame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if frame.data != "" {
				return &frame, nil
			}
			frame = sseFrame{}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event: "):
			frame.event = line[len("event: "):]
		case strings.HasPrefix(line, "id: "):
			frame.id = line[len("id: "):]
		case strings.HasPrefix(line, "data: "):
			if frame.data != "" {
				frame.data += "\n"
			}
			frame.data += line[len("data: "):]
		}
	}
}

// PublishWithRetry publishes with exponential backoff while the bus reports
// itself unavailable. Envelope validation failures are returned immediately.
func (b *BusClient) PublishWithRetry(ctx context.Context, env *envelope.Envelope, maxAttempts int) (*PublishResult, error) {
	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := b.Publish(ctx, env)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("publish failed after %d attempts: %w", maxAttempts, lastErr)
}

func isRetryable(err error) bool {
	return err != nil && !isTerminal(err)
}

func isTerminal(err error) bool {
	for _, terminal := range []error{ErrBadRequest, ErrForbidden, ErrNotFound} {
		if errors.Is(err, terminal) {
			return true
		}
	}
	return false
}
