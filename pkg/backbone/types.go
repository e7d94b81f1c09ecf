// Package backbone implements the durable message backbone over PostgreSQL:
// a per-topic append-only log published with transactional NOTIFY, consumed
// via a dedicated LISTEN connection, with queue-group claims arbitrated in
// the database so competing consumers on different pods never double-handle
// an event.
package backbone

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// ErrUnavailable is returned when the backbone transport is down. Callers
// retry publishes with exponential backoff.
var ErrUnavailable = errors.New("backbone unavailable")

// StoredEvent is an envelope together with its backbone offset.
type StoredEvent struct {
	Seq      int64
	Envelope *envelope.Envelope
}

// Notification is the NOTIFY payload broadcast on a topic channel. Payloads
// that exceed the NOTIFY size limit are truncated to routing fields only;
// receivers fetch the full envelope from the log by seq.
type Notification struct {
	Seq       int64  `json:"seq"`
	EventID   string `json:"event_id"`
	Topic     string `json:"topic"`
	Truncated bool   `json:"truncated,omitempty"`

	Envelope json.RawMessage `json:"envelope,omitempty"`
}

// Claim is an in-flight queue-group delivery.
type Claim struct {
	QueueGroup string
	EventSeq   int64
	Topic      string
	ClaimedBy  string
	ClaimedAt  time.Time
	Attempts   int
}

// ChannelForTopic maps a topic to its NOTIFY channel name. Hyphens are not
// valid in unquoted identifiers, so they are folded to underscores.
func ChannelForTopic(topic envelope.Topic) string {
	return "bus_topic_" + strings.ReplaceAll(string(topic), "-", "_")
}

// TopicForChannel inverts ChannelForTopic.
func TopicForChannel(channel string) (envelope.Topic, error) {
	name, ok := strings.CutPrefix(channel, "bus_topic_")
	if !ok {
		return "", fmt.Errorf("not a topic channel: %q", channel)
	}
	topic := envelope.Topic(strings.ReplaceAll(name, "_", "-"))
	if !envelope.ValidTopic(topic) {
		return "", fmt.Errorf("channel %q does not name a topic", channel)
	}
	return topic, nil
}
