package backbone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// Dispatcher receives decoded notifications from the listener. Implemented
// by the bus subscription manager.
type Dispatcher interface {
	Dispatch(topic envelope.Topic, n Notification)
}

// Listener holds a dedicated PostgreSQL connection LISTENing on every topic
// channel and dispatches incoming notifications. The topic set is fixed, so
// all channels are subscribed at start and re-subscribed after reconnect.
type Listener struct {
	connString string
	dispatcher Dispatcher

	conn   *pgx.Conn
	connMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a listener. Start must be called before notifications
// flow.
func NewListener(connString string, dispatcher Dispatcher) *Listener {
	return &Listener{connString: connString, dispatcher: dispatcher}
}

// Start establishes the LISTEN connection, subscribes to all topic channels,
// and begins the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if err := listenAllTopics(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return err
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Backbone listener started", "channels", len(envelope.AllTopics()))
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection. Safe to call after a failed Start.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

func listenAllTopics(ctx context.Context, conn *pgx.Conn) error {
	for _, topic := range envelope.AllTopics() {
		channel := pgx.Identifier{ChannelForTopic(topic)}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("LISTEN %s failed: %w", channel, err)
		}
	}
	return nil
}

// receiveLoop is the sole goroutine touching the pgx connection, which
// avoids the "conn busy" race between WaitForNotification and Exec.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handleNotification(notification.Channel, notification.Payload)
	}
}

func (l *Listener) handleNotification(channel, payload string) {
	topic, err := TopicForChannel(channel)
	if err != nil {
		slog.Warn("Notification on unknown channel", "channel", channel)
		return
	}

	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		slog.Warn("Malformed notification payload", "channel", channel, "error", err)
		return
	}

	l.dispatcher.Dispatch(topic, n)
}

// reconnect re-establishes the LISTEN connection with doubling backoff and
// re-subscribes every topic channel.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if err := listenAllTopics(ctx, conn); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.conn = conn
		slog.Info("Backbone listener reconnected")
		return
	}
}
