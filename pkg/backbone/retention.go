package backbone

import (
	"context"
	"log/slog"
	"time"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// RetentionConfig controls time-based retention of the per-topic logs.
type RetentionConfig struct {
	// DefaultTTL is the retention window for topics without an override.
	DefaultTTL time.Duration

	// TopicTTL overrides retention per topic. Whether business-facts is a
	// durable domain log or a transient announcement channel is an operator
	// decision, made here.
	TopicTTL map[envelope.Topic]time.Duration

	// Interval is how often the retention loop runs.
	Interval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults. The audit
// topic is kept longer; dead-letter entries are kept long enough for manual
// inspection.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		DefaultTTL: 24 * time.Hour,
		TopicTTL: map[envelope.Topic]time.Duration{
			envelope.TopicAudit:      30 * 24 * time.Hour,
			envelope.TopicDeadLetter: 7 * 24 * time.Hour,
		},
		Interval: time.Hour,
	}
}

// TTLFor returns the retention window for a topic.
func (c RetentionConfig) TTLFor(topic envelope.Topic) time.Duration {
	if ttl, ok := c.TopicTTL[topic]; ok {
		return ttl
	}
	return c.DefaultTTL
}

// Retention periodically deletes log entries past their topic's retention
// window. Deletes are idempotent and safe to run from multiple pods.
type Retention struct {
	config RetentionConfig
	store  *Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetention creates the retention loop.
func NewRetention(cfg RetentionConfig, store *Store) *Retention {
	return &Retention{config: cfg, store: store}
}

// Start launches the background retention loop.
func (r *Retention) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Backbone retention started",
		"default_ttl", r.config.DefaultTTL,
		"interval", r.config.Interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Retention) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Backbone retention stopped")
}

func (r *Retention) run(ctx context.Context) {
	defer close(r.done)

	r.sweep(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx context.Context) {
	for _, topic := range envelope.AllTopics() {
		count, err := r.store.DeleteExpired(ctx, topic, r.config.TTLFor(topic))
		if err != nil {
			slog.Error("Retention: delete failed", "topic", topic, "error", err)
			continue
		}
		if count > 0 {
			slog.Info("Retention: deleted expired events", "topic", topic, "count", count)
		}
	}
}
