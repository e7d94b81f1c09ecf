package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

// SweeperConfig controls redelivery of unacked queue-group claims.
type SweeperConfig struct {
	// AckTimeout is how long a claim may sit unacked before redelivery.
	AckTimeout time.Duration
	// MaxAttempts caps deliveries per claim; past it the event is
	// dead-lettered and the claim discarded.
	MaxAttempts int
	// Interval between sweeps.
	Interval time.Duration
	// BatchSize bounds stalled claims processed per sweep.
	BatchSize int
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		AckTimeout:  30 * time.Second,
		MaxAttempts: 5,
		Interval:    10 * time.Second,
		BatchSize:   100,
	}
}

// Sweeper periodically redelivers stalled queue-group claims and
// dead-letters events that exhaust their attempts. Every bus pod runs one;
// the claim row serializes which pod's redelivery sticks.
type Sweeper struct {
	config    SweeperConfig
	store     *backbone.Store
	publisher *backbone.Publisher
	manager   *Manager
	podID     string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper creates a redelivery sweeper.
func NewSweeper(config SweeperConfig, store *backbone.Store, publisher *backbone.Publisher, manager *Manager, podID string) *Sweeper {
	return &Sweeper{
		config:    config,
		store:     store,
		publisher: publisher,
		manager:   manager,
		podID:     podID,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	slog.Info("Redelivery sweeper started",
		"ack_timeout", s.config.AckTimeout,
		"max_attempts", s.config.MaxAttempts,
		"interval", s.config.Interval)
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Redelivery sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes one batch of stalled claims.
func (s *Sweeper) Sweep(ctx context.Context) error {
	stalled, err := s.store.StalledClaims(ctx, s.config.AckTimeout, s.config.BatchSize)
	if err != nil {
		return err
	}

	for _, sc := range stalled {
		if sc.Attempts >= s.config.MaxAttempts {
			s.deadLetter(ctx, sc)
			continue
		}

		// Redeliver locally when a group member is connected here;
		// otherwise leave the claim for a pod that has one.
		if !s.manager.Redeliver(sc) {
			continue
		}
		if _, err := s.store.BumpAttempt(ctx, sc.QueueGroup, sc.EventSeq, s.podID); err != nil {
			slog.Error("Failed to record redelivery attempt",
				"queue_group", sc.QueueGroup, "seq", sc.EventSeq, "error", err)
			continue
		}
		slog.Info("Event redelivered",
			"event_id", sc.Event.Envelope.EventID,
			"queue_group", sc.QueueGroup,
			"attempt", sc.Attempts+1)
	}
	return nil
}

// deadLetter publishes a failure record for an exhausted claim and discards
// the claim so it is never retried again.
func (s *Sweeper) deadLetter(ctx context.Context, sc backbone.StalledClaim) {
	original := sc.Event.Envelope

	// Dead-lettering a dead letter would loop forever; just discard.
	if original.Topic != envelope.TopicDeadLetter {
		dl, err := envelope.NewDeadLetter(original, "max delivery attempts exceeded")
		if err != nil {
			slog.Error("Failed to build dead letter", "event_id", original.EventID, "error", err)
			return
		}
		if _, err := s.publisher.Publish(ctx, dl); err != nil {
			slog.Error("Failed to publish dead letter", "event_id", original.EventID, "error", err)
			return
		}
	}

	if err := s.store.Discard(ctx, sc.QueueGroup, sc.EventSeq); err != nil {
		slog.Error("Failed to discard exhausted claim",
			"queue_group", sc.QueueGroup, "seq", sc.EventSeq, "error", err)
		return
	}
	slog.Warn("Event dead-lettered",
		"event_id", original.EventID,
		"event_type", original.EventType,
		"queue_group", sc.QueueGroup,
		"attempts", sc.Attempts)
}
