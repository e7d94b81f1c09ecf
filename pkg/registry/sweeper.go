package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig controls TTL expiry of silent agents.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Grace is how long an expired record lingers before deletion, giving
	// operators a window to observe the expiry.
	Grace time.Duration
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 10 * time.Second,
		Grace:    5 * time.Minute,
	}
}

// Sweeper expires agents whose heartbeat went silent past their TTL and
// deletes them after the grace window, announcing each expiry.
type Sweeper struct {
	config  SweeperConfig
	service *Service

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper creates a TTL sweeper.
func NewSweeper(config SweeperConfig, service *Service) *Sweeper {
	return &Sweeper{
		config:  config,
		service: service,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	slog.Info("TTL sweeper started", "interval", s.config.Interval, "grace", s.config.Grace)
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
				slog.Error("TTL sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one expiry pass: mark stale agents expired, then delete the
// ones whose grace window has passed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	expired, err := s.service.storage.ExpireStale(ctx)
	if err != nil {
		return err
	}
	for _, agentID := range expired {
		s.service.announce(ctx, "agent.expired", "", map[string]any{"agent_id": agentID})
		slog.Warn("Agent expired", "agent_id", agentID)
	}

	deleted, err := s.service.storage.DeleteExpiredBefore(ctx, s.config.Grace)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("Expired agents removed", "count", deleted)
	}
	return nil
}
