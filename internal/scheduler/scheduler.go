// Package scheduler runs the periodic queue sweep: reclaiming timed-out
// leases, expiring past-deadline commands and pruning old records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/studiobridge/internal/events"
)

// DefaultInterval is used when no sweep interval is configured.
const DefaultInterval = 5 * time.Second

// Scheduler sweeps the queue on a ticker.
type Scheduler struct {
	interval time.Duration
	queue    QueueService
	events   *events.Hub
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(interval time.Duration, q QueueService, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		queue:    q,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one recovery sweep, for leases that timed out while the service
// was down, then begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "interval", s.interval.String())

	if err := s.sweep(ctx); err != nil {
		return fmt.Errorf("scheduler startup sweep failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep performs a single pass and publishes what it changed.
func (s *Scheduler) sweep(ctx context.Context) error {
	res, err := s.queue.Sweep(ctx)
	if err != nil {
		return err
	}

	for _, id := range res.Reclaimed {
		s.logger.Warn("Lease timed out, command requeued", "command_id", id)
		s.events.Publish(events.TypeLeaseExpired, map[string]string{"id": id})
	}
	for _, id := range res.Expired {
		s.logger.Info("Command expired before dispatch", "command_id", id)
		s.events.Publish(events.TypeExpired, map[string]string{"id": id})
	}
	if res.Pruned > 0 {
		s.logger.Info("Pruned terminal commands", "count", res.Pruned)
	}

	if depth, err := s.queue.Depth(ctx); err == nil {
		s.logger.Debug("Sweep complete", "pending", depth)
	}
	return nil
}
