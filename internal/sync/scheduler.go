package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler runs periodic sync cycles against a Coordinator.
type Scheduler struct {
	coordinator *Coordinator
	interval    time.Duration
}

// NewScheduler creates a scheduler that triggers a full cycle every
// interval.
func NewScheduler(coordinator *Coordinator, interval time.Duration) *Scheduler {
	return &Scheduler{coordinator: coordinator, interval: interval}
}

// Run starts the scheduler loop. A cycle fires immediately on start, then
// on every tick. Cycle failures are logged and the loop keeps going; the
// next tick retries from the last durable checkpoints.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-scheduler",
		"action", "worker_started",
		"interval", s.interval,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.coordinator.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncRunning):
		slog.Info("sync cycle skipped",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", "cycle_skipped",
			"reason", "already_running",
		)
	case ctx.Err() != nil:
		// Graceful shutdown, the failure is the cancellation itself.
	default:
		slog.Warn("scheduled sync cycle failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", "cycle_failed",
			"error", err,
		)
	}
}
