package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/formworks/fieldsync/internal/schemaver"
	"github.com/formworks/fieldsync/internal/store"
)

// Coordinator runs full sync cycles: push local edits first so the server
// sees them before the pull snapshot, then pull table metadata, work items
// per table, and submissions. Only one cycle runs at a time.
type Coordinator struct {
	store    *store.LocalStore
	pusher   *Pusher
	puller   *Puller
	progress ProgressFunc

	running atomic.Bool
}

func NewCoordinator(s *store.LocalStore, sctx *SyncContext) *Coordinator {
	client := NewClient(sctx)
	schemas := schemaver.New(s).WithPreview(sctx)
	return &Coordinator{
		store:  s,
		pusher: NewPusher(s, client, schemas, sctx),
		puller: NewPuller(s, client),
	}
}

// OnProgress registers a callback invoked as the cycle moves through its
// phases. Must be set before Run; not safe to change mid-cycle.
func (c *Coordinator) OnProgress(fn ProgressFunc) {
	c.progress = fn
}

// Run executes one full sync cycle and reports what happened. Returns
// ErrSyncRunning when a cycle is already in flight. A failed pull for one
// table does not abort the pulls for the others; the first error is still
// surfaced in the report.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	defer c.running.Store(false)

	start := time.Now()
	report := &Report{Phase: PhaseIdle}

	slog.Info("sync cycle starting", "component", "sync", "action", "cycle")

	c.report(PhasePushing, 0)
	push, err := c.pusher.Push(ctx)
	if err != nil {
		return c.fail(report, start, fmt.Errorf("push: %w", err))
	}
	report.Push = push

	c.report(PhasePullingMetadata, 25)
	tables, err := c.puller.PullTables(ctx)
	if err != nil {
		return c.fail(report, start, fmt.Errorf("pull tables: %w", err))
	}
	report.Pulls = append(report.Pulls, *tables)

	c.report(PhasePullingWorkItems, 50)
	known, err := c.store.ListTables(ctx)
	if err != nil {
		return c.fail(report, start, fmt.Errorf("list tables: %w", err))
	}
	var firstErr error
	for _, t := range known {
		res, err := c.puller.PullWorkItems(ctx, t.ID)
		if err != nil {
			slog.Warn("work item pull failed",
				"component", "sync",
				"action", "cycle",
				"table_id", t.ID,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("pull work items for %s: %w", t.ID, err)
			}
			continue
		}
		report.Pulls = append(report.Pulls, *res)
	}

	c.report(PhasePullingSubmissions, 75)
	subs, err := c.puller.PullSubmissions(ctx)
	if err != nil {
		return c.fail(report, start, fmt.Errorf("pull submissions: %w", err))
	}
	report.Pulls = append(report.Pulls, *subs)

	if firstErr != nil {
		return c.fail(report, start, firstErr)
	}

	c.report(PhaseIdle, 100)
	report.Duration = time.Since(start)
	slog.Info("sync cycle finished",
		"component", "sync",
		"action", "cycle",
		"duration", report.Duration,
		"pulls", len(report.Pulls))
	return report, nil
}

func (c *Coordinator) fail(report *Report, start time.Time, err error) (*Report, error) {
	report.Phase = PhaseFailed
	report.Err = err
	report.Duration = time.Since(start)
	c.report(PhaseFailed, 100)
	slog.Error("sync cycle failed",
		"component", "sync",
		"action", "cycle",
		"duration", report.Duration,
		"error", err)
	return report, err
}

func (c *Coordinator) report(phase Phase, percent int) {
	if c.progress != nil {
		c.progress(phase, percent)
	}
}
