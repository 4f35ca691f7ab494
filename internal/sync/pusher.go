package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/schemaver"
	"github.com/formworks/fieldsync/internal/store"
)

const defaultPushBatchSize = 50

// Pusher uploads dirty submissions in batches. Each submission keeps its
// immutable local id as the idempotency token, so replaying a batch after a
// lost acknowledgment never creates duplicates on the server.
type Pusher struct {
	store     *store.LocalStore
	client    *Client
	schemas   *schemaver.Manager
	sctx      *SyncContext
	batchSize int
}

func NewPusher(s *store.LocalStore, c *Client, schemas *schemaver.Manager, sctx *SyncContext) *Pusher {
	return &Pusher{
		store:     s,
		client:    c,
		schemas:   schemas,
		sctx:      sctx,
		batchSize: defaultPushBatchSize,
	}
}

// Push uploads all dirty submissions and applies the server's per-item
// acknowledgments. A failed batch is recorded and skipped; later batches
// still run. Items the server rejects stay dirty for the next cycle.
func (p *Pusher) Push(ctx context.Context) (*PushReport, error) {
	if err := p.schemas.EnsureCurrentCached(ctx); err != nil {
		return nil, fmt.Errorf("cache current schema versions: %w", err)
	}

	dirty, err := p.store.ListDirtySubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dirty submissions: %w", err)
	}

	report := &PushReport{Attempted: len(dirty)}
	if len(dirty) == 0 {
		return report, nil
	}

	slog.Info("push starting",
		"component", "sync",
		"action", "push",
		"dirty", len(dirty))

	for start := 0; start < len(dirty); start += p.batchSize {
		end := start + p.batchSize
		if end > len(dirty) {
			end = len(dirty)
		}
		p.pushBatch(ctx, dirty[start:end], report)
	}

	slog.Info("push finished",
		"component", "sync",
		"action", "push",
		"pushed", report.Pushed,
		"remapped", report.Remapped,
		"errors", len(report.Errors),
		"version_conflicts", len(report.VersionConflicts),
		"batch_failures", report.BatchFailures)

	return report, nil
}

func (p *Pusher) pushBatch(ctx context.Context, batch []model.Submission, report *PushReport) {
	req := model.PushRequest{Responses: make([]model.PushItem, 0, len(batch))}
	byLocalID := make(map[string]*model.Submission, len(batch))

	for i := range batch {
		sub := &batch[i]
		item, err := p.buildItem(ctx, sub)
		if err != nil {
			report.Errors = append(report.Errors, ItemError{LocalID: sub.LocalID, Message: err.Error()})
			continue
		}
		req.Responses = append(req.Responses, *item)
		byLocalID[sub.LocalID] = sub
	}
	if len(req.Responses) == 0 {
		return
	}

	resp, err := p.client.Push(ctx, req)
	if err != nil {
		report.BatchFailures++
		slog.Warn("push batch failed",
			"component", "sync",
			"action", "push",
			"items", len(req.Responses),
			"error", err)
		return
	}

	for _, res := range resp.Results {
		sub, ok := byLocalID[res.LocalID]
		if !ok {
			slog.Warn("push result for unknown submission",
				"component", "sync",
				"action", "push",
				"local_id", res.LocalID)
			continue
		}
		p.applyResult(ctx, sub, res, report)
	}
}

func (p *Pusher) buildItem(ctx context.Context, sub *model.Submission) (*model.PushItem, error) {
	w, err := p.store.GetWorkItem(ctx, sub.WorkItemID)
	if err != nil {
		return nil, fmt.Errorf("load work item %s: %w", sub.WorkItemID, err)
	}

	version := sub.SchemaVersion
	item := &model.PushItem{
		LocalID:          sub.LocalID,
		AssignmentID:     w.ID,
		TableID:          sub.TableID,
		Data:             sub.Payload,
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.UpdatedAt,
		DeviceID:         p.sctx.DeviceID,
		SubmittedVersion: &version,
	}
	// Ad hoc items carry their external id so the server can find or
	// create the canonical work item and hand back its id.
	if w.Local {
		item.ExternalID = w.ExternalID
	}
	return item, nil
}

func (p *Pusher) applyResult(ctx context.Context, sub *model.Submission, res model.PushResult, report *PushReport) {
	switch res.Status {
	case model.PushStatusSuccess:
		// The server's synced_at is the record's authoritative timestamp.
		// A success result without one is a protocol violation; the
		// submission stays dirty rather than being stamped with a local
		// clock reading.
		if res.SyncedAt == nil {
			report.Errors = append(report.Errors, ItemError{
				LocalID: sub.LocalID,
				Message: "success result missing synced_at",
			})
			return
		}
		ack := store.PushAck{
			LocalID:       sub.LocalID,
			ServerID:      res.ServerID,
			SyncedAt:      res.SyncedAt.UTC(),
			WorkItemID:    sub.WorkItemID,
			NewWorkItemID: res.NewAssignmentID,
		}
		if err := p.store.AcknowledgePush(ctx, ack); err != nil {
			report.Errors = append(report.Errors, ItemError{LocalID: sub.LocalID, Message: err.Error()})
			return
		}
		report.Pushed++
		if res.NewAssignmentID != "" && res.NewAssignmentID != sub.WorkItemID {
			report.Remapped++
			slog.Info("work item id remapped",
				"component", "sync",
				"action", "push",
				"old_id", sub.WorkItemID,
				"new_id", res.NewAssignmentID)
		}

	case model.PushStatusVersionRejected:
		report.VersionConflicts = append(report.VersionConflicts, VersionConflict{
			LocalID:         sub.LocalID,
			TableID:         sub.TableID,
			PinnedVersion:   sub.SchemaVersion,
			RequiredVersion: res.RequiredVersion,
		})
		// Fetch the required version now so the migration can run later
		// without another round trip. A fetch failure is not fatal; the
		// submission stays dirty either way.
		if res.RequiredVersion > 0 {
			p.cacheVersion(ctx, sub.TableID, res.RequiredVersion)
		}

	default:
		msg := res.Message
		if msg == "" {
			msg = "server rejected submission"
		}
		report.Errors = append(report.Errors, ItemError{LocalID: sub.LocalID, Message: msg})
	}
}

func (p *Pusher) cacheVersion(ctx context.Context, tableID string, version int) {
	if _, err := p.store.GetSchemaVersion(ctx, tableID, version); err == nil {
		return
	}
	sv, err := p.client.GetSchemaVersion(ctx, tableID, version)
	if err != nil {
		slog.Warn("required schema version fetch failed",
			"component", "sync",
			"action", "push",
			"table_id", tableID,
			"version", version,
			"error", err)
		return
	}
	if err := p.store.PutSchemaVersion(ctx, sv); err != nil {
		slog.Warn("required schema version store failed",
			"component", "sync",
			"action", "push",
			"table_id", tableID,
			"version", version,
			"error", err)
	}
}
