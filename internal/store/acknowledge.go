package store

import (
	"context"
	"fmt"
	"time"

	"github.com/formworks/fieldsync/internal/model"
)

// PushAck is the server's per-item acknowledgment applied to the cache.
type PushAck struct {
	LocalID  string
	ServerID string
	SyncedAt time.Time

	// WorkItemID is the submission's current (possibly client-generated)
	// work item id; NewWorkItemID, when different, is the server-canonical
	// id to remap it to.
	WorkItemID    string
	NewWorkItemID string
}

// AcknowledgePush applies one push acknowledgment atomically: the identity
// remap of an ad hoc work item, the submission's server id and synced
// timestamp, and the work item's synced status all land in one local
// transaction, so no reader ever observes a dependent row referencing a
// stale id.
func (s *LocalStore) AcknowledgePush(ctx context.Context, ack PushAck) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return fmt.Errorf("defer foreign keys: %w", err)
	}

	workItemID := ack.WorkItemID
	if ack.NewWorkItemID != "" && ack.NewWorkItemID != ack.WorkItemID {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_items SET id = ?, is_local = 0 WHERE id = ?`,
			ack.NewWorkItemID, ack.WorkItemID); err != nil {
			return fmt.Errorf("remap work item id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE submissions SET work_item_id = ? WHERE work_item_id = ?`,
			ack.NewWorkItemID, ack.WorkItemID); err != nil {
			return fmt.Errorf("remap submission foreign keys: %w", err)
		}
		workItemID = ack.NewWorkItemID
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE submissions SET server_id = ?, synced_at = ?, dirty = 0
		WHERE local_id = ?
	`, ack.ServerID, formatTime(ack.SyncedAt), ack.LocalID)
	if err != nil {
		return fmt.Errorf("mark submission synced: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return fmt.Errorf("submission %s: %w", ack.LocalID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?
	`, string(model.StatusSynced), formatTime(ack.SyncedAt), workItemID); err != nil {
		return fmt.Errorf("set work item status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
