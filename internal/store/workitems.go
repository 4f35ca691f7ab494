package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/formworks/fieldsync/internal/model"
)

const workItemColumns = `id, external_id, table_id, schema_version, status,
	owner_id, supervisor_id, seed_payload, created_at, updated_at, is_local`

// UpsertWorkItem inserts or updates a work item keyed by its canonical id.
// ON CONFLICT DO UPDATE is used instead of INSERT OR REPLACE so dependent
// submission rows are not cascade-deleted.
func (s *LocalStore) UpsertWorkItem(ctx context.Context, w *model.WorkItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, external_id, table_id, schema_version, status,
			owner_id, supervisor_id, seed_payload, created_at, updated_at, is_local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			table_id = excluded.table_id,
			schema_version = excluded.schema_version,
			status = excluded.status,
			owner_id = excluded.owner_id,
			supervisor_id = excluded.supervisor_id,
			seed_payload = excluded.seed_payload,
			updated_at = excluded.updated_at,
			is_local = excluded.is_local
	`, w.ID, nullableString(w.ExternalID), w.TableID, w.SchemaVersion, string(w.Status),
		w.OwnerID, w.SupervisorID, nullableBytes(w.SeedPayload),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt), boolToInt(w.Local))
	if err != nil {
		return fmt.Errorf("upsert work item: %w", err)
	}
	return nil
}

// GetWorkItem retrieves a work item by id.
func (s *LocalStore) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	w, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return w, nil
}

// GetWorkItemByExternalID finds a work item by its stable dedupe key.
func (s *LocalStore) GetWorkItemByExternalID(ctx context.Context, tableID, externalID string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE table_id = ? AND external_id = ?`,
		tableID, externalID)
	w, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item by external id: %w", err)
	}
	return w, nil
}

// ListWorkItems returns all work items for a table, newest first.
func (s *LocalStore) ListWorkItems(ctx context.Context, tableID string) ([]model.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE table_id = ? ORDER BY updated_at DESC`,
		tableID)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, *w)
	}
	return items, rows.Err()
}

// ListWorkItemIDs returns the ids of all server-known work items for a
// table. Ad hoc local items are excluded: they do not exist server-side yet
// and must never be pruned as orphans on an initial sync.
func (s *LocalStore) ListWorkItemIDs(ctx context.Context, tableID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM work_items WHERE table_id = ? AND is_local = 0`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list work item ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan work item id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteWorkItems removes work items and, through the FK cascade, their
// submissions. Used for both tombstones and initial-sync orphan pruning.
func (s *LocalStore) DeleteWorkItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete work item %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RemapWorkItemID replaces a client-generated work item id with the
// server-canonical one, updating the row and every dependent submission in
// a single transaction. Foreign key checks are deferred so the parent and
// child updates can land in either order within the transaction.
func (s *LocalStore) RemapWorkItemID(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return fmt.Errorf("defer foreign keys: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET id = ?, is_local = 0 WHERE id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("remap work item id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("work item %s: %w", oldID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE submissions SET work_item_id = ? WHERE work_item_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("remap submission foreign keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetWorkItemStatus applies a status transition.
func (s *LocalStore) SetWorkItemStatus(ctx context.Context, id string, status model.WorkItemStatus, at string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at, id)
	if err != nil {
		return fmt.Errorf("set work item status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanWorkItem scans one work item row.
func scanWorkItem(scanner interface{ Scan(...any) error }) (*model.WorkItem, error) {
	var w model.WorkItem
	var externalID, seedPayload sql.NullString
	var status, createdAt, updatedAt string
	var isLocal int

	err := scanner.Scan(&w.ID, &externalID, &w.TableID, &w.SchemaVersion, &status,
		&w.OwnerID, &w.SupervisorID, &seedPayload, &createdAt, &updatedAt, &isLocal)
	if err != nil {
		return nil, err
	}

	w.ExternalID = externalID.String
	w.Status = model.WorkItemStatus(status)
	if seedPayload.Valid {
		w.SeedPayload = []byte(seedPayload.String)
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	w.Local = isLocal != 0

	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
