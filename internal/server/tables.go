package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/formworks/fieldsync/internal/model"
)

// TableMeta is a table plus the server-only acceptance policy: pushes
// pinned below MinAcceptedVersion are rejected with a version conflict.
type TableMeta struct {
	model.Table
	MinAcceptedVersion int
}

// UpsertTable creates or updates a table definition.
func (s *Store) UpsertTable(ctx context.Context, t *TableMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tables (id, name, current_version, min_accepted_version, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			current_version = excluded.current_version,
			min_accepted_version = excluded.min_accepted_version,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`, t.ID, t.Name, t.CurrentVersion, t.MinAcceptedVersion, formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert table %s: %w", t.ID, err)
	}
	return nil
}

// GetTable loads one table by id. Tombstoned tables read as not found.
func (s *Store) GetTable(ctx context.Context, id string) (*TableMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, current_version, min_accepted_version, updated_at
		FROM tables WHERE id = ? AND deleted_at IS NULL
	`, id)

	var t TableMeta
	var updatedAt string
	if err := row.Scan(&t.ID, &t.Name, &t.CurrentVersion, &t.MinAcceptedVersion, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("table %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get table %s: %w", id, err)
	}
	var err error
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// PublishSchemaVersion stores a new immutable version snapshot and advances
// the table's current version to it.
func (s *Store) PublishSchemaVersion(ctx context.Context, v *model.SchemaVersion) error {
	fields, err := json.Marshal(v.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_versions (table_id, version, fields, published_at)
		VALUES (?, ?, ?, ?)
	`, v.TableID, v.Version, string(fields), formatTime(v.PublishedAt)); err != nil {
		return fmt.Errorf("insert schema version %s/%d: %w", v.TableID, v.Version, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tables SET current_version = ?, updated_at = ? WHERE id = ?
	`, v.Version, formatTime(v.PublishedAt), v.TableID); err != nil {
		return fmt.Errorf("advance current version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSchemaVersion loads one exact version snapshot.
func (s *Store) GetSchemaVersion(ctx context.Context, tableID string, version int) (*model.SchemaVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT table_id, version, fields, published_at
		FROM schema_versions WHERE table_id = ? AND version = ?
	`, tableID, version)

	var v model.SchemaVersion
	var fields, publishedAt string
	if err := row.Scan(&v.TableID, &v.Version, &fields, &publishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schema version %s/%d: %w", tableID, version, ErrNotFound)
		}
		return nil, fmt.Errorf("get schema version %s/%d: %w", tableID, version, err)
	}
	if err := json.Unmarshal([]byte(fields), &v.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s/%d: %w", tableID, version, err)
	}
	var err error
	if v.PublishedAt, err = parseTime(publishedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteTable tombstones a table. Its assignments and responses are
// tombstoned with it so client caches converge.
func (s *Store) DeleteTable(ctx context.Context, id string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE tables SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at, at, id); err != nil {
		return fmt.Errorf("tombstone table %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET deleted_at = ?, updated_at = ? WHERE table_id = ? AND deleted_at IS NULL`,
		at, at, id); err != nil {
		return fmt.Errorf("tombstone assignments for table %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE responses SET deleted_at = ?, updated_at = ? WHERE table_id = ? AND deleted_at IS NULL`,
		at, at, id); err != nil {
		return fmt.Errorf("tombstone responses for table %s: %w", id, err)
	}
	return tx.Commit()
}

// DeltaTables returns a page of tables changed since the request window,
// each carrying its current schema version snapshot, plus tombstones.
func (s *Store) DeltaTables(ctx context.Context, req DeltaRequest) ([]model.TableRecord, *string, []string, error) {
	where, args, err := req.window("")
	if err != nil {
		return nil, nil, nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, current_version, updated_at
		FROM tables
		WHERE deleted_at IS NULL%s
		ORDER BY updated_at, id
		LIMIT ?
	`, where)
	args = append(args, req.PerPage+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query tables delta: %w", err)
	}
	defer rows.Close()

	var records []model.TableRecord
	for rows.Next() {
		var rec model.TableRecord
		var updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.CurrentVersion, &updatedAt); err != nil {
			return nil, nil, nil, fmt.Errorf("scan table: %w", err)
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, nil, nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate tables delta: %w", err)
	}

	records, next := trimPage(records, req.PerPage, func(r model.TableRecord) cursor {
		return cursor{UpdatedAt: formatTime(r.UpdatedAt), ID: r.ID}
	})

	for i := range records {
		sv, err := s.GetSchemaVersion(ctx, records[i].ID, records[i].CurrentVersion)
		if err != nil {
			return nil, nil, nil, err
		}
		records[i].Schema = sv
	}

	deleted, err := s.deletedIDs(ctx, "tables", req)
	if err != nil {
		return nil, nil, nil, err
	}
	return records, next, deleted, nil
}
