package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/formworks/fieldsync/internal/model"
)

// UpsertTable stores table metadata pulled from the server.
func (s *LocalStore) UpsertTable(ctx context.Context, t *model.Table) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tables (id, name, current_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			current_version = excluded.current_version,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, t.CurrentVersion, formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert table: %w", err)
	}
	return nil
}

// GetTable retrieves table metadata by id.
func (s *LocalStore) GetTable(ctx context.Context, id string) (*model.Table, error) {
	var t model.Table
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, current_version, updated_at FROM tables WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.CurrentVersion, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get table: %w", err)
	}
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// ListTables returns all cached tables.
func (s *LocalStore) ListTables(ctx context.Context) ([]model.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, current_version, updated_at FROM tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []model.Table
	for rows.Next() {
		var t model.Table
		var updatedAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.CurrentVersion, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.UpdatedAt = parseTime(updatedAt)
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// PutSchemaVersion caches an immutable schema version snapshot. Re-writing
// an existing (table, version) pair is a no-op upsert so pulls stay
// idempotent.
func (s *LocalStore) PutSchemaVersion(ctx context.Context, v *model.SchemaVersion) error {
	fields, err := json.Marshal(v.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schema_versions (table_id, version, fields, published_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_id, version) DO UPDATE SET
			fields = excluded.fields,
			published_at = excluded.published_at
	`, v.TableID, v.Version, string(fields), formatTime(v.PublishedAt))
	if err != nil {
		return fmt.Errorf("put schema version: %w", err)
	}
	return nil
}

// GetSchemaVersion retrieves a cached schema version by exact
// (table, version) key. Returns ErrVersionUnknown when the version was
// never cached; callers must not substitute a different version silently.
func (s *LocalStore) GetSchemaVersion(ctx context.Context, tableID string, version int) (*model.SchemaVersion, error) {
	var v model.SchemaVersion
	var fields, publishedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT table_id, version, fields, published_at
		FROM schema_versions WHERE table_id = ? AND version = ?
	`, tableID, version).Scan(&v.TableID, &v.Version, &fields, &publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %s version %d: %w", tableID, version, ErrVersionUnknown)
	}
	if err != nil {
		return nil, fmt.Errorf("get schema version: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &v.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	v.PublishedAt = parseTime(publishedAt)
	return &v, nil
}
