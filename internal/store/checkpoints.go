package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/formworks/fieldsync/internal/model"
)

// GetCheckpoint returns the last-applied server timestamp for a sync scope.
// A zero checkpoint means the scope has never completed an initial sync.
func (s *LocalStore) GetCheckpoint(ctx context.Context, kind model.EntityKind, scopeID string) (model.Checkpoint, error) {
	cp := model.Checkpoint{Kind: kind, ScopeID: scopeID}

	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT at FROM sync_checkpoints WHERE kind = ? AND scope_id = ?`,
		string(kind), scopeID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("get checkpoint: %w", err)
	}

	cp.At = parseTime(at)
	return cp, nil
}

// SetCheckpoint advances a scope's checkpoint to a server-declared
// timestamp. Called only after every page of the pull has been applied.
func (s *LocalStore) SetCheckpoint(ctx context.Context, kind model.EntityKind, scopeID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (kind, scope_id, at) VALUES (?, ?, ?)
		ON CONFLICT(kind, scope_id) DO UPDATE SET at = excluded.at
	`, string(kind), scopeID, formatTime(at))
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns all checkpoints, ordered by kind then scope.
func (s *LocalStore) ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, scope_id, at FROM sync_checkpoints ORDER BY kind, scope_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var kind, at string
		if err := rows.Scan(&kind, &cp.ScopeID, &at); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Kind = model.EntityKind(kind)
		cp.At = parseTime(at)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// GetMeta retrieves a sync metadata value by key.
func (s *LocalStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetMeta sets a sync metadata value.
func (s *LocalStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}
