package server

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultPerPage bounds delta pages when the client does not ask for a
	// size; MaxPerPage caps what it may ask for.
	DefaultPerPage = 100
	MaxPerPage     = 2000
)

// DeltaRequest describes one page of a delta query. A zero UpdatedSince
// with no Cursor is an initial (full) sync; IncludeDeleted additionally
// returns tombstone ids from the same window.
type DeltaRequest struct {
	TableID        string
	PerPage        int
	Cursor         string
	UpdatedSince   time.Time
	IncludeDeleted bool
}

// window builds the keyset WHERE fragment shared by all delta queries.
// tableCol, when set, scopes the query to req.TableID. A cursor that does
// not decode returns ErrBadCursor instead of falling back to page one.
func (req DeltaRequest) window(tableCol string) (string, []any, error) {
	var where string
	var args []any

	if tableCol != "" && req.TableID != "" {
		where += fmt.Sprintf(" AND %s = ?", tableCol)
		args = append(args, req.TableID)
	}
	if !req.UpdatedSince.IsZero() {
		where += " AND updated_at > ?"
		args = append(args, formatTime(req.UpdatedSince))
	}
	if req.Cursor != "" {
		c, err := decodeCursor(req.Cursor)
		if err != nil {
			return "", nil, err
		}
		where += " AND (updated_at > ? OR (updated_at = ? AND id > ?))"
		args = append(args, c.UpdatedAt, c.UpdatedAt, c.ID)
	}
	return where, args, nil
}

// trimPage drops the probe row used to detect a next page and returns the
// cursor pointing at the last returned record.
func trimPage[T any](records []T, perPage int, pos func(T) cursor) ([]T, *string) {
	if len(records) <= perPage {
		return records, nil
	}
	records = records[:perPage]
	next := encodeCursor(pos(records[len(records)-1]))
	return records, &next
}

// deletedIDs returns tombstoned ids from the request window. Tombstones
// are only meaningful on delta pulls; an initial sync converges by
// omission instead.
func (s *Store) deletedIDs(ctx context.Context, table string, req DeltaRequest) ([]string, error) {
	if !req.IncludeDeleted {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE deleted_at IS NOT NULL`, table)
	var args []any
	if req.TableID != "" && table != "tables" {
		query += " AND table_id = ?"
		args = append(args, req.TableID)
	}
	if !req.UpdatedSince.IsZero() {
		query += " AND deleted_at > ?"
		args = append(args, formatTime(req.UpdatedSince))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s tombstones: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
