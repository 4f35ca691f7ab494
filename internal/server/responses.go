package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/formworks/fieldsync/internal/model"
)

// GetResponseByLocalID resolves a client idempotency token to the response
// it already produced, if any.
func (s *Store) GetResponseByLocalID(ctx context.Context, localID string) (*model.ResponseRecord, error) {
	return s.scanOneResponse(ctx, `WHERE local_id = ? AND deleted_at IS NULL`, localID)
}

// GetResponse loads one live response by server id.
func (s *Store) GetResponse(ctx context.Context, id string) (*model.ResponseRecord, error) {
	return s.scanOneResponse(ctx, `WHERE id = ? AND deleted_at IS NULL`, id)
}

func (s *Store) scanOneResponse(ctx context.Context, where string, args ...any) (*model.ResponseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, local_id, assignment_id, table_id, data, submitted_version,
			device_id, created_at, updated_at, synced_at
		FROM responses `+where, args...)

	rec, err := scanResponse(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get response: %w", err)
	}
	return rec, nil
}

func (s *Store) insertResponse(ctx context.Context, rec *model.ResponseRecord) error {
	var version sql.NullInt64
	if rec.SubmittedVersion != nil {
		version = sql.NullInt64{Int64: int64(*rec.SubmittedVersion), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (id, local_id, assignment_id, table_id, data,
			submitted_version, device_id, created_at, updated_at, synced_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, rec.ID, rec.LocalID, rec.AssignmentID, rec.TableID, string(rec.Data),
		version, rec.DeviceID, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		formatTime(rec.SyncedAt))
	if err != nil {
		return fmt.Errorf("insert response %s: %w", rec.ID, err)
	}
	return nil
}

// DeltaResponses returns a page of responses changed in the request window,
// plus tombstone ids when asked for.
func (s *Store) DeltaResponses(ctx context.Context, req DeltaRequest) ([]model.ResponseRecord, *string, []string, error) {
	where, args, err := req.window("table_id")
	if err != nil {
		return nil, nil, nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, local_id, assignment_id, table_id, data, submitted_version,
			device_id, created_at, updated_at, synced_at
		FROM responses
		WHERE deleted_at IS NULL%s
		ORDER BY updated_at, id
		LIMIT ?
	`, where)
	args = append(args, req.PerPage+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query responses delta: %w", err)
	}
	defer rows.Close()

	var records []model.ResponseRecord
	for rows.Next() {
		rec, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("scan response: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate responses delta: %w", err)
	}

	records, next := trimPage(records, req.PerPage, func(r model.ResponseRecord) cursor {
		return cursor{UpdatedAt: formatTime(r.UpdatedAt), ID: r.ID}
	})

	deleted, err := s.deletedIDs(ctx, "responses", req)
	if err != nil {
		return nil, nil, nil, err
	}
	return records, next, deleted, nil
}

func scanResponse(scan func(dest ...any) error) (*model.ResponseRecord, error) {
	var rec model.ResponseRecord
	var data string
	var version sql.NullInt64
	var createdAt, updatedAt, syncedAt string
	if err := scan(&rec.ID, &rec.LocalID, &rec.AssignmentID, &rec.TableID, &data,
		&version, &rec.DeviceID, &createdAt, &updatedAt, &syncedAt); err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	if version.Valid {
		v := int(version.Int64)
		rec.SubmittedVersion = &v
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
