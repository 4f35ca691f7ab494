package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/formworks/fieldsync/internal/model"
)

// CreateAssignment stores a new assignment under a freshly minted ULID and
// returns it.
func (s *Store) CreateAssignment(ctx context.Context, a *model.AssignmentRecord) (*model.AssignmentRecord, error) {
	rec := *a
	rec.ID = ulid.Make().String()
	if err := s.putAssignment(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertAssignment stores an assignment under its existing id.
func (s *Store) UpsertAssignment(ctx context.Context, a *model.AssignmentRecord) error {
	return s.putAssignment(ctx, a)
}

func (s *Store) putAssignment(ctx context.Context, a *model.AssignmentRecord) error {
	var seed any
	if len(a.SeedPayload) > 0 {
		seed = string(a.SeedPayload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, external_id, table_id, schema_version, status,
			owner_id, supervisor_id, seed_payload, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			schema_version = excluded.schema_version,
			status = excluded.status,
			owner_id = excluded.owner_id,
			supervisor_id = excluded.supervisor_id,
			seed_payload = excluded.seed_payload,
			updated_at = excluded.updated_at
	`, a.ID, a.ExternalID, a.TableID, a.SchemaVersion, a.Status,
		nullableString(a.OwnerID), nullableString(a.SupervisorID), seed,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert assignment %s: %w", a.ID, err)
	}
	return nil
}

// GetAssignment loads one live assignment by id.
func (s *Store) GetAssignment(ctx context.Context, id string) (*model.AssignmentRecord, error) {
	return s.scanOneAssignment(ctx, `WHERE id = ? AND deleted_at IS NULL`, id)
}

// FindAssignmentByExternalID resolves the stable dedupe key clients supply
// for ad hoc items, so a re-push never creates a second assignment.
func (s *Store) FindAssignmentByExternalID(ctx context.Context, tableID, externalID string) (*model.AssignmentRecord, error) {
	return s.scanOneAssignment(ctx,
		`WHERE table_id = ? AND external_id = ? AND external_id != '' AND deleted_at IS NULL`,
		tableID, externalID)
}

func (s *Store) scanOneAssignment(ctx context.Context, where string, args ...any) (*model.AssignmentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, table_id, schema_version, status,
			owner_id, supervisor_id, seed_payload, created_at, updated_at
		FROM assignments `+where, args...)

	rec, err := scanAssignment(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return rec, nil
}

// MarkAssignmentSubmitted records an accepted response against an
// assignment: status moves to synced and, when the assignment has no owner
// yet, the submitting device claims it. An existing owner is never
// displaced.
func (s *Store) MarkAssignmentSubmitted(ctx context.Context, id, deviceID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assignments
		SET status = ?, owner_id = COALESCE(owner_id, NULLIF(?, '')), updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, string(model.StatusSynced), deviceID, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("mark assignment %s submitted: %w", id, err)
	}
	return nil
}

// DeleteAssignment tombstones an assignment and its responses.
func (s *Store) DeleteAssignment(ctx context.Context, id string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at, at, id); err != nil {
		return fmt.Errorf("tombstone assignment %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE responses SET deleted_at = ?, updated_at = ? WHERE assignment_id = ? AND deleted_at IS NULL`,
		at, at, id); err != nil {
		return fmt.Errorf("tombstone responses for assignment %s: %w", id, err)
	}
	return tx.Commit()
}

// DeltaAssignments returns a page of assignments changed in the request
// window, plus tombstone ids when asked for.
func (s *Store) DeltaAssignments(ctx context.Context, req DeltaRequest) ([]model.AssignmentRecord, *string, []string, error) {
	where, args, err := req.window("table_id")
	if err != nil {
		return nil, nil, nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, external_id, table_id, schema_version, status,
			owner_id, supervisor_id, seed_payload, created_at, updated_at
		FROM assignments
		WHERE deleted_at IS NULL%s
		ORDER BY updated_at, id
		LIMIT ?
	`, where)
	args = append(args, req.PerPage+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query assignments delta: %w", err)
	}
	defer rows.Close()

	var records []model.AssignmentRecord
	for rows.Next() {
		rec, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("scan assignment: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate assignments delta: %w", err)
	}

	records, next := trimPage(records, req.PerPage, func(r model.AssignmentRecord) cursor {
		return cursor{UpdatedAt: formatTime(r.UpdatedAt), ID: r.ID}
	})

	deleted, err := s.deletedIDs(ctx, "assignments", req)
	if err != nil {
		return nil, nil, nil, err
	}
	return records, next, deleted, nil
}

func scanAssignment(scan func(dest ...any) error) (*model.AssignmentRecord, error) {
	var rec model.AssignmentRecord
	var owner, supervisor, seed sql.NullString
	var createdAt, updatedAt string
	if err := scan(&rec.ID, &rec.ExternalID, &rec.TableID, &rec.SchemaVersion, &rec.Status,
		&owner, &supervisor, &seed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.OwnerID = stringPtr(owner)
	rec.SupervisorID = stringPtr(supervisor)
	if seed.Valid {
		rec.SeedPayload = json.RawMessage(seed.String)
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
