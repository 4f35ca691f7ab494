package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/formworks/fieldsync/internal/model"
)

const submissionColumns = `local_id, server_id, work_item_id, table_id, payload,
	schema_version, device_id, created_at, updated_at, synced_at, dirty`

// InsertSubmission stores a newly created submission. The local id is the
// immutable idempotency token; inserting a duplicate is an error, never an
// overwrite.
func (s *LocalStore) InsertSubmission(ctx context.Context, sub *model.Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (local_id, server_id, work_item_id, table_id, payload,
			schema_version, device_id, created_at, updated_at, synced_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, sub.LocalID, nullableString(sub.ServerID), sub.WorkItemID, sub.TableID,
		string(sub.Payload), sub.SchemaVersion, sub.DeviceID,
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt), formatNullableTime(sub.SyncedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("local id %s: %w", sub.LocalID, ErrDuplicateLocalID)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// UpdateSubmissionPayload replaces the payload of a draft and re-marks it
// dirty so the next push picks it up.
func (s *LocalStore) UpdateSubmissionPayload(ctx context.Context, localID string, payload []byte, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET payload = ?, updated_at = ?, dirty = 1
		WHERE local_id = ?
	`, string(payload), formatTime(updatedAt), localID)
	if err != nil {
		return fmt.Errorf("update submission payload: %w", err)
	}
	return requireAffected(res)
}

// RepinSubmission atomically replaces a submission's payload and pinned
// schema version. Used by schema migration after the field carry-over has
// been computed.
func (s *LocalStore) RepinSubmission(ctx context.Context, localID string, payload []byte, version int, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET payload = ?, schema_version = ?, updated_at = ?, dirty = 1
		WHERE local_id = ?
	`, string(payload), version, formatTime(updatedAt), localID)
	if err != nil {
		return fmt.Errorf("repin submission: %w", err)
	}
	return requireAffected(res)
}

// GetSubmission retrieves a submission by its local id.
func (s *LocalStore) GetSubmission(ctx context.Context, localID string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE local_id = ?`, localID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// GetSubmissionByServerID retrieves a submission by its server-canonical id.
func (s *LocalStore) GetSubmissionByServerID(ctx context.Context, serverID string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE server_id = ?`, serverID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission by server id: %w", err)
	}
	return sub, nil
}

// ListDirtySubmissions returns every submission with unacknowledged local
// edits, oldest first so pushes preserve creation order.
func (s *LocalStore) ListDirtySubmissions(ctx context.Context) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE dirty = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dirty submissions: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

// MarkSubmissionSynced records a per-item push acknowledgment: the server
// id, the server-observed sync time, and the cleared dirty flag.
func (s *LocalStore) MarkSubmissionSynced(ctx context.Context, localID, serverID string, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET server_id = ?, synced_at = ?, dirty = 0
		WHERE local_id = ?
	`, serverID, formatTime(syncedAt), localID)
	if err != nil {
		return fmt.Errorf("mark submission synced: %w", err)
	}
	return requireAffected(res)
}

// ApplyRemoteSubmission upserts a pulled submission. The caller has already
// run conflict resolution; this is an unconditional idempotent write keyed
// by local id (falling back to the server id for records from devices that
// never reported one).
func (s *LocalStore) ApplyRemoteSubmission(ctx context.Context, rec *model.ResponseRecord) error {
	localID := rec.LocalID
	if localID == "" {
		localID = rec.ID
	}

	var version int
	if rec.SubmittedVersion != nil {
		version = *rec.SubmittedVersion
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (local_id, server_id, work_item_id, table_id, payload,
			schema_version, device_id, created_at, updated_at, synced_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			work_item_id = excluded.work_item_id,
			payload = excluded.payload,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at,
			dirty = 0
	`, localID, rec.ID, rec.AssignmentID, rec.TableID, string(rec.Data),
		version, rec.DeviceID, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		formatTime(rec.SyncedAt))
	if err != nil {
		return fmt.Errorf("apply remote submission: %w", err)
	}
	return nil
}

// MarkSubmissionDirty re-flags a submission after conflict resolution keeps
// the local copy over a remote one.
func (s *LocalStore) MarkSubmissionDirty(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET dirty = 1 WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("mark submission dirty: %w", err)
	}
	return requireAffected(res)
}

// DeleteSubmissionsByServerID removes tombstoned submissions.
func (s *LocalStore) DeleteSubmissionsByServerID(ctx context.Context, serverIDs []string) error {
	if len(serverIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range serverIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM submissions WHERE server_id = ?`, id); err != nil {
			return fmt.Errorf("delete submission %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListSyncedSubmissionServerIDs returns the server ids of all clean synced
// submissions. Dirty submissions are excluded: initial-sync orphan pruning
// must never discard unpushed local edits.
func (s *LocalStore) ListSyncedSubmissionServerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id FROM submissions WHERE server_id IS NOT NULL AND dirty = 0`)
	if err != nil {
		return nil, fmt.Errorf("list synced submission ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan submission id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Counts returns cache totals for status reporting.
func (s *LocalStore) Counts(ctx context.Context) (workItems, submissions, dirty int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items`).Scan(&workItems); err != nil {
		return 0, 0, 0, fmt.Errorf("count work items: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&submissions); err != nil {
		return 0, 0, 0, fmt.Errorf("count submissions: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE dirty = 1`).Scan(&dirty); err != nil {
		return 0, 0, 0, fmt.Errorf("count dirty submissions: %w", err)
	}
	return workItems, submissions, dirty, nil
}

func collectSubmissions(rows *sql.Rows) ([]model.Submission, error) {
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubmission(scanner interface{ Scan(...any) error }) (*model.Submission, error) {
	var sub model.Submission
	var serverID, syncedAt sql.NullString
	var payload, createdAt, updatedAt string
	var dirty int

	err := scanner.Scan(&sub.LocalID, &serverID, &sub.WorkItemID, &sub.TableID,
		&payload, &sub.SchemaVersion, &sub.DeviceID, &createdAt, &updatedAt,
		&syncedAt, &dirty)
	if err != nil {
		return nil, err
	}

	sub.ServerID = serverID.String
	sub.Payload = []byte(payload)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	sub.SyncedAt = parseNullableTime(syncedAt)
	sub.Dirty = dirty != 0

	return &sub, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
