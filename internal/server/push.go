package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/rules"
)

// MaxPushItems bounds one push request.
const MaxPushItems = 1000

// ApplyPush processes a push batch item by item. Each item is independent:
// a rejected item never blocks its siblings, and an item whose local id was
// already accepted replays the original acknowledgment instead of creating
// anything.
func (s *Store) ApplyPush(ctx context.Context, req model.PushRequest, now time.Time) (*model.PushResponse, error) {
	if len(req.Responses) == 0 {
		return nil, errors.New("responses array is required")
	}
	if len(req.Responses) > MaxPushItems {
		return nil, fmt.Errorf("responses exceeds maximum of %d", MaxPushItems)
	}

	resp := &model.PushResponse{Results: make([]model.PushResult, 0, len(req.Responses))}
	for _, item := range req.Responses {
		resp.Results = append(resp.Results, s.applyPushItem(ctx, item, now))
	}
	return resp, nil
}

func (s *Store) applyPushItem(ctx context.Context, item model.PushItem, now time.Time) model.PushResult {
	if item.LocalID == "" {
		return errorResult(item, "local_id is required")
	}
	if item.TableID == "" {
		return errorResult(item, "table_id is required")
	}

	// Exact replay: the local id was already accepted, return the original
	// identifiers so the client converges without a new record.
	if existing, err := s.GetResponseByLocalID(ctx, item.LocalID); err == nil {
		result := model.PushResult{
			LocalID:  item.LocalID,
			Status:   model.PushStatusSuccess,
			ServerID: existing.ID,
			SyncedAt: &existing.SyncedAt,
		}
		if existing.AssignmentID != item.AssignmentID {
			result.NewAssignmentID = existing.AssignmentID
		}
		return result
	} else if !errors.Is(err, ErrNotFound) {
		slog.Error("idempotency lookup failed",
			"component", "server",
			"action", "push",
			"local_id", item.LocalID,
			"error", err)
		return errorResult(item, "internal error")
	}

	table, err := s.GetTable(ctx, item.TableID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult(item, fmt.Sprintf("unknown table %s", item.TableID))
		}
		return errorResult(item, "internal error")
	}

	version := table.CurrentVersion
	if item.SubmittedVersion != nil {
		version = *item.SubmittedVersion
	}
	if version < table.MinAcceptedVersion {
		return model.PushResult{
			LocalID:         item.LocalID,
			Status:          model.PushStatusVersionRejected,
			Message:         fmt.Sprintf("schema version %d is no longer accepted", version),
			RequiredVersion: table.CurrentVersion,
		}
	}

	sv, err := s.GetSchemaVersion(ctx, item.TableID, version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult(item, fmt.Sprintf("unknown schema version %d for table %s", version, item.TableID))
		}
		return errorResult(item, "internal error")
	}
	fieldErrs, err := rules.ValidatePayload(item.Data, sv)
	if err != nil {
		return errorResult(item, fmt.Sprintf("invalid payload: %s", err))
	}
	if len(fieldErrs) > 0 {
		msgs := make([]string, len(fieldErrs))
		for i, fe := range fieldErrs {
			msgs[i] = fmt.Sprintf("%s: %s", fe.Key, fe.Message)
		}
		return errorResult(item, strings.Join(msgs, "; "))
	}

	assignment, created, err := s.resolveAssignment(ctx, item, version, now)
	if err != nil {
		return errorResult(item, err.Error())
	}

	rec := model.ResponseRecord{
		ID:               ulid.Make().String(),
		LocalID:          item.LocalID,
		AssignmentID:     assignment.ID,
		TableID:          item.TableID,
		Data:             item.Data,
		SubmittedVersion: &version,
		DeviceID:         item.DeviceID,
		CreatedAt:        item.CreatedAt,
		UpdatedAt:        now,
		SyncedAt:         now,
	}
	if err := s.insertResponse(ctx, &rec); err != nil {
		// A concurrent push of the same local id can win the race; treat
		// the rerun as a replay.
		if existing, lookupErr := s.GetResponseByLocalID(ctx, item.LocalID); lookupErr == nil {
			result := model.PushResult{
				LocalID:  item.LocalID,
				Status:   model.PushStatusSuccess,
				ServerID: existing.ID,
				SyncedAt: &existing.SyncedAt,
			}
			if existing.AssignmentID != item.AssignmentID {
				result.NewAssignmentID = existing.AssignmentID
			}
			return result
		}
		slog.Error("response insert failed",
			"component", "server",
			"action", "push",
			"local_id", item.LocalID,
			"error", err)
		return errorResult(item, "internal error")
	}

	if err := s.MarkAssignmentSubmitted(ctx, assignment.ID, item.DeviceID, now); err != nil {
		slog.Warn("assignment status update failed",
			"component", "server",
			"action", "push",
			"assignment_id", assignment.ID,
			"error", err)
	}

	result := model.PushResult{
		LocalID:  item.LocalID,
		Status:   model.PushStatusSuccess,
		ServerID: rec.ID,
		SyncedAt: &rec.SyncedAt,
	}
	if created || assignment.ID != item.AssignmentID {
		result.NewAssignmentID = assignment.ID
	}
	return result
}

// resolveAssignment finds the canonical assignment for a push item. A known
// assignment id wins; otherwise the external id is tried as a dedupe key;
// otherwise a new assignment is created, which is how ad hoc offline items
// acquire server identity.
func (s *Store) resolveAssignment(ctx context.Context, item model.PushItem, version int, now time.Time) (*model.AssignmentRecord, bool, error) {
	if item.AssignmentID != "" {
		a, err := s.GetAssignment(ctx, item.AssignmentID)
		if err == nil {
			return a, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("resolve assignment: %w", err)
		}
	}

	if item.ExternalID != "" {
		a, err := s.FindAssignmentByExternalID(ctx, item.TableID, item.ExternalID)
		if err == nil {
			return a, a.ID != item.AssignmentID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("resolve assignment by external id: %w", err)
		}
	} else if item.AssignmentID == "" {
		return nil, false, errors.New("assignment_id or external_id is required")
	}

	created, err := s.CreateAssignment(ctx, &model.AssignmentRecord{
		ExternalID:    item.ExternalID,
		TableID:       item.TableID,
		SchemaVersion: version,
		Status:        string(model.StatusInProgress),
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create assignment: %w", err)
	}
	return created, true, nil
}

func errorResult(item model.PushItem, msg string) model.PushResult {
	return model.PushResult{
		LocalID: item.LocalID,
		Status:  model.PushStatusError,
		Message: msg,
	}
}
