package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/store"
)

const defaultPullPageSize = 100

// globalScope is the checkpoint scope for pulls that are not partitioned by
// table.
const globalScope = ""

// Puller downloads server state page by page and applies it to the local
// cache with last-write-wins conflict resolution. Checkpoints advance only
// to the server-declared time captured on the first page of a completed
// pull, so a failed pull simply re-covers the same window next cycle.
type Puller struct {
	store    *store.LocalStore
	client   *Client
	pageSize int
}

func NewPuller(s *store.LocalStore, c *Client) *Puller {
	return &Puller{store: s, client: c, pageSize: defaultPullPageSize}
}

// pullState tracks one pull across its pages.
type pullState struct {
	result     PullResult
	fetchedIDs map[string]bool
}

// PullTables refreshes table metadata and schema version snapshots.
func (p *Puller) PullTables(ctx context.Context) (*PullResult, error) {
	st, err := p.begin(ctx, model.KindTables, globalScope)
	if err != nil {
		return nil, err
	}

	err = p.pages(ctx, st, p.client.PullTables, func(ctx context.Context, st *pullState, raw json.RawMessage, deleted map[string]bool) error {
		var rec model.TableRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode table record: %w", err)
		}
		if deleted[rec.ID] {
			return nil
		}
		t := model.Table{
			ID:             rec.ID,
			Name:           rec.Name,
			CurrentVersion: rec.CurrentVersion,
			UpdatedAt:      rec.UpdatedAt,
		}
		if err := p.store.UpsertTable(ctx, &t); err != nil {
			return err
		}
		if rec.Schema != nil {
			if err := p.store.PutSchemaVersion(ctx, rec.Schema); err != nil {
				return err
			}
		}
		st.result.Applied++
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	return p.finish(ctx, st, model.KindTables, globalScope)
}

// PullWorkItems refreshes the work item list for one table. On an initial
// sync (no checkpoint) it also prunes server-origin items the server no
// longer returns; ad hoc local items are never pruned.
func (p *Puller) PullWorkItems(ctx context.Context, tableID string) (*PullResult, error) {
	st, err := p.begin(ctx, model.KindWorkItems, tableID)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, q DeltaQuery) (*model.DeltaEnvelope, error) {
		q.TableID = tableID
		return p.client.PullAssignments(ctx, q)
	}

	err = p.pages(ctx, st, fetch, p.applyWorkItem, func(ctx context.Context, ids []string) error {
		return p.store.DeleteWorkItems(ctx, ids)
	})
	if err != nil {
		return nil, err
	}

	if st.result.Initial {
		local, err := p.store.ListWorkItemIDs(ctx, tableID)
		if err != nil {
			return nil, fmt.Errorf("list local work item ids: %w", err)
		}
		orphans := subtract(local, st.fetchedIDs)
		if len(orphans) > 0 {
			if err := p.store.DeleteWorkItems(ctx, orphans); err != nil {
				return nil, fmt.Errorf("prune orphan work items: %w", err)
			}
			st.result.Deleted += len(orphans)
			slog.Info("orphan work items pruned",
				"component", "sync",
				"action", "pull",
				"table_id", tableID,
				"count", len(orphans))
		}
	}

	return p.finish(ctx, st, model.KindWorkItems, tableID)
}

// PullSubmissions refreshes submissions across all tables. Dirty local
// submissions lose to the server only when the server copy is strictly
// newer or exactly as new.
func (p *Puller) PullSubmissions(ctx context.Context) (*PullResult, error) {
	st, err := p.begin(ctx, model.KindSubmissions, globalScope)
	if err != nil {
		return nil, err
	}

	err = p.pages(ctx, st, p.client.PullResponses, p.applySubmission, func(ctx context.Context, ids []string) error {
		return p.store.DeleteSubmissionsByServerID(ctx, ids)
	})
	if err != nil {
		return nil, err
	}

	if st.result.Initial {
		local, err := p.store.ListSyncedSubmissionServerIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list synced submission server ids: %w", err)
		}
		orphans := subtract(local, st.fetchedIDs)
		if len(orphans) > 0 {
			if err := p.store.DeleteSubmissionsByServerID(ctx, orphans); err != nil {
				return nil, fmt.Errorf("prune orphan submissions: %w", err)
			}
			st.result.Deleted += len(orphans)
			slog.Info("orphan submissions pruned",
				"component", "sync",
				"action", "pull",
				"count", len(orphans))
		}
	}

	return p.finish(ctx, st, model.KindSubmissions, globalScope)
}

func (p *Puller) begin(ctx context.Context, kind model.EntityKind, scopeID string) (*pullState, error) {
	cp, err := p.store.GetCheckpoint(ctx, kind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &pullState{
		result: PullResult{
			Kind:    string(kind),
			ScopeID: scopeID,
			Initial: cp.IsZero(),
		},
		fetchedIDs: make(map[string]bool),
	}, nil
}

type fetchFunc func(ctx context.Context, q DeltaQuery) (*model.DeltaEnvelope, error)
type applyFunc func(ctx context.Context, st *pullState, raw json.RawMessage, deleted map[string]bool) error
type deleteFunc func(ctx context.Context, ids []string) error

// pages walks the cursor chain until the server reports no next page.
// The server time of the first page is the checkpoint candidate for the
// whole pull; later pages may carry later times but using them would let
// the checkpoint skip records committed mid-pull.
func (p *Puller) pages(ctx context.Context, st *pullState, fetch fetchFunc, apply applyFunc, remove deleteFunc) error {
	q := DeltaQuery{PerPage: p.pageSize}
	if !st.result.Initial {
		cp, err := p.store.GetCheckpoint(ctx, model.EntityKind(st.result.Kind), st.result.ScopeID)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		q.UpdatedSince = cp.At
		q.IncludeDeleted = true
	}

	for {
		env, err := fetch(ctx, q)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", st.result.Pages+1, err)
		}
		if !env.Success {
			return errors.New("server reported unsuccessful pull")
		}
		if st.result.Pages == 0 {
			st.result.ServerTime = env.ServerTime.UTC()
		}
		st.result.Pages++

		deleted := make(map[string]bool, len(env.DeletedIDs))
		for _, id := range env.DeletedIDs {
			deleted[id] = true
		}

		for _, raw := range env.Data.Data {
			if err := apply(ctx, st, raw, deleted); err != nil {
				return err
			}
		}

		if len(env.DeletedIDs) > 0 && remove != nil {
			if err := remove(ctx, env.DeletedIDs); err != nil {
				return fmt.Errorf("apply tombstones: %w", err)
			}
			st.result.Deleted += len(env.DeletedIDs)
		}

		if env.Data.NextCursor == nil || *env.Data.NextCursor == "" {
			return nil
		}
		q.Cursor = *env.Data.NextCursor
	}
}

func (p *Puller) applyWorkItem(ctx context.Context, st *pullState, raw json.RawMessage, deleted map[string]bool) error {
	var rec model.AssignmentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode assignment record: %w", err)
	}
	st.fetchedIDs[rec.ID] = true
	if deleted[rec.ID] {
		return nil
	}

	existing, err := p.store.GetWorkItem(ctx, rec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && Resolve(existing.UpdatedAt, rec.UpdatedAt) == KeepLocal {
		st.result.KeptLocal++
		st.result.Conflicts = append(st.result.Conflicts, ConflictRecord{
			ID:         rec.ID,
			Decision:   KeepLocal,
			LocalTime:  existing.UpdatedAt,
			RemoteTime: rec.UpdatedAt,
			ResolvedAt: time.Now().UTC(),
		})
		return nil
	}

	status := model.WorkItemStatus(rec.Status)
	if !status.Valid() {
		slog.Warn("unknown work item status from server",
			"component", "sync",
			"action", "pull",
			"id", rec.ID,
			"status", rec.Status)
		status = model.StatusAssigned
	}
	w := model.WorkItem{
		ID:            rec.ID,
		ExternalID:    rec.ExternalID,
		TableID:       rec.TableID,
		SchemaVersion: rec.SchemaVersion,
		Status:        status,
		OwnerID:       rec.OwnerID,
		SupervisorID:  rec.SupervisorID,
		SeedPayload:   rec.SeedPayload,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if err := p.store.UpsertWorkItem(ctx, &w); err != nil {
		return err
	}
	st.result.Applied++
	return nil
}

func (p *Puller) applySubmission(ctx context.Context, st *pullState, raw json.RawMessage, deleted map[string]bool) error {
	var rec model.ResponseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode response record: %w", err)
	}
	st.fetchedIDs[rec.ID] = true
	if deleted[rec.ID] {
		return nil
	}

	existing, err := p.findLocal(ctx, &rec)
	if err != nil {
		return err
	}
	if existing != nil && existing.Dirty {
		decision := Resolve(existing.UpdatedAt, rec.UpdatedAt)
		st.result.Conflicts = append(st.result.Conflicts, ConflictRecord{
			ID:         existing.LocalID,
			Decision:   decision,
			LocalTime:  existing.UpdatedAt,
			RemoteTime: rec.UpdatedAt,
			ResolvedAt: time.Now().UTC(),
		})
		if decision == KeepLocal {
			st.result.KeptLocal++
			return nil
		}
	}

	if err := p.store.ApplyRemoteSubmission(ctx, &rec); err != nil {
		return err
	}
	st.result.Applied++
	return nil
}

func (p *Puller) findLocal(ctx context.Context, rec *model.ResponseRecord) (*model.Submission, error) {
	if rec.LocalID != "" {
		sub, err := p.store.GetSubmission(ctx, rec.LocalID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	sub, err := p.store.GetSubmissionByServerID(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (p *Puller) finish(ctx context.Context, st *pullState, kind model.EntityKind, scopeID string) (*PullResult, error) {
	if !st.result.ServerTime.IsZero() {
		if err := p.store.SetCheckpoint(ctx, kind, scopeID, st.result.ServerTime); err != nil {
			return nil, fmt.Errorf("advance checkpoint: %w", err)
		}
	}
	slog.Info("pull finished",
		"component", "sync",
		"action", "pull",
		"kind", st.result.Kind,
		"scope_id", st.result.ScopeID,
		"pages", st.result.Pages,
		"applied", st.result.Applied,
		"deleted", st.result.Deleted,
		"kept_local", st.result.KeptLocal,
		"initial", st.result.Initial)
	return &st.result, nil
}

func subtract(ids []string, seen map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
