package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/server"
)

// SyncPush handles POST /api/v1/responses/sync. Results are per item;
// the idempotency of each item rides on its immutable local_id.
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req model.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	resp, err := h.store.ApplyPush(r.Context(), req, time.Now().UTC())
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var accepted, rejected int
	for _, res := range resp.Results {
		if res.Status == model.PushStatusSuccess {
			accepted++
		} else {
			rejected++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode push response", "error", err)
		return
	}

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"items", len(req.Responses),
		"accepted", accepted,
		"rejected", rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// deltaFunc runs one entity's delta query against the store.
type deltaFunc[T any] func(ctx context.Context, req server.DeltaRequest) ([]T, *string, []string, error)

// Assignments handles GET /api/v1/assignments.
func (h *Handler) Assignments(w http.ResponseWriter, r *http.Request) {
	serveDelta(h, w, r, "assignments", h.store.DeltaAssignments)
}

// Responses handles GET /api/v1/responses.
func (h *Handler) Responses(w http.ResponseWriter, r *http.Request) {
	serveDelta(h, w, r, "responses", h.store.DeltaResponses)
}

// Tables handles GET /api/v1/tables.
func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	serveDelta(h, w, r, "tables", h.store.DeltaTables)
}

func serveDelta[T any](h *Handler, w http.ResponseWriter, r *http.Request, entity string, query deltaFunc[T]) {
	start := time.Now()

	req, err := parseDeltaRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	records, next, deleted, err := query(r.Context(), req)
	if err != nil {
		slog.Error("delta query failed",
			"component", "api",
			"action", "sync_delta_failed",
			"entity", entity,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	// server_time is declared once per response; clients advance their
	// checkpoint to the value from the first page of a completed pull.
	env := model.DeltaEnvelope{
		Success:    true,
		ServerTime: time.Now().UTC(),
		DeletedIDs: deleted,
	}
	env.Data.NextCursor = next
	env.Data.Data = make([]json.RawMessage, len(records))
	for i := range records {
		raw, err := json.Marshal(records[i])
		if err != nil {
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		env.Data.Data[i] = raw
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode delta response", "error", err)
		return
	}

	slog.Info("delta served",
		"component", "api",
		"action", "sync_delta",
		"entity", entity,
		"table_id", req.TableID,
		"records", len(records),
		"deleted", len(deleted),
		"has_more", next != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// parseDeltaRequest extracts and validates delta query parameters.
func parseDeltaRequest(r *http.Request) (server.DeltaRequest, error) {
	q := r.URL.Query()
	req := server.DeltaRequest{
		TableID: q.Get("table_id"),
		Cursor:  q.Get("cursor"),
		PerPage: server.DefaultPerPage,
	}

	if s := q.Get("per_page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return req, fmt.Errorf("invalid per_page parameter: must be a positive integer")
		}
		if n > server.MaxPerPage {
			n = server.MaxPerPage
		}
		req.PerPage = n
	}

	if s := q.Get("updated_since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return req, fmt.Errorf("invalid updated_since parameter: must be RFC 3339")
		}
		req.UpdatedSince = t.UTC()
	}

	switch q.Get("include_deleted") {
	case "", "0", "false":
	case "1", "true":
		req.IncludeDeleted = true
	default:
		return req, fmt.Errorf("invalid include_deleted parameter")
	}

	return req, nil
}
