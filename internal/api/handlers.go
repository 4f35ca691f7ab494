package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/formworks/fieldsync/internal/server"
)

// Handler implements the API handlers.
type Handler struct {
	store   *server.Store
	apiKey  string
	version string
}

// NewHandler creates a Handler backed by the server store.
func NewHandler(s *server.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Tables      int    `json:"tables"`
	Assignments int    `json:"assignments"`
	Responses   int    `json:"responses"`
}

// Health returns the health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	tables, assignments, responses, err := h.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Tables:      tables,
		Assignments: assignments,
		Responses:   responses,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetSchemaVersion handles GET /api/v1/tables/{id}/versions/{version},
// serving exact historical snapshots so clients can migrate pinned drafts.
func (h *Handler) GetSchemaVersion(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "id")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	sv, err := h.store.GetSchemaVersion(r.Context(), tableID, version)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sv); err != nil {
		slog.Error("failed to encode schema version", "error", err)
	}
}
