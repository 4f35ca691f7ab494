package model

import (
	"encoding/json"
	"time"
)

// Wire shapes for the sync protocol. Timestamps marshal as RFC 3339 via
// time.Time; the server's clock is authoritative everywhere a checkpoint
// is derived.

// Push item statuses returned by the server, matched to requests by
// local_id.
const (
	PushStatusSuccess         = "success"
	PushStatusError           = "error"
	PushStatusVersionRejected = "version_rejected"
)

// PushRequest is one batch of submissions sent to POST /responses/sync.
type PushRequest struct {
	Responses []PushItem `json:"responses"`
}

// PushItem carries one submission keyed by its immutable local_id.
// AssignmentID may be a client-generated token for ad hoc items; in that
// case ExternalID and TableID give the server enough context to
// find-or-create the assignment.
type PushItem struct {
	LocalID          string          `json:"local_id"`
	AssignmentID     string          `json:"assignment_id"`
	ExternalID       string          `json:"external_id,omitempty"`
	TableID          string          `json:"table_id"`
	Data             json.RawMessage `json:"data"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeviceID         string          `json:"device_id"`
	SubmittedVersion *int            `json:"submitted_version"`
}

// PushResult is the per-item outcome of a push. Order-independent; clients
// match on LocalID. NewAssignmentID is set when the server created or
// resolved an assignment for an ad hoc item.
type PushResult struct {
	LocalID         string     `json:"local_id"`
	Status          string     `json:"status"`
	ServerID        string     `json:"server_id,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	NewAssignmentID string     `json:"new_assignment_id,omitempty"`
	Message         string     `json:"message,omitempty"`
	RequiredVersion int        `json:"required_version,omitempty"`
}

// PushResponse is the server reply to a push batch.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// DeltaEnvelope is the common shape of every delta pull response.
// ServerTime is read once per pull (not per page) and is the only value a
// checkpoint may be advanced to. Items stay raw so each scope decodes its
// own record type.
type DeltaEnvelope struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"server_time"`
	Data       DeltaPage `json:"data"`
	DeletedIDs []string  `json:"deleted_ids"`
}

// DeltaPage is one page of records plus the cursor for the next page.
// A nil NextCursor terminates the pagination loop.
type DeltaPage struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor *string           `json:"next_cursor"`
}

// AssignmentRecord is the wire form of a work item in delta pulls.
type AssignmentRecord struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id,omitempty"`
	TableID       string          `json:"table_id"`
	SchemaVersion int             `json:"schema_version"`
	Status        string          `json:"status"`
	OwnerID       *string         `json:"owner_id"`
	SupervisorID  *string         `json:"supervisor_id"`
	SeedPayload   json.RawMessage `json:"seed_payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ResponseRecord is the wire form of a submission in delta pulls.
type ResponseRecord struct {
	ID               string          `json:"id"`
	LocalID          string          `json:"local_id,omitempty"`
	AssignmentID     string          `json:"assignment_id"`
	TableID          string          `json:"table_id"`
	Data             json.RawMessage `json:"data"`
	SubmittedVersion *int            `json:"submitted_version"`
	DeviceID         string          `json:"device_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	SyncedAt         time.Time       `json:"synced_at"`
}

// TableRecord is the wire form of table metadata. Schema carries the
// current version's full field definition so clients can cache it before
// any submission pins it.
type TableRecord struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	CurrentVersion int            `json:"current_version"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Schema         *SchemaVersion `json:"schema,omitempty"`
}
