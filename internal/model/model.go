// Package model defines the domain types shared by the local cache, the
// sync engine, and the reference server: work items, submissions, schema
// versions, and sync checkpoints.
package model

import (
	"encoding/json"
	"time"
)

// WorkItemStatus is the lifecycle state of a work item. Transitions are
// monotonic (assigned → in_progress → completed → synced) except for an
// explicit reopen.
type WorkItemStatus string

const (
	StatusAssigned   WorkItemStatus = "assigned"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusCompleted  WorkItemStatus = "completed"
	StatusSynced     WorkItemStatus = "synced"
)

// Valid reports whether s is a known work item status.
func (s WorkItemStatus) Valid() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusCompleted, StatusSynced:
		return true
	}
	return false
}

// WorkItem is a unit of field work bound to one schema version of a table.
// Items created offline carry a client-generated ID until the first
// successful push remaps it to the server-canonical one.
type WorkItem struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id,omitempty"`
	TableID       string          `json:"table_id"`
	SchemaVersion int             `json:"schema_version"`
	Status        WorkItemStatus  `json:"status"`
	OwnerID       *string         `json:"owner_id"`
	SupervisorID  *string         `json:"supervisor_id"`
	SeedPayload   json.RawMessage `json:"seed_payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	// Local marks an ad hoc item whose ID has not yet been replaced by a
	// server-canonical one.
	Local bool `json:"-"`
}

// Submission is the payload entered against a work item. LocalID is
// client-generated, immutable, and serves as the idempotency token for the
// push protocol; ServerID is assigned once the server accepts it.
type Submission struct {
	LocalID       string          `json:"local_id"`
	ServerID      string          `json:"server_id,omitempty"`
	WorkItemID    string          `json:"work_item_id"`
	TableID       string          `json:"table_id"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schema_version"`
	DeviceID      string          `json:"device_id"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`

	// Dirty marks a submission with local edits not yet acknowledged by the
	// server. Cleared only on an explicit per-item success result.
	Dirty bool `json:"-"`
}

// Table is the metadata for one form schema, including which version is
// current. Historical versions live in the schema version cache.
type Table struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CurrentVersion int       `json:"current_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FieldType enumerates the primitive field kinds a schema version can carry.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldBool    FieldType = "bool"
	FieldDate    FieldType = "date"
	FieldSelect  FieldType = "select"
	FieldSection FieldType = "section"
)

// FieldDef describes one field of a schema version. Fields form a tree
// addressed by index: Parent is the index of the enclosing section in the
// version's Fields slice, or -1 for roots.
type FieldDef struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Parent      int       `json:"parent"`
	Options     []string  `json:"options,omitempty"`
	VisibleWhen string    `json:"visible_when,omitempty"`
	Rule        string    `json:"rule,omitempty"`
}

// SchemaVersion is an immutable snapshot of a table's field definitions,
// keyed by (TableID, Version).
type SchemaVersion struct {
	TableID     string     `json:"table_id"`
	Version     int        `json:"version"`
	Fields      []FieldDef `json:"fields"`
	PublishedAt time.Time  `json:"published_at"`
}

// FieldKeys returns the set of field keys in the version, excluding
// sections (which carry no value).
func (v *SchemaVersion) FieldKeys() map[string]bool {
	keys := make(map[string]bool, len(v.Fields))
	for _, f := range v.Fields {
		if f.Type == FieldSection {
			continue
		}
		keys[f.Key] = true
	}
	return keys
}

// EntityKind identifies a sync scope for checkpointing.
type EntityKind string

const (
	KindTables      EntityKind = "tables"
	KindWorkItems   EntityKind = "work_items"
	KindSubmissions EntityKind = "submissions"
)

// Checkpoint records how far a (kind, scope) sync has progressed. At is
// always a server-declared timestamp, never local device time. A zero At
// means the scope has never completed an initial sync.
type Checkpoint struct {
	Kind    EntityKind `json:"kind"`
	ScopeID string     `json:"scope_id"`
	At      time.Time  `json:"at"`
}

// IsZero reports whether the checkpoint has never been advanced.
func (c Checkpoint) IsZero() bool {
	return c.At.IsZero()
}
