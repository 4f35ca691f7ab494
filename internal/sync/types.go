// Package sync implements the offline-first synchronization engine: the
// pusher that drains local submissions to the server, the delta puller
// that applies server-side changes through checkpointed cursor pagination,
// record-level last-write-wins conflict resolution, and the coordinator
// that runs one sync cycle phase by phase.
package sync

import (
	"errors"
	"time"
)

// Phase identifies one step of a sync cycle.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhasePushing            Phase = "pushing"
	PhasePullingMetadata    Phase = "pulling_metadata"
	PhasePullingWorkItems   Phase = "pulling_work_items"
	PhasePullingSubmissions Phase = "pulling_submissions"
	PhaseFailed             Phase = "failed"
)

// ErrSyncRunning is returned when a sync is requested while another cycle
// is in flight. The new request is coalesced, not queued.
var ErrSyncRunning = errors.New("sync cycle already running")

// ProgressFunc receives phase transitions and a 0-100 completion estimate.
// Reporting is best-effort UI feedback, not part of the correctness
// contract.
type ProgressFunc func(phase Phase, percent int)

// ItemError is a per-submission failure surfaced from a push.
type ItemError struct {
	LocalID string
	Message string
}

// VersionConflict records a submission the server rejected because its
// pinned schema version is no longer accepted. It stays dirty until the
// user confirms a migration to RequiredVersion.
type VersionConflict struct {
	LocalID         string
	TableID         string
	PinnedVersion   int
	RequiredVersion int
}

// PushReport summarizes one push phase.
type PushReport struct {
	Attempted        int
	Pushed           int
	Remapped         int
	Errors           []ItemError
	VersionConflicts []VersionConflict
	BatchFailures    int
}

// PullResult summarizes one pull scope.
type PullResult struct {
	Kind       string
	ScopeID    string
	Pages      int
	Applied    int
	Deleted    int
	KeptLocal  int
	Initial    bool
	ServerTime time.Time

	// Conflicts lists each record where a local copy contended with a
	// remote change, along with the decision taken.
	Conflicts []ConflictRecord
}

// Report summarizes a full sync cycle.
type Report struct {
	Push     *PushReport
	Pulls    []PullResult
	Phase    Phase // terminal phase: PhaseIdle on success, PhaseFailed otherwise
	Err      error
	Duration time.Duration
}
