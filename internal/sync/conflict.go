package sync

import (
	"time"
)

// Decision is the outcome of conflict resolution for one record.
type Decision int

const (
	// KeepLocal retains the local copy; it stays (or is re-marked) dirty so
	// the next push carries it to the server.
	KeepLocal Decision = iota
	// TakeRemote overwrites the local copy with the server's record.
	TakeRemote
)

func (d Decision) String() string {
	if d == KeepLocal {
		return "keep_local"
	}
	return "take_remote"
}

// ConflictRecord captures one resolved conflict for reporting.
type ConflictRecord struct {
	ID         string
	Decision   Decision
	LocalTime  time.Time
	RemoteTime time.Time
	ResolvedAt time.Time
}

// Resolve arbitrates between a local record with unsynced edits and an
// incoming remote record, whole-record last-write-wins. The strictly newer
// updated_at wins; a tie favors the already-synced remote side so replicas
// converge. The remote timestamp is server-authoritative; the local one is
// the client-observed edit time. Neither side consults the device clock at
// resolution time.
func Resolve(localUpdatedAt, remoteUpdatedAt time.Time) Decision {
	if localUpdatedAt.After(remoteUpdatedAt) {
		return KeepLocal
	}
	return TakeRemote
}
