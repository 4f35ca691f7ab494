// Package schemaver resolves which schema version applies to a submission,
// caches historical versions, and performs field-preserving migration of a
// draft to a newer version.
package schemaver

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

// ErrVersionUnknown re-exports the store sentinel for callers that only
// import this package.
var ErrVersionUnknown = store.ErrVersionUnknown

// PreviewSource supplies an unpublished draft schema for live form
// preview. A nil return falls through to the version cache.
type PreviewSource interface {
	SchemaFor(tableID string) *model.SchemaVersion
}

// Manager is the schema version manager. It owns the version cache policy;
// the cache itself lives in the LocalStore.
type Manager struct {
	store   *store.LocalStore
	preview PreviewSource
}

// New creates a Manager backed by the given store.
func New(s *store.LocalStore) *Manager {
	return &Manager{store: s}
}

// WithPreview attaches a session preview source consulted by the display
// path. Drafts served this way are never persisted: Pin, Migrate, and the
// exact ResolveFields keep reading the published cache.
func (m *Manager) WithPreview(p PreviewSource) *Manager {
	m.preview = p
	return m
}

// Pin records on the submission which schema version it was created
// against. Called exactly once, at creation; the version never changes
// afterwards except through an explicit Migrate.
func (m *Manager) Pin(ctx context.Context, sub *model.Submission) error {
	table, err := m.store.GetTable(ctx, sub.TableID)
	if err != nil {
		return fmt.Errorf("pin submission: %w", err)
	}
	sub.SchemaVersion = table.CurrentVersion
	return nil
}

// ResolveFields returns the field definition for the exact
// (table, version) pair from the local version cache. It never substitutes
// a different version's field set: a cache miss surfaces as
// ErrVersionUnknown and the caller decides how to degrade.
func (m *Manager) ResolveFields(ctx context.Context, tableID string, version int) (*model.SchemaVersion, error) {
	return m.store.GetSchemaVersion(ctx, tableID, version)
}

// ResolveFieldsOrCurrent resolves the exact version, falling back to the
// table's current version with a visible warning when the requested one
// was never cached. The returned bool reports whether the fallback was
// taken, so callers can surface it to the user. A session preview draft,
// when attached, takes precedence for its table.
func (m *Manager) ResolveFieldsOrCurrent(ctx context.Context, tableID string, version int) (*model.SchemaVersion, bool, error) {
	if m.preview != nil {
		if draft := m.preview.SchemaFor(tableID); draft != nil {
			return draft, false, nil
		}
	}

	v, err := m.store.GetSchemaVersion(ctx, tableID, version)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, store.ErrVersionUnknown) {
		return nil, false, err
	}

	table, terr := m.store.GetTable(ctx, tableID)
	if terr != nil {
		return nil, false, fmt.Errorf("resolve fallback table: %w", terr)
	}

	current, cerr := m.store.GetSchemaVersion(ctx, tableID, table.CurrentVersion)
	if cerr != nil {
		return nil, false, fmt.Errorf("resolve current version: %w", cerr)
	}

	slog.Warn("schema version not cached, falling back to current",
		"component", "schemaver",
		"table_id", tableID,
		"requested_version", version,
		"current_version", table.CurrentVersion,
	)
	return current, true, nil
}

// Migrate moves a submission from its pinned version to targetVersion.
// Fields present in both versions carry over unchanged; fields removed from
// the target are dropped; fields newly introduced are left unset. The
// migration is lossy for removed fields, so it must only run as an
// explicit, user-confirmed action.
func (m *Manager) Migrate(ctx context.Context, sub *model.Submission, targetVersion int) (*model.Submission, error) {
	if targetVersion == sub.SchemaVersion {
		return sub, nil
	}

	target, err := m.store.GetSchemaVersion(ctx, sub.TableID, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("migrate submission: %w", err)
	}

	migrated, dropped, err := CarryOver(sub.Payload, target)
	if err != nil {
		return nil, fmt.Errorf("migrate submission: %w", err)
	}

	now := time.Now().UTC()
	if err := m.store.RepinSubmission(ctx, sub.LocalID, migrated, targetVersion, now); err != nil {
		return nil, fmt.Errorf("repin submission: %w", err)
	}

	slog.Info("submission migrated",
		"component", "schemaver",
		"action", "migrate",
		"local_id", sub.LocalID,
		"from_version", sub.SchemaVersion,
		"to_version", targetVersion,
		"dropped_fields", dropped,
	)

	out := *sub
	out.Payload = migrated
	out.SchemaVersion = targetVersion
	out.UpdatedAt = now
	out.Dirty = true
	return &out, nil
}

// CarryOver computes the migrated payload: the subset of the payload whose
// keys exist in the target version's field set. Returns the new payload and
// the keys that were dropped.
func CarryOver(payload []byte, target *model.SchemaVersion) ([]byte, []string, error) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	keep := target.FieldKeys()
	out := make(map[string]json.RawMessage, len(values))
	var dropped []string
	for k, v := range values {
		if keep[k] {
			out[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}

	migrated, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	return migrated, dropped, nil
}

// EnsureCurrentCached verifies, for every known table, that the current
// schema version is present in the version cache. Run before each push so
// a submission created against an about-to-be-superseded version stays
// resolvable after the table moves on. Missing versions are reported, not
// fabricated.
func (m *Manager) EnsureCurrentCached(ctx context.Context) error {
	tables, err := m.store.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, t := range tables {
		_, err := m.store.GetSchemaVersion(ctx, t.ID, t.CurrentVersion)
		if errors.Is(err, store.ErrVersionUnknown) {
			slog.Warn("current schema version missing from cache",
				"component", "schemaver",
				"table_id", t.ID,
				"version", t.CurrentVersion,
			)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
