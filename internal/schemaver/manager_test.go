package schemaver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.LocalStore) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func seedTable(t *testing.T, s *store.LocalStore, currentVersion int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertTable(ctx, &model.Table{
		ID:             "t1",
		Name:           "Harvest Survey",
		CurrentVersion: currentVersion,
		UpdatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.PutSchemaVersion(ctx, &model.SchemaVersion{
		TableID: "t1",
		Version: 1,
		Fields: []model.FieldDef{
			{Key: "a", Type: model.FieldText, Parent: -1},
			{Key: "b", Type: model.FieldText, Parent: -1},
		},
		PublishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.PutSchemaVersion(ctx, &model.SchemaVersion{
		TableID: "t1",
		Version: 2,
		Fields: []model.FieldDef{
			{Key: "b", Type: model.FieldText, Parent: -1},
			{Key: "c", Type: model.FieldText, Parent: -1},
		},
		PublishedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestPinUsesTableCurrentVersion(t *testing.T) {
	m, s := newTestManager(t)
	seedTable(t, s, 2)

	sub := &model.Submission{LocalID: "l1", TableID: "t1"}
	require.NoError(t, m.Pin(context.Background(), sub))
	require.Equal(t, 2, sub.SchemaVersion)
}

func TestResolveFieldsNeverSubstitutes(t *testing.T) {
	m, s := newTestManager(t)
	seedTable(t, s, 2)

	// An uncached version is an explicit miss even though newer versions exist.
	_, err := m.ResolveFields(context.Background(), "t1", 7)
	require.ErrorIs(t, err, ErrVersionUnknown)
}

type staticPreview struct {
	draft *model.SchemaVersion
}

func (p staticPreview) SchemaFor(tableID string) *model.SchemaVersion {
	if p.draft != nil && p.draft.TableID == tableID {
		return p.draft
	}
	return nil
}

func TestPreviewDraftOverridesDisplayResolution(t *testing.T) {
	// Given a session holding an unpublished draft for t1
	m, s := newTestManager(t)
	seedTable(t, s, 2)

	draft := &model.SchemaVersion{
		TableID: "t1",
		Version: 3,
		Fields: []model.FieldDef{
			{Key: "c", Type: model.FieldText, Parent: -1},
			{Key: "d", Type: model.FieldNumber, Parent: -1},
		},
	}
	m.WithPreview(staticPreview{draft: draft})

	// When the display path resolves fields for that table
	v, fellBack, err := m.ResolveFieldsOrCurrent(context.Background(), "t1", 1)
	require.NoError(t, err)
	require.False(t, fellBack)
	require.Same(t, draft, v)

	// Then other tables fall through to the cache untouched
	_, _, err = m.ResolveFieldsOrCurrent(context.Background(), "t2", 1)
	require.Error(t, err)

	// And the exact resolution path stays strict: the draft never leaks
	// into pinning or migration
	exact, err := m.ResolveFields(context.Background(), "t1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, exact.Version)

	sub := &model.Submission{LocalID: "l1", TableID: "t1"}
	require.NoError(t, m.Pin(context.Background(), sub))
	require.Equal(t, 2, sub.SchemaVersion)
}

func TestResolveFieldsOrCurrentFallsBackVisibly(t *testing.T) {
	m, s := newTestManager(t)
	seedTable(t, s, 2)

	v, fellBack, err := m.ResolveFieldsOrCurrent(context.Background(), "t1", 7)
	require.NoError(t, err)
	require.True(t, fellBack)
	require.Equal(t, 2, v.Version)

	v, fellBack, err = m.ResolveFieldsOrCurrent(context.Background(), "t1", 1)
	require.NoError(t, err)
	require.False(t, fellBack)
	require.Equal(t, 1, v.Version)
}

func TestMigratePreservesIntersection(t *testing.T) {
	// Given a submission pinned at version 1 with fields {a, b}
	m, s := newTestManager(t)
	seedTable(t, s, 2)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertWorkItem(ctx, &model.WorkItem{
		ID: "w1", TableID: "t1", SchemaVersion: 1,
		Status: model.StatusInProgress, CreatedAt: now, UpdatedAt: now,
	}))
	sub := &model.Submission{
		LocalID:       "l1",
		WorkItemID:    "w1",
		TableID:       "t1",
		Payload:       []byte(`{"a":"drop me","b":"keep me"}`),
		SchemaVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
		Dirty:         true,
	}
	require.NoError(t, s.InsertSubmission(ctx, sub))

	// When migrating to version 2 with fields {b, c}
	migrated, err := m.Migrate(ctx, sub, 2)
	require.NoError(t, err)

	// Then b carries over unchanged, a is dropped, c stays unset
	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(migrated.Payload, &payload))
	require.Equal(t, json.RawMessage(`"keep me"`), payload["b"])
	require.NotContains(t, payload, "a")
	require.NotContains(t, payload, "c")
	require.Equal(t, 2, migrated.SchemaVersion)
	require.True(t, migrated.Dirty)

	stored, err := s.GetSubmission(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.SchemaVersion)
	require.True(t, stored.Dirty)
}

func TestMigrateToSameVersionIsNoOp(t *testing.T) {
	m, s := newTestManager(t)
	seedTable(t, s, 2)

	sub := &model.Submission{LocalID: "l1", TableID: "t1", SchemaVersion: 2}
	out, err := m.Migrate(context.Background(), sub, 2)
	require.NoError(t, err)
	require.Same(t, sub, out)
}

func TestCarryOverIgnoresSectionKeys(t *testing.T) {
	target := &model.SchemaVersion{
		TableID: "t1",
		Version: 2,
		Fields: []model.FieldDef{
			{Key: "details", Type: model.FieldSection, Parent: -1},
			{Key: "b", Type: model.FieldText, Parent: 0},
		},
	}

	migrated, dropped, err := CarryOver([]byte(`{"b":"x","details":"bogus"}`), target)
	require.NoError(t, err)
	require.Contains(t, dropped, "details")

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(migrated, &payload))
	require.Contains(t, payload, "b")
	require.NotContains(t, payload, "details")
}
