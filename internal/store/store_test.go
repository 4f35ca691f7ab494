package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formworks/fieldsync/internal/model"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testWorkItem(id, tableID string) *model.WorkItem {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &model.WorkItem{
		ID:            id,
		TableID:       tableID,
		SchemaVersion: 1,
		Status:        model.StatusAssigned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testSubmission(localID, workItemID, tableID string) *model.Submission {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return &model.Submission{
		LocalID:       localID,
		WorkItemID:    workItemID,
		TableID:       tableID,
		Payload:       []byte(`{"crop":"maize"}`),
		SchemaVersion: 1,
		DeviceID:      "device-1",
		CreatedAt:     now,
		UpdatedAt:     now,
		Dirty:         true,
	}
}

func TestInsertSubmissionDuplicateLocalID(t *testing.T) {
	// Given a stored submission
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))
	sub := testSubmission("l1", "w1", "t1")
	require.NoError(t, s.InsertSubmission(ctx, sub))

	// When the same local id is inserted again
	err := s.InsertSubmission(ctx, testSubmission("l1", "w1", "t1"))

	// Then the immutable idempotency token is rejected
	require.ErrorIs(t, err, ErrDuplicateLocalID)
}

func TestAcknowledgePushRemapsDependents(t *testing.T) {
	// Given an ad hoc work item with a client-generated id and a dirty submission
	s := newTestStore(t)
	ctx := context.Background()
	w := testWorkItem("local-uuid-1", "t1")
	w.Local = true
	w.Status = model.StatusCompleted
	require.NoError(t, s.UpsertWorkItem(ctx, w))
	require.NoError(t, s.InsertSubmission(ctx, testSubmission("l1", "local-uuid-1", "t1")))

	// When the push acknowledgment carries the server-canonical id
	syncedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	err := s.AcknowledgePush(ctx, PushAck{
		LocalID:       "l1",
		ServerID:      "srv-1",
		SyncedAt:      syncedAt,
		WorkItemID:    "local-uuid-1",
		NewWorkItemID: "01HZXW0001",
	})
	require.NoError(t, err)

	// Then the work item id, its local flag, and the submission FK all changed together
	_, err = s.GetWorkItem(ctx, "local-uuid-1")
	require.ErrorIs(t, err, ErrNotFound)

	remapped, err := s.GetWorkItem(ctx, "01HZXW0001")
	require.NoError(t, err)
	require.False(t, remapped.Local)
	require.Equal(t, model.StatusSynced, remapped.Status)

	sub, err := s.GetSubmission(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "01HZXW0001", sub.WorkItemID)
	require.Equal(t, "srv-1", sub.ServerID)
	require.False(t, sub.Dirty)
	require.NotNil(t, sub.SyncedAt)
	require.True(t, sub.SyncedAt.Equal(syncedAt))
}

func TestAcknowledgePushUnknownSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))

	err := s.AcknowledgePush(ctx, PushAck{
		LocalID:    "missing",
		ServerID:   "srv-1",
		SyncedAt:   time.Now().UTC(),
		WorkItemID: "w1",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteWorkItemsCascadesSubmissions(t *testing.T) {
	// Given a work item with a submission
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))
	require.NoError(t, s.InsertSubmission(ctx, testSubmission("l1", "w1", "t1")))

	// When the work item is deleted
	require.NoError(t, s.DeleteWorkItems(ctx, []string{"w1"}))

	// Then the dependent submission is gone too
	_, err := s.GetSubmission(ctx, "l1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkItemIDsExcludesAdHocItems(t *testing.T) {
	// Given one server-known and one ad hoc local work item
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))
	local := testWorkItem("local-1", "t1")
	local.Local = true
	require.NoError(t, s.UpsertWorkItem(ctx, local))

	// When listing candidates for orphan pruning
	ids, err := s.ListWorkItemIDs(ctx, "t1")
	require.NoError(t, err)

	// Then only the server-known item is a candidate
	require.Equal(t, []string{"w1"}, ids)
}

func TestListSyncedSubmissionServerIDsExcludesDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))

	synced := testSubmission("l1", "w1", "t1")
	require.NoError(t, s.InsertSubmission(ctx, synced))
	require.NoError(t, s.MarkSubmissionSynced(ctx, "l1", "srv-1", time.Now().UTC()))

	// Re-edited after sync: has a server id but is dirty again.
	require.NoError(t, s.MarkSubmissionDirty(ctx, "l1"))

	ids, err := s.ListSyncedSubmissionServerIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestListDirtySubmissionsOrdersByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))

	second := testSubmission("l2", "w1", "t1")
	second.CreatedAt = second.CreatedAt.Add(time.Hour)
	require.NoError(t, s.InsertSubmission(ctx, second))
	require.NoError(t, s.InsertSubmission(ctx, testSubmission("l1", "w1", "t1")))

	dirty, err := s.ListDirtySubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	require.Equal(t, "l1", dirty[0].LocalID)
	require.Equal(t, "l2", dirty[1].LocalID)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A scope that never synced reads as a zero checkpoint, not an error.
	cp, err := s.GetCheckpoint(ctx, model.KindWorkItems, "t1")
	require.NoError(t, err)
	require.True(t, cp.IsZero())

	at := time.Date(2026, 3, 2, 8, 30, 0, 123456000, time.UTC)
	require.NoError(t, s.SetCheckpoint(ctx, model.KindWorkItems, "t1", at))

	cp, err = s.GetCheckpoint(ctx, model.KindWorkItems, "t1")
	require.NoError(t, err)
	require.True(t, cp.At.Equal(at))

	all, err := s.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, model.KindWorkItems, all[0].Kind)
}

func TestSchemaVersionCacheExactMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := &model.SchemaVersion{
		TableID: "t1",
		Version: 1,
		Fields: []model.FieldDef{
			{Key: "crop", Type: model.FieldText, Required: true, Parent: -1},
		},
		PublishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutSchemaVersion(ctx, v1))

	got, err := s.GetSchemaVersion(ctx, "t1", 1)
	require.NoError(t, err)
	require.Equal(t, "crop", got.Fields[0].Key)

	// A version that was never cached is an explicit miss, never a substitute.
	_, err = s.GetSchemaVersion(ctx, "t1", 2)
	require.ErrorIs(t, err, ErrVersionUnknown)
}

func TestApplyRemoteSubmissionUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkItem(ctx, testWorkItem("w1", "t1")))

	version := 1
	rec := &model.ResponseRecord{
		ID:               "srv-1",
		LocalID:          "l1",
		AssignmentID:     "w1",
		TableID:          "t1",
		Data:             []byte(`{"crop":"beans"}`),
		SubmittedVersion: &version,
		CreatedAt:        time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		UpdatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SyncedAt:         time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
	require.NoError(t, s.ApplyRemoteSubmission(ctx, rec))
	require.NoError(t, s.ApplyRemoteSubmission(ctx, rec))

	_, submissions, dirty, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, submissions)
	require.Equal(t, 0, dirty)

	sub, err := s.GetSubmission(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "srv-1", sub.ServerID)
	require.JSONEq(t, `{"crop":"beans"}`, string(sub.Payload))
}
