package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/formworks/fieldsync/internal/api"
	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/schemaver"
	"github.com/formworks/fieldsync/internal/server"
	"github.com/formworks/fieldsync/internal/store"
)

const testAPIKey = "test-key"

type testEnv struct {
	local       *store.LocalStore
	remote      *server.Store
	sctx        *SyncContext
	client      *Client
	coordinator *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	remote, err := server.Open(filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	ts := httptest.NewServer(api.NewRouter(api.NewHandler(remote, testAPIKey, "test")))
	t.Cleanup(ts.Close)

	local, err := store.Open(filepath.Join(dir, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	sctx, err := NewSyncContext(context.Background(), local, ts.URL, testAPIKey)
	require.NoError(t, err)

	return &testEnv{
		local:       local,
		remote:      remote,
		sctx:        sctx,
		client:      NewClient(sctx),
		coordinator: NewCoordinator(local, sctx),
	}
}

// seedRemoteTable publishes a one-field schema so pushes validate.
func seedRemoteTable(t *testing.T, remote *server.Store, tableID string) {
	t.Helper()
	ctx := context.Background()
	published := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, remote.UpsertTable(ctx, &server.TableMeta{
		Table: model.Table{
			ID:             tableID,
			Name:           "Harvest Survey",
			CurrentVersion: 1,
			UpdatedAt:      published,
		},
		MinAcceptedVersion: 1,
	}))
	require.NoError(t, remote.PublishSchemaVersion(ctx, &model.SchemaVersion{
		TableID: tableID,
		Version: 1,
		Fields: []model.FieldDef{
			{Key: "crop", Type: model.FieldText, Required: true, Parent: -1},
		},
		PublishedAt: published,
	}))
}

// createAdHocSubmission simulates offline capture: a client-generated work
// item plus one dirty submission pinned to the cached current version.
func createAdHocSubmission(t *testing.T, env *testEnv, tableID, externalID, localID string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	itemID := uuid.NewString()
	require.NoError(t, env.local.UpsertWorkItem(ctx, &model.WorkItem{
		ID:            itemID,
		ExternalID:    externalID,
		TableID:       tableID,
		SchemaVersion: 1,
		Status:        model.StatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
		Local:         true,
	}))

	sub := &model.Submission{
		LocalID:    localID,
		WorkItemID: itemID,
		TableID:    tableID,
		Payload:    []byte(`{"crop":"maize"}`),
		DeviceID:   env.sctx.DeviceID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Dirty:      true,
	}
	require.NoError(t, schemaver.New(env.local).Pin(ctx, sub))
	require.NoError(t, env.local.InsertSubmission(ctx, sub))
	return itemID
}

func countRemoteAssignments(t *testing.T, remote *server.Store, tableID string) int {
	t.Helper()
	records, next, _, err := remote.DeltaAssignments(context.Background(), server.DeltaRequest{
		TableID: tableID,
		PerPage: server.MaxPerPage,
	})
	require.NoError(t, err)
	require.Nil(t, next)
	return len(records)
}

func TestOfflineAdHocPushIsIdempotent(t *testing.T) {
	// Given a device that captured an ad hoc submission while offline
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	report, err := env.coordinator.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Push.Attempted)

	localItemID := createAdHocSubmission(t, env, "t1", "E1", "L1")

	// When the device reconnects and syncs
	report, err = env.coordinator.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Push.Pushed)
	require.Equal(t, 1, report.Push.Remapped)

	// Then the work item carries the server-canonical id
	_, err = env.local.GetWorkItem(ctx, localItemID)
	require.ErrorIs(t, err, store.ErrNotFound)

	sub, err := env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.NotEmpty(t, sub.ServerID)
	require.NotEqual(t, localItemID, sub.WorkItemID)
	require.False(t, sub.Dirty)
	firstServerID := sub.ServerID

	item, err := env.local.GetWorkItem(ctx, sub.WorkItemID)
	require.NoError(t, err)
	require.False(t, item.Local)

	// And when the identical payload is pushed again under the same local id
	require.NoError(t, env.local.MarkSubmissionDirty(ctx, "L1"))
	report, err = env.coordinator.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Push.Pushed)

	// Then the server replays the original acknowledgment: same server id,
	// no duplicate work item
	sub, err = env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, firstServerID, sub.ServerID)
	require.Equal(t, 1, countRemoteAssignments(t, env.remote, "t1"))
}

func TestPullPaginationCompleteness(t *testing.T) {
	// Given 10 assignments on the server and a page size of 3
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		_, err := env.remote.CreateAssignment(ctx, &model.AssignmentRecord{
			TableID:       "t1",
			SchemaVersion: 1,
			Status:        string(model.StatusAssigned),
			CreatedAt:     base,
			UpdatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	puller := NewPuller(env.local, env.client)
	puller.pageSize = 3

	// When the initial pull runs
	result, err := puller.PullWorkItems(ctx, "t1")
	require.NoError(t, err)

	// Then four pages cover the set exactly once
	require.Equal(t, 4, result.Pages)
	require.Equal(t, 10, result.Applied)
	require.True(t, result.Initial)

	items, err := env.local.ListWorkItems(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, items, 10)
}

func TestCheckpointAdvancesToServerTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	puller := NewPuller(env.local, env.client)
	before := time.Now().UTC()

	result, err := puller.PullWorkItems(ctx, "t1")
	require.NoError(t, err)
	require.False(t, result.ServerTime.IsZero())

	cp, err := env.local.GetCheckpoint(ctx, model.KindWorkItems, "t1")
	require.NoError(t, err)
	require.True(t, cp.At.Equal(result.ServerTime))
	// Sanity: the checkpoint is the server's declaration, in the window of
	// this test run, and the next pull only moves it forward.
	require.False(t, cp.At.Before(before.Add(-time.Minute)))

	result2, err := puller.PullWorkItems(ctx, "t1")
	require.NoError(t, err)
	require.False(t, result2.Initial)

	cp2, err := env.local.GetCheckpoint(ctx, model.KindWorkItems, "t1")
	require.NoError(t, err)
	require.False(t, cp2.At.Before(cp.At))
}

func TestTombstoneConvergence(t *testing.T) {
	// Given a synced assignment with a pushed submission
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	_, err := env.coordinator.Run(ctx)
	require.NoError(t, err)

	createAdHocSubmission(t, env, "t1", "E1", "L1")
	_, err = env.coordinator.Run(ctx)
	require.NoError(t, err)

	sub, err := env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	serverItemID := sub.WorkItemID

	// When the server deletes the assignment and the client syncs again
	require.NoError(t, env.remote.DeleteAssignment(ctx, serverItemID, time.Now().UTC()))
	_, err = env.coordinator.Run(ctx)
	require.NoError(t, err)

	// Then the work item and its submission disappear locally
	_, err = env.local.GetWorkItem(ctx, serverItemID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.local.GetSubmission(ctx, "L1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPullKeepsNewerLocalEdit(t *testing.T) {
	// Given a synced submission that was edited locally after the server copy
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	_, err := env.coordinator.Run(ctx)
	require.NoError(t, err)
	createAdHocSubmission(t, env, "t1", "E1", "L1")
	_, err = env.coordinator.Run(ctx)
	require.NoError(t, err)

	localEdit := time.Now().UTC().Add(time.Hour)
	require.NoError(t, env.local.UpdateSubmissionPayload(ctx, "L1",
		[]byte(`{"crop":"beans"}`), localEdit))

	// Roll the checkpoint back so the server copy falls inside the next
	// delta window again
	require.NoError(t, env.local.SetCheckpoint(ctx, model.KindSubmissions, "",
		time.Now().UTC().Add(-time.Minute)))

	// When only the pull side runs
	puller := NewPuller(env.local, env.client)
	result, err := puller.PullSubmissions(ctx)
	require.NoError(t, err)

	// Then the strictly newer local edit survives and stays dirty
	require.Equal(t, 1, result.KeptLocal)
	sub, err := env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.JSONEq(t, `{"crop":"beans"}`, string(sub.Payload))
	require.True(t, sub.Dirty)

	// And the conflict is reported with the decision that was taken
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "L1", result.Conflicts[0].ID)
	require.Equal(t, KeepLocal, result.Conflicts[0].Decision)
	require.True(t, result.Conflicts[0].LocalTime.After(result.Conflicts[0].RemoteTime))
}

func TestPullTakesNewerRemote(t *testing.T) {
	// Given a local dirty edit that is older than the server copy
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	_, err := env.coordinator.Run(ctx)
	require.NoError(t, err)
	createAdHocSubmission(t, env, "t1", "E1", "L1")
	_, err = env.coordinator.Run(ctx)
	require.NoError(t, err)

	staleEdit := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.local.UpdateSubmissionPayload(ctx, "L1",
		[]byte(`{"crop":"stale"}`), staleEdit))

	require.NoError(t, env.local.SetCheckpoint(ctx, model.KindSubmissions, "",
		time.Now().UTC().Add(-time.Minute)))

	puller := NewPuller(env.local, env.client)
	result, err := puller.PullSubmissions(ctx)
	require.NoError(t, err)

	// Then the remote payload replaces the stale local edit
	sub, err := env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.JSONEq(t, `{"crop":"maize"}`, string(sub.Payload))
	require.False(t, sub.Dirty)

	// And the overwrite of the dirty copy is reported as a conflict
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "L1", result.Conflicts[0].ID)
	require.Equal(t, TakeRemote, result.Conflicts[0].Decision)
}

func TestPushVersionRejected(t *testing.T) {
	// Given a server that no longer accepts version 1
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	_, err := env.coordinator.Run(ctx)
	require.NoError(t, err)
	createAdHocSubmission(t, env, "t1", "E1", "L1")

	require.NoError(t, env.remote.PublishSchemaVersion(ctx, &model.SchemaVersion{
		TableID: "t1",
		Version: 2,
		Fields: []model.FieldDef{
			{Key: "crop", Type: model.FieldText, Required: true, Parent: -1},
			{Key: "area_ha", Type: model.FieldNumber, Parent: -1},
		},
		PublishedAt: time.Now().UTC(),
	}))
	table, err := env.remote.GetTable(ctx, "t1")
	require.NoError(t, err)
	table.MinAcceptedVersion = 2
	require.NoError(t, env.remote.UpsertTable(ctx, table))

	// When the device pushes its version 1 submission
	report, err := env.coordinator.Run(ctx)
	require.NoError(t, err)

	// Then the item is reported as a version conflict and stays dirty
	require.Len(t, report.Push.VersionConflicts, 1)
	vc := report.Push.VersionConflicts[0]
	require.Equal(t, "L1", vc.LocalID)
	require.Equal(t, 1, vc.PinnedVersion)
	require.Equal(t, 2, vc.RequiredVersion)

	sub, err := env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.True(t, sub.Dirty)
	require.Empty(t, sub.ServerID)

	// And the required version was cached so migration can run offline
	cached, err := env.local.GetSchemaVersion(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, cached.Fields, 2)

	// After an explicit migration the re-push succeeds
	migrated, err := schemaver.New(env.local).Migrate(ctx, sub, 2)
	require.NoError(t, err)
	require.Equal(t, 2, migrated.SchemaVersion)

	report, err = env.coordinator.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Push.Pushed)
	require.Empty(t, report.Push.VersionConflicts)
}

func TestPushRejectedItemDoesNotBlockSiblings(t *testing.T) {
	// Given one valid and one invalid submission in the same batch
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	_, err := env.coordinator.Run(ctx)
	require.NoError(t, err)
	createAdHocSubmission(t, env, "t1", "E1", "L1")

	createAdHocSubmission(t, env, "t1", "E2", "L2")
	require.NoError(t, env.local.UpdateSubmissionPayload(ctx, "L2",
		[]byte(`{}`), time.Now().UTC()))

	// When the batch is pushed
	report, err := env.coordinator.Run(ctx)
	require.NoError(t, err)

	// Then the valid sibling lands and the invalid one is isolated
	require.Equal(t, 1, report.Push.Pushed)
	require.Len(t, report.Push.Errors, 1)
	require.Equal(t, "L2", report.Push.Errors[0].LocalID)

	good, err := env.local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.False(t, good.Dirty)

	bad, err := env.local.GetSubmission(ctx, "L2")
	require.NoError(t, err)
	require.True(t, bad.Dirty)
}

func TestCoordinatorSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	env.coordinator.running.Store(true)

	_, err := env.coordinator.Run(context.Background())
	require.ErrorIs(t, err, ErrSyncRunning)
}

func TestInitialSyncPrunesOrphans(t *testing.T) {
	// Given a local cache holding a server-origin work item the server no
	// longer returns, next to an ad hoc local item
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")

	now := time.Now().UTC()
	require.NoError(t, env.local.UpsertTable(ctx, &model.Table{
		ID: "t1", Name: "Harvest Survey", CurrentVersion: 1, UpdatedAt: now,
	}))
	require.NoError(t, env.local.UpsertWorkItem(ctx, &model.WorkItem{
		ID: "stale-server-item", TableID: "t1", SchemaVersion: 1,
		Status: model.StatusAssigned, CreatedAt: now, UpdatedAt: now,
	}))
	adHoc := uuid.NewString()
	require.NoError(t, env.local.UpsertWorkItem(ctx, &model.WorkItem{
		ID: adHoc, TableID: "t1", SchemaVersion: 1,
		Status: model.StatusInProgress, CreatedAt: now, UpdatedAt: now,
		Local: true,
	}))

	// When the initial pull for the table runs (no checkpoint yet)
	puller := NewPuller(env.local, env.client)
	result, err := puller.PullWorkItems(ctx, "t1")
	require.NoError(t, err)
	require.True(t, result.Initial)

	// Then the stale server-origin item is pruned and the ad hoc one is not
	_, err = env.local.GetWorkItem(ctx, "stale-server-item")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.local.GetWorkItem(ctx, adHoc)
	require.NoError(t, err)
}

func TestPushBatching(t *testing.T) {
	// Given more dirty submissions than fit in one batch
	env := newTestEnv(t)
	ctx := context.Background()
	seedRemoteTable(t, env.remote, "t1")
	_, err := env.coordinator.Run(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		createAdHocSubmission(t, env, "t1",
			fmt.Sprintf("E%d", i), fmt.Sprintf("L%d", i))
	}

	pusher := NewPusher(env.local, env.client, schemaver.New(env.local), env.sctx)
	pusher.batchSize = 2

	// When the push runs
	report, err := pusher.Push(ctx)
	require.NoError(t, err)

	// Then every batch lands
	require.Equal(t, 5, report.Attempted)
	require.Equal(t, 5, report.Pushed)
	require.Equal(t, 5, countRemoteAssignments(t, env.remote, "t1"))
}

func TestPushSuccessWithoutSyncedAtLeavesItemDirty(t *testing.T) {
	// Given a server that reports success but omits synced_at
	dir := t.TempDir()
	local, err := store.Open(filepath.Join(dir, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/responses/sync", func(w http.ResponseWriter, r *http.Request) {
		var req model.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Responses, 1)
		resp := model.PushResponse{Results: []model.PushResult{{
			LocalID:  req.Responses[0].LocalID,
			Status:   model.PushStatusSuccess,
			ServerID: "01SRV",
		}}}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ctx := context.Background()
	sctx, err := NewSyncContext(ctx, local, ts.URL, testAPIKey)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, local.UpsertWorkItem(ctx, &model.WorkItem{
		ID:            "W1",
		TableID:       "t1",
		SchemaVersion: 1,
		Status:        model.StatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	require.NoError(t, local.InsertSubmission(ctx, &model.Submission{
		LocalID:       "L1",
		WorkItemID:    "W1",
		TableID:       "t1",
		Payload:       []byte(`{"crop":"maize"}`),
		SchemaVersion: 1,
		DeviceID:      sctx.DeviceID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Dirty:         true,
	}))

	// When the push runs
	pusher := NewPusher(local, NewClient(sctx), schemaver.New(local), sctx)
	report, err := pusher.Push(ctx)
	require.NoError(t, err)

	// Then the acknowledgment is refused and the submission stays dirty
	require.Equal(t, 0, report.Pushed)
	require.Len(t, report.Errors, 1)
	require.Equal(t, "L1", report.Errors[0].LocalID)
	require.Contains(t, report.Errors[0].Message, "synced_at")

	sub, err := local.GetSubmission(ctx, "L1")
	require.NoError(t, err)
	require.True(t, sub.Dirty)
	require.Empty(t, sub.ServerID)
	require.Nil(t, sub.SyncedAt)
}
