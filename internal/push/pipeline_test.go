package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/syncbridge/internal/objects"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// fakeStore tracks records and the status transitions applied to them.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*types.Record
	statusWalks map[string][]types.RecordStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     map[string]*types.Record{},
		statusWalks: map[string][]types.RecordStatus{},
	}
}

func (f *fakeStore) InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &types.Record{
		ID:         ulid.Make().String(),
		SyncID:     nr.SyncID,
		UserID:     nr.UserID,
		ExternalID: nr.ExternalID,
		Name:       nr.Name,
		Data:       nr.Data,
		SyncStatus: nr.SyncStatus,
		Version:    1,
	}
	f.records[r.ID] = r
	f.statusWalks[r.ID] = append(f.statusWalks[r.ID], r.SyncStatus)
	return r, nil
}

func (f *fakeStore) SetRecordStatus(ctx context.Context, id string, status types.RecordStatus, syncError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return errors.New("record not found")
	}
	r.SyncStatus = status
	r.SyncError = syncError
	f.statusWalks[id] = append(f.statusWalks[id], status)
	return nil
}

func (f *fakeStore) SetRecordExternalID(ctx context.Context, id, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return errors.New("record not found")
	}
	r.ExternalID = externalID
	return nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return errors.New("record not found")
	}
	delete(f.records, id)
	return nil
}

// fakeRemote answers every action from a closure.
type fakeRemote struct {
	mu      sync.Mutex
	lastKey string
	run     func(key string, req remote.RunRequest) (*remote.Output, error)
}

func (f *fakeRemote) Connection(string) remote.Connection { return &fakeConnection{remote: f} }

type fakeConnection struct{ remote *fakeRemote }

func (c *fakeConnection) Action(key string) remote.Action {
	return &fakeAction{remote: c.remote, key: key}
}
func (c *fakeConnection) Get(context.Context, remote.GetOptions) error { return nil }
func (c *fakeConnection) Create(context.Context) error                 { return nil }
func (c *fakeConnection) Archive(context.Context) error                { return nil }

type fakeAction struct {
	remote *fakeRemote
	key    string
}

func (a *fakeAction) Run(ctx context.Context, req remote.RunRequest) (*remote.Output, error) {
	a.remote.mu.Lock()
	a.remote.lastKey = a.key
	a.remote.mu.Unlock()
	return a.remote.run(a.key, req)
}

type collectLogger struct {
	mu         sync.Mutex
	activities []types.Activity
}

func (c *collectLogger) Record(a types.Activity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activities = append(c.activities, a)
}

func newTestPipeline(t *testing.T, run func(key string, req remote.RunRequest) (*remote.Output, error)) (*Pipeline, *fakeStore, *fakeRemote, *collectLogger) {
	t.Helper()
	registry, err := objects.NewRegistry()
	require.NoError(t, err)
	store := newFakeStore()
	rem := &fakeRemote{run: run}
	logger := &collectLogger{}
	return New(store, rem, logger, registry), store, rem, logger
}

func contactsSync() *types.Sync {
	return &types.Sync{
		ID:             "sync-1",
		UserID:         "user-1",
		IntegrationKey: "crm",
		InstanceKey:    "inst-1",
		AppObjectKey:   "contacts",
	}
}

func TestCreateRecordHappyPath(t *testing.T) {
	p, store, rem, logger := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		return &remote.Output{ID: "ext-42"}, nil
	})

	rec, err := p.CreateRecord(context.Background(), contactsSync(), "Ada", map[string]any{"email": "ada@example.com"})
	require.NoError(t, err)

	assert.Equal(t, types.RecordCompleted, rec.SyncStatus)
	assert.Equal(t, "ext-42", rec.ExternalID)
	assert.Equal(t, "create-contact", rem.lastKey)

	walk := store.statusWalks[rec.ID]
	assert.Equal(t, []types.RecordStatus{types.RecordPending, types.RecordInProgress, types.RecordCompleted}, walk)

	require.Len(t, logger.activities, 1)
	assert.Equal(t, types.ActivityRecordCreated, logger.activities[0].Type)
	assert.Equal(t, "completed", logger.activities[0].Metadata["status"])
}

func TestCreateRecordRemoteFailureKeepsLocalRow(t *testing.T) {
	p, store, _, logger := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		return nil, &remote.OperationError{Status: 422, Data: remote.OperationErrorData{Message: "email is invalid"}}
	})

	rec, err := p.CreateRecord(context.Background(), contactsSync(), "Ada", map[string]any{"email": "nope"})
	require.NoError(t, err, "a remote failure must not fail the create")

	assert.Equal(t, types.RecordFailed, rec.SyncStatus)
	assert.Equal(t, "email is invalid", rec.SyncError, "the remote message lands verbatim")
	assert.Empty(t, rec.ExternalID)
	assert.Contains(t, store.records, rec.ID, "local row survives")

	require.Len(t, logger.activities, 1)
	assert.Equal(t, "failed", logger.activities[0].Metadata["status"])
}

func TestUpdateRecordSendsExternalIDAndFields(t *testing.T) {
	var gotInput map[string]any
	p, _, rem, _ := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		gotInput = req.Input
		return &remote.Output{}, nil
	})

	rec := &types.Record{ID: "r1", SyncID: "sync-1", ExternalID: "ext-9", Data: map[string]any{"email": "new@example.com"}}
	// Seed the fake store so status writes resolve.
	p.store.(*fakeStore).records[rec.ID] = rec

	out := p.UpdateRecord(context.Background(), contactsSync(), rec)

	assert.Equal(t, types.RecordCompleted, out.SyncStatus)
	assert.Equal(t, "update-contact", rem.lastKey)
	assert.Equal(t, "ext-9", gotInput["id"])
	assert.Equal(t, "new@example.com", gotInput["email"])
}

func TestUpdateRecordFailureClearsThenSetsError(t *testing.T) {
	p, store, _, _ := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		return nil, errors.New("wire broke")
	})

	rec := &types.Record{ID: "r1", SyncID: "sync-1", ExternalID: "ext-9", SyncError: "stale error", Data: map[string]any{}}
	store.records[rec.ID] = rec

	out := p.UpdateRecord(context.Background(), contactsSync(), rec)

	assert.Equal(t, types.RecordFailed, out.SyncStatus)
	assert.Equal(t, "wire broke", out.SyncError)
	// The walk shows the error was cleared on entry before failing.
	assert.Equal(t, []types.RecordStatus{types.RecordInProgress, types.RecordFailed}, store.statusWalks[rec.ID])
}

func TestDeleteRecordLocalAuthoritative(t *testing.T) {
	p, store, _, logger := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		return nil, errors.New("remote is down")
	})

	rec := &types.Record{ID: "r1", SyncID: "sync-1", ExternalID: "ext-9", Data: map[string]any{}}
	store.records[rec.ID] = rec

	err := p.DeleteRecord(context.Background(), contactsSync(), rec)
	require.NoError(t, err, "remote failure must not block the local delete")

	assert.NotContains(t, store.records, rec.ID)
	require.Len(t, logger.activities, 1)
	assert.Equal(t, types.ActivityRecordDeleted, logger.activities[0].Type)
	assert.Equal(t, "remote is down", logger.activities[0].Metadata["remote_error"])
}

func TestDeleteRecordWithoutExternalIDSkipsRemote(t *testing.T) {
	remoteCalled := false
	p, store, _, _ := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		remoteCalled = true
		return &remote.Output{}, nil
	})

	rec := &types.Record{ID: "r1", SyncID: "sync-1", Data: map[string]any{}}
	store.records[rec.ID] = rec

	require.NoError(t, p.DeleteRecord(context.Background(), contactsSync(), rec))
	assert.False(t, remoteCalled, "a never-pushed record has nothing to delete remotely")
	assert.NotContains(t, store.records, rec.ID)
}

func TestUpdateRecordNoActionTypeCompletesLocally(t *testing.T) {
	remoteCalled := false
	p, _, _, logger := newTestPipeline(t, func(key string, req remote.RunRequest) (*remote.Output, error) {
		remoteCalled = true
		return &remote.Output{}, nil
	})

	// The documents type has no update action.
	sy := contactsSync()
	sy.AppObjectKey = "documents"
	rec := &types.Record{ID: "r1", SyncID: sy.ID, Data: map[string]any{}}
	p.store.(*fakeStore).records[rec.ID] = rec

	out := p.UpdateRecord(context.Background(), sy, rec)

	assert.False(t, remoteCalled)
	assert.Same(t, rec, out)
	require.Len(t, logger.activities, 1)
	assert.Equal(t, types.ActivityRecordUpdated, logger.activities[0].Type)
}

func TestErrorMessagePrefersOperationMessage(t *testing.T) {
	opErr := &remote.OperationError{Status: 400, Data: remote.OperationErrorData{Message: "bad field"}}
	assert.Equal(t, "bad field", ErrorMessage(opErr))

	plain := errors.New("plain failure")
	assert.Equal(t, "plain failure", ErrorMessage(plain))
}
