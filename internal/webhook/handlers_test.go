package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/syncbridge/internal/store"
	"github.com/hyperengineering/syncbridge/internal/types"
)

const testSecret = "test-webhook-secret"

// fakeStore is an in-memory webhook Store.
type fakeStore struct {
	mu      sync.Mutex
	syncs   map[string]*types.Sync // instanceKey -> sync
	records map[string]*types.Record
	docs    map[string]*types.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		syncs:   map[string]*types.Sync{},
		records: map[string]*types.Record{},
		docs:    map[string]*types.Document{},
	}
}

func (f *fakeStore) GetSyncByInstanceKey(ctx context.Context, userID, instanceKey string) (*types.Sync, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sy, ok := f.syncs[instanceKey]
	if !ok || sy.UserID != userID {
		return nil, store.ErrNotFound
	}
	return sy, nil
}

func (f *fakeStore) GetRecordByExternalID(ctx context.Context, syncID, externalID string) (*types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.SyncID == syncID && r.ExternalID == externalID {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
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
	return r, nil
}

func (f *fakeStore) UpdateRecordData(ctx context.Context, id string, version int64, name string, data map[string]any) (*types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Version != version {
		return nil, store.ErrVersionConflict
	}
	r.Name = name
	r.Data = data
	r.Version++
	return r, nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakeStore) RelinkDocument(ctx context.Context, userID, id, externalID string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.UserID != userID {
		return nil, store.ErrNotFound
	}
	d.ExternalID = externalID
	d.LinkStatus = types.DocumentLinkSuccess
	return d, nil
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

func (c *collectLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activities)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore, *collectLogger) {
	t.Helper()
	fs := newFakeStore()
	logger := &collectLogger{}
	h, err := NewHandler(fs, logger)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := httptest.NewServer(h.Routes(testSecret))
	t.Cleanup(srv.Close)
	return srv, fs, logger
}

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(subject).Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), []byte(secret)))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func postJSON(t *testing.T, srv *httptest.Server, path, token string, payload any) (*http.Response, map[string]string) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func eventPayloadFor(externalID, instanceKey string, fields map[string]any) map[string]any {
	return map[string]any{
		"externalRecordId": externalID,
		"instanceKey":      instanceKey,
		"data":             map[string]any{"fields": fields},
	}
}

func seedSync(fs *fakeStore) *types.Sync {
	sy := &types.Sync{ID: "sync-1", UserID: "user-1", IntegrationKey: "crm", InstanceKey: "inst-1", AppObjectKey: "contacts"}
	fs.syncs[sy.InstanceKey] = sy
	return sy
}

func TestOnCreateInsertsRecord(t *testing.T) {
	srv, fs, logger := newTestServer(t)
	sy := seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	resp, body := postJSON(t, srv, "/on-create", token,
		eventPayloadFor("ext-1", "inst-1", map[string]any{"email": "ada@example.com"}))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["message"] != "OK" {
		t.Errorf("message = %q, want OK", body["message"])
	}

	rec, err := fs.GetRecordByExternalID(context.Background(), sy.ID, "ext-1")
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.SyncStatus != types.RecordCompleted {
		t.Errorf("sync_status = %q, want completed (no outbound push happened)", rec.SyncStatus)
	}
	if logger.count() != 1 {
		t.Errorf("activities = %d, want 1", logger.count())
	}
}

func TestOnCreateIsIdempotent(t *testing.T) {
	srv, fs, logger := newTestServer(t)
	seedSync(fs)
	token := signToken(t, "user-1", testSecret)
	payload := eventPayloadFor("ext-1", "inst-1", map[string]any{"email": "a@b.c"})

	for i := 0; i < 2; i++ {
		resp, body := postJSON(t, srv, "/on-create", token, payload)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want 200", i, resp.StatusCode)
		}
		if body["message"] != "OK" {
			t.Errorf("delivery %d: message = %q", i, body["message"])
		}
	}

	if len(fs.records) != 1 {
		t.Errorf("records = %d, want 1 (replay must not duplicate)", len(fs.records))
	}
	if logger.count() != 1 {
		t.Errorf("activities = %d, want 1 (no activity for the no-op replay)", logger.count())
	}
}

func TestOnUpdateAppliesDiff(t *testing.T) {
	srv, fs, logger := newTestServer(t)
	sy := seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	rec, _ := fs.InsertRecord(context.Background(), types.NewRecord{
		SyncID: sy.ID, UserID: "user-1", ExternalID: "ext-1",
		Data: map[string]any{"email": "old@example.com", "phone": "1"},
	})

	resp, body := postJSON(t, srv, "/on-update", token,
		eventPayloadFor("ext-1", "inst-1", map[string]any{"email": "new@example.com", "phone": "1"}))

	if resp.StatusCode != http.StatusOK || body["message"] != "ok" {
		t.Fatalf("status=%d message=%q", resp.StatusCode, body["message"])
	}

	if got := fs.records[rec.ID].Data["email"]; got != "new@example.com" {
		t.Errorf("email = %v, want overwritten", got)
	}

	if logger.count() != 1 {
		t.Fatalf("activities = %d, want 1", logger.count())
	}
	changes, ok := logger.activities[0].Metadata["changes"].(map[string]any)
	if !ok {
		t.Fatalf("changes metadata missing: %+v", logger.activities[0].Metadata)
	}
	if _, changed := changes["email"]; !changed {
		t.Error("email missing from change set")
	}
	if _, changed := changes["phone"]; changed {
		t.Error("unchanged phone must not appear in change set")
	}
}

func TestOnUpdateUnknownRecordIs200NoActivity(t *testing.T) {
	srv, fs, logger := newTestServer(t)
	seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	resp, body := postJSON(t, srv, "/on-update", token,
		eventPayloadFor("ghost", "inst-1", map[string]any{"email": "x"}))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["message"] != "Document not found" {
		t.Errorf("message = %q, want %q", body["message"], "Document not found")
	}
	if logger.count() != 0 {
		t.Errorf("activities = %d, want 0", logger.count())
	}
}

func TestOnDeleteRemovesRecord(t *testing.T) {
	srv, fs, logger := newTestServer(t)
	sy := seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	rec, _ := fs.InsertRecord(context.Background(), types.NewRecord{
		SyncID: sy.ID, UserID: "user-1", ExternalID: "ext-1", Data: map[string]any{},
	})

	resp, body := postJSON(t, srv, "/on-delete", token, map[string]any{
		"externalRecordId": "ext-1",
		"instanceKey":      "inst-1",
	})

	if resp.StatusCode != http.StatusOK || body["message"] != "ok" {
		t.Fatalf("status=%d message=%q", resp.StatusCode, body["message"])
	}
	if _, ok := fs.records[rec.ID]; ok {
		t.Error("record survived delete")
	}
	if logger.count() != 1 {
		t.Errorf("activities = %d, want 1", logger.count())
	}
}

func TestOnDeleteUnknownRecordSilentSuccess(t *testing.T) {
	srv, fs, logger := newTestServer(t)
	seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	resp, body := postJSON(t, srv, "/on-delete", token, map[string]any{
		"externalRecordId": "ghost",
		"instanceKey":      "inst-1",
	})

	if resp.StatusCode != http.StatusOK || body["message"] != "ok" {
		t.Fatalf("status=%d message=%q", resp.StatusCode, body["message"])
	}
	if logger.count() != 0 {
		t.Errorf("activities = %d, want 0 (nothing was deleted)", logger.count())
	}
}

func TestLinkIDRewritesDocument(t *testing.T) {
	srv, fs, _ := newTestServer(t)
	token := signToken(t, "user-1", testSecret)

	fs.docs["doc-1"] = &types.Document{ID: "doc-1", UserID: "user-1", Name: "report.pdf", LinkStatus: types.DocumentLinkPending}

	resp, body := postJSON(t, srv, "/link-id", token, map[string]any{
		"userId":     "user-1",
		"id":         "doc-1",
		"externalId": "remote-9",
	})

	if resp.StatusCode != http.StatusOK || body["message"] != "ok" {
		t.Fatalf("status=%d message=%q", resp.StatusCode, body["message"])
	}
	d := fs.docs["doc-1"]
	if d.ExternalID != "remote-9" || d.LinkStatus != types.DocumentLinkSuccess {
		t.Errorf("document not relinked: %+v", d)
	}
}

func TestLinkIDUnknownDocumentIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := signToken(t, "user-1", testSecret)

	resp, _ := postJSON(t, srv, "/link-id", token, map[string]any{
		"userId":     "user-1",
		"id":         "ghost",
		"externalId": "remote-9",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestInvalidPayloadIs400(t *testing.T) {
	srv, fs, _ := newTestServer(t)
	seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	// Missing instanceKey.
	resp, _ := postJSON(t, srv, "/on-create", token, map[string]any{
		"externalRecordId": "ext-1",
		"data":             map[string]any{"fields": map[string]any{}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBadTokenIs401(t *testing.T) {
	srv, fs, _ := newTestServer(t)
	seedSync(fs)

	for name, token := range map[string]string{
		"missing":      "",
		"wrong secret": signToken(t, "user-1", "some-other-secret"),
	} {
		resp, _ := postJSON(t, srv, "/on-create", token,
			eventPayloadFor("ext-1", "inst-1", map[string]any{}))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s token: status = %d, want 401", name, resp.StatusCode)
		}
	}
}

func TestUnknownInstanceIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := signToken(t, "user-1", testSecret)

	resp, body := postJSON(t, srv, "/on-create", token,
		eventPayloadFor("ext-1", "nowhere", map[string]any{}))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body["message"], "nowhere") {
		t.Errorf("message should name the instance: %q", body["message"])
	}
}

func TestUpdateRetriesOnceOnVersionConflict(t *testing.T) {
	fs := newFakeStore()
	logger := &collectLogger{}
	h, err := NewHandler(&conflictingStore{fakeStore: fs}, logger)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := httptest.NewServer(h.Routes(testSecret))
	t.Cleanup(srv.Close)

	sy := seedSync(fs)
	fs.InsertRecord(context.Background(), types.NewRecord{
		SyncID: sy.ID, UserID: "user-1", ExternalID: "ext-1", Data: map[string]any{"v": "old"},
	})
	token := signToken(t, "user-1", testSecret)

	resp, body := postJSON(t, srv, "/on-update", token,
		eventPayloadFor("ext-1", "inst-1", map[string]any{"v": "new"}))
	if resp.StatusCode != http.StatusOK || body["message"] != "ok" {
		t.Fatalf("status=%d message=%q (conflict should be retried once)", resp.StatusCode, body["message"])
	}
}

func TestOnCreateConcurrentDuplicateIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	logger := &collectLogger{}
	h, err := NewHandler(&racingStore{fakeStore: fs}, logger)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := httptest.NewServer(h.Routes(testSecret))
	t.Cleanup(srv.Close)

	seedSync(fs)
	token := signToken(t, "user-1", testSecret)

	resp, body := postJSON(t, srv, "/on-create", token,
		eventPayloadFor("ext-1", "inst-1", map[string]any{"email": "a@b.c"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (losing the insert race is still a no-op)", resp.StatusCode)
	}
	if body["message"] != "OK" {
		t.Errorf("message = %q, want OK", body["message"])
	}
	if logger.count() != 0 {
		t.Errorf("activities = %d, want 0", logger.count())
	}
}

// racingStore simulates a concurrent delivery of the same event: the
// existence check still misses, but the insert hits the unique index.
type racingStore struct {
	*fakeStore
}

func (r *racingStore) GetRecordByExternalID(ctx context.Context, syncID, externalID string) (*types.Record, error) {
	return nil, store.ErrNotFound
}

func (r *racingStore) InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error) {
	return nil, store.ErrDuplicateRecord
}

// conflictingStore fails the first UpdateRecordData with a version
// conflict, simulating a concurrent writer between read and write.
type conflictingStore struct {
	*fakeStore
	conflicted bool
}

func (c *conflictingStore) UpdateRecordData(ctx context.Context, id string, version int64, name string, data map[string]any) (*types.Record, error) {
	if !c.conflicted {
		c.conflicted = true
		return nil, store.ErrVersionConflict
	}
	return c.fakeStore.UpdateRecordData(ctx, id, version, name, data)
}
