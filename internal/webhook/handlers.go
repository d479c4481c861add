// Package webhook applies remote-originated events to the local store.
// Handlers are stateless and idempotent: delivery is at-least-once, so a
// replayed event must not duplicate or corrupt local state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/syncbridge/internal/activity"
	"github.com/hyperengineering/syncbridge/internal/store"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// Store defines the persistence operations webhook ingestion needs.
type Store interface {
	GetSyncByInstanceKey(ctx context.Context, userID, instanceKey string) (*types.Sync, error)
	GetRecordByExternalID(ctx context.Context, syncID, externalID string) (*types.Record, error)
	InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error)
	UpdateRecordData(ctx context.Context, id string, version int64, name string, data map[string]any) (*types.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	RelinkDocument(ctx context.Context, userID, id, externalID string) (*types.Document, error)
}

// Handler serves the inbound webhook endpoints.
type Handler struct {
	store      Store
	activities activity.Logger
	schemas    *schemas
}

// NewHandler creates a webhook Handler.
func NewHandler(s Store, activities activity.Logger) (*Handler, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Handler{store: s, activities: activities, schemas: compiled}, nil
}

// Routes mounts the webhook endpoints behind token verification.
func (h *Handler) Routes(secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))
	r.Post("/on-create", h.OnCreate)
	r.Post("/on-update", h.OnUpdate)
	r.Post("/on-delete", h.OnDelete)
	r.Post("/link-id", h.LinkID)
	return r
}

// OnCreate applies a remote create event. Replays of the same
// (externalRecordId, instanceKey, user) are no-ops that still return 200.
func (h *Handler) OnCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := SubjectFromContext(ctx)

	raw, ok := h.decodeAndValidate(w, r, h.schemas.event)
	if !ok {
		return
	}
	payload := parseEventPayload(raw)

	sy, err := h.store.GetSyncByInstanceKey(ctx, userID, payload.InstanceKey)
	if err != nil {
		h.writeSyncLookupError(w, payload.InstanceKey, err)
		return
	}

	if _, err := h.store.GetRecordByExternalID(ctx, sy.ID, payload.ExternalRecordID); err == nil {
		// Already mirrored; the remote system retried delivery.
		writeMessage(w, http.StatusOK, "OK")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	rec, err := h.store.InsertRecord(ctx, types.NewRecord{
		SyncID:     sy.ID,
		UserID:     userID,
		ExternalID: payload.ExternalRecordID,
		Data:       payload.Fields,
		SyncStatus: types.RecordCompleted,
	})
	if errors.Is(err, store.ErrDuplicateRecord) {
		// A concurrent delivery of the same event won the insert race
		// between our existence check and the write.
		writeMessage(w, http.StatusOK, "OK")
		return
	}
	if err != nil {
		slog.Error("webhook create failed",
			"component", "webhook",
			"sync_id", sy.ID,
			"external_id", payload.ExternalRecordID,
			"error", err,
		)
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.activities.Record(types.Activity{
		SyncID:   sy.ID,
		UserID:   userID,
		Type:     types.ActivityRecordCreated,
		RecordID: rec.ID,
		Metadata: map[string]any{
			"external_id": payload.ExternalRecordID,
			"source":      "webhook",
		},
	})

	writeMessage(w, http.StatusOK, "OK")
}

// OnUpdate applies a remote update event. An unknown record is answered
// with 200 and a message, not an error: the remote system must not retry
// forever for a record the local side never tracked.
func (h *Handler) OnUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := SubjectFromContext(ctx)

	raw, ok := h.decodeAndValidate(w, r, h.schemas.event)
	if !ok {
		return
	}
	payload := parseEventPayload(raw)

	sy, err := h.store.GetSyncByInstanceKey(ctx, userID, payload.InstanceKey)
	if err != nil {
		h.writeSyncLookupError(w, payload.InstanceKey, err)
		return
	}

	rec, err := h.store.GetRecordByExternalID(ctx, sy.ID, payload.ExternalRecordID)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusOK, "Document not found")
		return
	}
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	changes := diffFields(rec.Data, payload.Fields)

	updated, err := h.applyUpdate(ctx, rec, payload.Fields)
	if err != nil {
		slog.Error("webhook update failed",
			"component", "webhook",
			"record_id", rec.ID,
			"error", err,
		)
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.activities.Record(types.Activity{
		SyncID:   sy.ID,
		UserID:   userID,
		Type:     types.ActivityRecordUpdated,
		RecordID: updated.ID,
		Metadata: map[string]any{
			"external_id": payload.ExternalRecordID,
			"source":      "webhook",
			"changes":     changes,
		},
	})

	writeMessage(w, http.StatusOK, "ok")
}

// applyUpdate overwrites the record data under the optimistic version
// check, reloading once when a concurrent writer got there first. After
// that the later write wins.
func (h *Handler) applyUpdate(ctx context.Context, rec *types.Record, fields map[string]any) (*types.Record, error) {
	updated, err := h.store.UpdateRecordData(ctx, rec.ID, rec.Version, rec.Name, fields)
	if !errors.Is(err, store.ErrVersionConflict) {
		return updated, err
	}

	fresh, err := h.store.GetRecordByExternalID(ctx, rec.SyncID, rec.ExternalID)
	if err != nil {
		return nil, err
	}
	return h.store.UpdateRecordData(ctx, fresh.ID, fresh.Version, fresh.Name, fields)
}

// OnDelete applies a remote delete event. Deleting an untracked record is
// silent success; an activity entry is written only when a record existed.
func (h *Handler) OnDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := SubjectFromContext(ctx)

	raw, ok := h.decodeAndValidate(w, r, h.schemas.delete)
	if !ok {
		return
	}
	externalRecordID := stringField(raw, "externalRecordId")
	instanceKey := stringField(raw, "instanceKey")

	sy, err := h.store.GetSyncByInstanceKey(ctx, userID, instanceKey)
	if err != nil {
		h.writeSyncLookupError(w, instanceKey, err)
		return
	}

	rec, err := h.store.GetRecordByExternalID(ctx, sy.ID, externalRecordID)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusOK, "ok")
		return
	}
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := h.store.DeleteRecord(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.activities.Record(types.Activity{
		SyncID:   sy.ID,
		UserID:   userID,
		Type:     types.ActivityRecordDeleted,
		RecordID: rec.ID,
		Metadata: map[string]any{
			"external_id": externalRecordID,
			"source":      "webhook",
		},
	})

	writeMessage(w, http.StatusOK, "ok")
}

// LinkID rewrites a side-channel document's remote id once the remote
// create completed asynchronously, and flips its link status to success.
func (h *Handler) LinkID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, ok := h.decodeAndValidate(w, r, h.schemas.linkID)
	if !ok {
		return
	}
	userID := stringField(raw, "userId")
	docID := stringField(raw, "id")
	externalID := stringField(raw, "externalId")

	if _, err := h.store.RelinkDocument(ctx, userID, docID, externalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "Document not found")
			return
		}
		slog.Error("link-id failed",
			"component", "webhook",
			"document_id", docID,
			"error", err,
		)
		writeMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeMessage(w, http.StatusOK, "ok")
}

// decodeAndValidate decodes the body and checks it against the endpoint
// schema. A malformed payload is answered with 400 and never retried.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, schema interface{ Validate(any) error }) (map[string]any, bool) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return nil, false
	}
	if err := schema.Validate(any(raw)); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %s", err))
		return nil, false
	}
	return raw, true
}

func (h *Handler) writeSyncLookupError(w http.ResponseWriter, instanceKey string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("No sync for instance %q", instanceKey))
		return
	}
	writeMessage(w, http.StatusInternalServerError, "Internal error")
}

// diffFields builds the key-by-key change set recorded in the update
// activity. Equality is judged on stringified values.
func diffFields(oldFields, newFields map[string]any) map[string]any {
	changes := map[string]any{}
	for key, newVal := range newFields {
		oldVal, existed := oldFields[key]
		if !existed || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changes[key] = map[string]any{"from": oldVal, "to": newVal}
		}
	}
	for key, oldVal := range oldFields {
		if _, kept := newFields[key]; !kept {
			changes[key] = map[string]any{"from": oldVal, "to": nil}
		}
	}
	return changes
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
