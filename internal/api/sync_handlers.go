package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/syncbridge/internal/push"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// SyncListResponse is the payload of GET /api/v1/syncs.
type SyncListResponse struct {
	Syncs []types.SyncWithCount `json:"syncs"`
}

// ActivityListResponse is the payload of GET /api/v1/syncs/{id}/activities.
type ActivityListResponse struct {
	Activities []types.Activity `json:"activities"`
}

// ListSyncs handles GET /api/v1/syncs
func (h *Handler) ListSyncs(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	syncs, err := h.store.ListSyncs(r.Context(), userID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if syncs == nil {
		syncs = []types.SyncWithCount{}
	}

	writeJSON(w, http.StatusOK, SyncListResponse{Syncs: syncs})
}

// GetSync handles GET /api/v1/syncs/{id}
func (h *Handler) GetSync(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	sy, err := h.store.GetSync(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sy)
}

// CreateSync handles POST /api/v1/syncs. It provisions the remote
// connection (auto-creating it when absent), persists the sync row and
// starts the initial pull in the background.
func (h *Handler) CreateSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	var req types.CreateSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.IntegrationKey == "" || req.InstanceKey == "" || req.AppObjectKey == "" {
		WriteProblem(w, r, http.StatusBadRequest, "integration_key, instance_key and app_object_key are required")
		return
	}

	def, ok := h.registry.Get(req.AppObjectKey)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unknown object type %q", req.AppObjectKey))
		return
	}

	// Provision the remote side before committing anything locally; a sync
	// without a live remote connection can never pull.
	if err := h.client.Connection(req.InstanceKey).Get(ctx, remote.GetOptions{AutoCreate: true}); err != nil {
		slog.Error("remote connection provisioning failed",
			"component", "api",
			"action", "sync_create_failed",
			"instance_key", req.InstanceKey,
			"error", err,
		)
		WriteProblem(w, r, http.StatusServiceUnavailable, fmt.Sprintf("Remote connection unavailable: %s", push.ErrorMessage(err)))
		return
	}

	sy := &types.Sync{
		UserID:             userID,
		IntegrationKey:     req.IntegrationKey,
		InstanceKey:        req.InstanceKey,
		AppObjectKey:       req.AppObjectKey,
		Status:             types.SyncInProgress,
		IntegrationName:    req.IntegrationName,
		IntegrationLogoURI: req.IntegrationLogoURI,
	}
	if err := h.store.CreateSync(ctx, sy); err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.startPull(sy, def.ListAction)

	slog.Info("sync created",
		"component", "api",
		"action", "sync_created",
		"sync_id", sy.ID,
		"integration_key", sy.IntegrationKey,
		"app_object_key", sy.AppObjectKey,
	)
	writeJSON(w, http.StatusCreated, sy)
}

// DeleteSync handles DELETE /api/v1/syncs/{id}. The remote connection is
// archived best-effort; the local delete cascades to records and
// activities regardless of the remote outcome.
func (h *Handler) DeleteSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	sy, err := h.store.GetSync(ctx, userID, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	if err := h.client.Connection(sy.InstanceKey).Archive(ctx); err != nil {
		slog.Warn("remote archive failed, deleting locally anyway",
			"component", "api",
			"sync_id", sy.ID,
			"instance_key", sy.InstanceKey,
			"error", err,
		)
	}

	if err := h.store.DeleteSync(ctx, userID, id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("sync deleted",
		"component", "api",
		"action", "sync_deleted",
		"sync_id", id,
	)
	w.WriteHeader(http.StatusNoContent)
}

// ResyncSync handles POST /api/v1/syncs/{id}/resync. The pull runs in
// the background; the request returns as soon as it is accepted.
func (h *Handler) ResyncSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	sy, err := h.store.GetSync(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	def, ok := h.registry.Get(sy.AppObjectKey)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unknown object type %q", sy.AppObjectKey))
		return
	}

	h.activities.Record(types.Activity{
		SyncID: sy.ID,
		UserID: sy.UserID,
		Type:   types.ActivitySyncResyncTriggered,
		Metadata: map[string]any{
			"integration_key": sy.IntegrationKey,
			"app_object_key":  sy.AppObjectKey,
		},
	})

	h.startPull(sy, def.ListAction)

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "resync started"})
}

// ListActivities handles GET /api/v1/syncs/{id}/activities
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	// Resolve the sync first so an unknown id is a 404, not an empty list.
	if _, err := h.store.GetSync(r.Context(), userID, id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	activities, err := h.store.ListActivities(r.Context(), userID, id, limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if activities == nil {
		activities = []types.Activity{}
	}

	writeJSON(w, http.StatusOK, ActivityListResponse{Activities: activities})
}

// startPull launches the pull pipeline for a sync in the background. The
// run detaches from the request context: an aborted HTTP request must not
// cancel a pull already accepted.
func (h *Handler) startPull(sy *types.Sync, actionKey string) {
	ev := types.PullEvent{
		UserID:         sy.UserID,
		Token:          h.remoteToken,
		IntegrationKey: sy.IntegrationKey,
		ActionKey:      actionKey,
		SyncID:         sy.ID,
	}
	go func() {
		if _, err := h.pulls.Run(context.Background(), ev); err != nil {
			slog.Error("background pull failed",
				"component", "api",
				"action", "pull_failed",
				"sync_id", ev.SyncID,
				"error", err,
			)
		}
	}()
}
