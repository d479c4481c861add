package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/syncbridge/internal/types"
)

const (
	defaultRecordPageSize = 50
	maxRecordPageSize     = 200
)

// ListRecords handles GET /api/v1/records?sync_id=...&offset=...&limit=...
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	syncID := r.URL.Query().Get("sync_id")
	if syncID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "sync_id query parameter is required")
		return
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	limit := defaultRecordPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxRecordPageSize {
		limit = maxRecordPageSize
	}

	result, err := h.store.ListRecords(r.Context(), userID, syncID, offset, limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetRecord handles GET /api/v1/records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	rec, err := h.store.GetRecord(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/v1/records. The local insert commits
// first; the remote create's outcome lands in the returned record's
// sync_status, never in the HTTP status.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	var req types.CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.SyncID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "sync_id is required")
		return
	}

	sy, err := h.store.GetSync(ctx, userID, req.SyncID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	def, ok := h.registry.Get(sy.AppObjectKey)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unknown object type %q", sy.AppObjectKey))
		return
	}
	if !def.AllowCreate {
		WriteProblem(w, r, http.StatusForbidden, fmt.Sprintf("Object type %q does not support creates", sy.AppObjectKey))
		return
	}
	if err := h.registry.ValidateData(sy.AppObjectKey, req.Data); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	rec, err := h.pushes.CreateRecord(ctx, sy, req.Name, req.Data)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRecord handles PATCH /api/v1/records/{id}. The local overwrite
// commits under the optimistic version check; a concurrent writer yields
// 409 and the client retries with fresh state.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	var req types.UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	rec, err := h.store.GetRecord(ctx, userID, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	sy, err := h.store.GetSync(ctx, userID, rec.SyncID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	def, ok := h.registry.Get(sy.AppObjectKey)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unknown object type %q", sy.AppObjectKey))
		return
	}
	if !def.AllowUpdate {
		WriteProblem(w, r, http.StatusForbidden, fmt.Sprintf("Object type %q does not support updates", sy.AppObjectKey))
		return
	}
	if err := h.registry.ValidateData(sy.AppObjectKey, req.Data); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	name := rec.Name
	if req.Name != "" {
		name = req.Name
	}

	updated, err := h.store.UpdateRecordData(ctx, rec.ID, rec.Version, name, req.Data)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	updated = h.pushes.UpdateRecord(ctx, sy, updated)

	writeJSON(w, http.StatusOK, updated)
}

// DeleteRecord handles DELETE /api/v1/records/{id}. The remote delete is
// best-effort; the local record is gone when this returns.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetRecord(ctx, userID, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	sy, err := h.store.GetSync(ctx, userID, rec.SyncID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	if def, ok := h.registry.Get(sy.AppObjectKey); ok && !def.AllowDelete {
		WriteProblem(w, r, http.StatusForbidden, fmt.Sprintf("Object type %q does not support deletes", sy.AppObjectKey))
		return
	}

	if err := h.pushes.DeleteRecord(ctx, sy, rec); err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
