// Package api exposes the local REST surface: sync management, record
// CRUD wired through the push pipeline, the document side channel and
// health. Inbound webhook routes live in internal/webhook and are only
// mounted here.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/syncbridge/internal/activity"
	"github.com/hyperengineering/syncbridge/internal/blob"
	"github.com/hyperengineering/syncbridge/internal/objects"
	"github.com/hyperengineering/syncbridge/internal/pull"
	"github.com/hyperengineering/syncbridge/internal/push"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/store"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// Handler holds the dependencies of the REST surface.
type Handler struct {
	store      store.Store
	pushes     *push.Pipeline
	pulls      *pull.Pipeline
	client     remote.Client
	registry   *objects.Registry
	activities activity.Logger
	uploader   blob.Uploader

	apiKey      string
	remoteToken string
	version     string
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Store      store.Store
	Push       *push.Pipeline
	Pull       *pull.Pipeline
	Client     remote.Client
	Registry   *objects.Registry
	Activities activity.Logger
	Uploader   blob.Uploader

	APIKey      string
	RemoteToken string
	Version     string
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		store:       opts.Store,
		pushes:      opts.Push,
		pulls:       opts.Pull,
		client:      opts.Client,
		registry:    opts.Registry,
		activities:  opts.Activities,
		uploader:    opts.Uploader,
		apiKey:      opts.APIKey,
		remoteToken: opts.RemoteToken,
		version:     opts.Version,
	}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountSyncs(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		SyncCount: count,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
