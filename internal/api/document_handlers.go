package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/syncbridge/internal/blob"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// maxDocumentBytes caps an uploaded document payload.
const maxDocumentBytes = 32 << 20 // 32 MiB

// documentsConnectionKey names the fixed remote connection that receives
// side-channel document creates. Documents are not bound to a per-sync
// instance, so every announce goes through this one connection.
const documentsConnectionKey = "documents"

// DocumentResponse decorates a document with its pre-signed download URL
// when blob storage is configured.
type DocumentResponse struct {
	types.Document
	DownloadURL string `json:"download_url,omitempty"`
}

// CreateDocument handles POST /api/v1/documents (multipart: "file" plus a
// "name" field). The document row commits in pending link state; the
// remote create is fired best-effort and the link-id webhook later
// assigns the remote id.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	if err := r.ParseMultipartForm(maxDocumentBytes); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid multipart form: %s", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "A file part is required")
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	if name == "" {
		WriteProblem(w, r, http.StatusBadRequest, "A document name is required")
		return
	}

	doc := &types.Document{
		ID:         ulid.Make().String(),
		UserID:     userID,
		Name:       name,
		LinkStatus: types.DocumentLinkPending,
	}

	// Upload before the row commits so a stored document always has its
	// payload. With the noop uploader the blob key stays empty.
	key := blob.ObjectKey(userID, doc.ID)
	if err := h.uploader.Upload(ctx, key, header.Header.Get("Content-Type"), file, header.Size); err != nil {
		slog.Error("document upload failed",
			"component", "api",
			"document_id", doc.ID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Document storage unavailable")
		return
	}
	if _, isNoop := h.uploader.(*blob.NoopUploader); !isNoop {
		doc.BlobKey = key
	}

	if err := h.store.CreateDocument(ctx, doc); err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.announceDocument(ctx, doc)

	writeJSON(w, http.StatusCreated, doc)
}

// GetDocument handles GET /api/v1/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	doc, err := h.store.GetDocument(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := DocumentResponse{Document: *doc}
	if doc.BlobKey != "" {
		url, _, err := h.uploader.PresignedURL(ctx, doc.BlobKey)
		if err != nil && !errors.Is(err, blob.ErrNotConfigured) {
			slog.Warn("pre-signed URL generation failed",
				"component", "api",
				"document_id", doc.ID,
				"error", err,
			)
		}
		resp.DownloadURL = url
	}

	writeJSON(w, http.StatusOK, resp)
}

// announceDocument fires the remote document create. The remote side
// calls the link-id webhook with the assigned id once it finishes; until
// then the document stays in pending link state.
func (h *Handler) announceDocument(ctx context.Context, doc *types.Document) {
	def, ok := h.registry.Get("documents")
	if !ok || def.CreateAction == "" {
		return
	}

	input := map[string]any{
		"id":   doc.ID,
		"name": doc.Name,
	}
	if doc.BlobKey != "" {
		if url, _, err := h.uploader.PresignedURL(ctx, doc.BlobKey); err == nil {
			input["url"] = url
		}
	}

	if _, err := h.client.Connection(documentsConnectionKey).Action(def.CreateAction).Run(ctx, remote.RunRequest{Input: input}); err != nil {
		slog.Warn("remote document create failed, link stays pending",
			"component", "api",
			"document_id", doc.ID,
			"error", err,
		)
	}
}
