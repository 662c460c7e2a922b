// Package api exposes the upload engine over thin JSON handlers. Routing,
// authentication, and transport concerns stay out here; the handlers trust
// the X-Owner-ID header placed by the fronting auth layer and translate the
// engine's error taxonomy to HTTP statuses.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"reelvault/internal/models"
	"reelvault/internal/upload"
)

const ownerHeader = "X-Owner-ID"

// Handler serves the caller-facing upload operations.
type Handler struct {
	Manager *upload.Manager
	Logger  *slog.Logger
}

func NewHandler(manager *upload.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Manager: manager, Logger: logger}
}

// Routes registers the upload endpoints on the provided mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/uploads/init", h.InitUpload)
	mux.HandleFunc("/api/uploads/init/batch", h.BatchInitUpload)
	mux.HandleFunc("/api/uploads/", h.UploadByID)
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("%s header is required", ownerHeader))
		return "", false
	}
	return owner, true
}

type initUploadRequest struct {
	Filename        string            `json:"filename"`
	Size            int64             `json:"size"`
	ContentCategory string            `json:"contentCategory"`
	Digest          string            `json:"digest"`
	ChunkSize       int64             `json:"chunkSize"`
	Metadata        map[string]string `json:"metadata"`
}

type initUploadResponse struct {
	NeedUpload     bool   `json:"needUpload"`
	SessionID      string `json:"sessionId,omitempty"`
	ReceivedChunks []int  `json:"receivedChunks,omitempty"`
	TotalChunks    int    `json:"totalChunks,omitempty"`
	ChunkSize      int64  `json:"chunkSize,omitempty"`
	ArtifactID     string `json:"artifactId,omitempty"`
	Locator        string `json:"locator,omitempty"`
}

func newInitUploadResponse(result upload.InitResult) initUploadResponse {
	return initUploadResponse{
		NeedUpload:     result.NeedUpload,
		SessionID:      result.SessionID,
		ReceivedChunks: result.ReceivedChunks,
		TotalChunks:    result.TotalChunks,
		ChunkSize:      result.ChunkSize,
		ArtifactID:     result.ArtifactID,
		Locator:        result.Locator,
	}
}

func (req initUploadRequest) params(owner string) upload.InitParams {
	return upload.InitParams{
		OwnerID:         owner,
		Filename:        req.Filename,
		DeclaredSize:    req.Size,
		ContentCategory: req.ContentCategory,
		DeclaredDigest:  req.Digest,
		ChunkSize:       req.ChunkSize,
		Metadata:        req.Metadata,
	}
}

func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.Manager.InitUpload(r.Context(), req.params(owner))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newInitUploadResponse(result))
}

type batchInitResponseEntry struct {
	initUploadResponse
	Error string `json:"error,omitempty"`
}

func (h *Handler) BatchInitUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var reqs []initUploadRequest
	if err := decodeJSON(r, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batch := make([]upload.InitParams, 0, len(reqs))
	for _, req := range reqs {
		batch = append(batch, req.params(owner))
	}
	results := h.Manager.BatchInitUpload(r.Context(), batch)
	response := make([]batchInitResponseEntry, 0, len(results))
	for _, result := range results {
		entry := batchInitResponseEntry{initUploadResponse: newInitUploadResponse(result.Result)}
		if result.Err != nil {
			entry.Error = result.Err.Error()
		}
		response = append(response, entry)
	}
	writeJSON(w, http.StatusOK, response)
}

// UploadByID dispatches /api/uploads/{id}, /api/uploads/{id}/chunks/{index},
// /api/uploads/{id}/complete, and /api/uploads/{id}/progress.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if rest == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session id missing"))
		return
	}
	parts := strings.Split(rest, "/")
	sessionID := strings.TrimSpace(parts[0])
	if sessionID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session id missing"))
		return
	}
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			w.Header().Set("Allow", "DELETE")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.cancelUpload(w, r, sessionID, owner)
	case len(parts) == 3 && parts[1] == "chunks":
		if r.Method != http.MethodPut {
			w.Header().Set("Allow", "PUT")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.registerChunk(w, r, sessionID, owner, parts[2])
	case len(parts) == 2 && parts[1] == "complete":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.completeUpload(w, r, sessionID, owner)
	case len(parts) == 2 && parts[1] == "progress":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.getProgress(w, r, sessionID, owner)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload endpoint"))
	}
}

func (h *Handler) registerChunk(w http.ResponseWriter, r *http.Request, sessionID, owner, indexPart string) {
	index, err := strconv.Atoi(strings.TrimSpace(indexPart))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index %q", indexPart))
		return
	}
	total, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("total")))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("total query parameter is required"))
		return
	}
	checksum := strings.TrimSpace(r.Header.Get("X-Chunk-Checksum"))
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk payload is required"))
		return
	}
	defer r.Body.Close()
	if err := h.Manager.RegisterChunk(r.Context(), sessionID, owner, index, total, r.Body, checksum); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "chunkIndex": index})
}

type completeUploadResponse struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	ArtifactID string `json:"artifactId"`
	Locator    string `json:"locator"`
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, sessionID, owner string) {
	completed, err := h.Manager.CompleteUpload(r.Context(), sessionID, owner)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeUploadResponse{
		SessionID:  completed.ID,
		Status:     strings.ToLower(string(completed.Status)),
		ArtifactID: completed.LinkedArtifactID,
		Locator:    completed.FinalLocator,
	})
}

type progressResponse struct {
	SessionID      string `json:"sessionId"`
	ReceivedChunks []int  `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	Percent        int    `json:"percent"`
	Status         string `json:"status"`
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request, sessionID, owner string) {
	progress, err := h.Manager.GetProgress(r.Context(), sessionID, owner)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	received := progress.ReceivedChunks
	if received == nil {
		received = []int{}
	}
	writeJSON(w, http.StatusOK, progressResponse{
		SessionID:      progress.SessionID,
		ReceivedChunks: received,
		TotalChunks:    progress.TotalChunks,
		Percent:        progress.Percent,
		Status:         progress.Status,
	})
}

func (h *Handler) cancelUpload(w http.ResponseWriter, r *http.Request, sessionID, owner string) {
	if err := h.Manager.CancelUpload(r.Context(), sessionID, owner); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"status":    strings.ToLower(string(models.StatusFailed)),
	})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var storage *upload.StorageError
	switch {
	case errors.Is(err, upload.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, upload.ErrMergeInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, upload.ErrTooManyActiveSessions):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.As(err, &storage):
		h.Logger.Error("upload storage failure", "error", err)
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
