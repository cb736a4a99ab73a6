// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package httpapi expõe o núcleo de ingestão sobre HTTP: REST para o ciclo
// de vida dos uploads e WebSocket para o push de progresso.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-ingest/internal/auth"
	"github.com/nishisan-dev/n-ingest/internal/ingest"
	"github.com/nishisan-dev/n-ingest/internal/progress"
)

// statusClientClosedRequest é o status não-padrão usado para cancelamento
// (convenção do nginx, não existe constante no net/http).
const statusClientClosedRequest = 499

// DiskInfo reporta a ocupação do volume de uploads para o endpoint de métricas.
type DiskInfo func() (usedPercent float64, freeBytes uint64, err error)

// Handler é a borda HTTP do servidor de ingestão.
type Handler struct {
	manager  *ingest.Manager
	bus      *progress.Bus
	verifier *auth.Verifier
	logger   *slog.Logger

	pathPrefix    string
	maxChunkBytes int64
	diskInfo      DiskInfo
	startTime     time.Time
}

// NewHandler cria a borda HTTP. diskInfo pode ser nil (métricas sem disco).
func NewHandler(manager *ingest.Manager, bus *progress.Bus, verifier *auth.Verifier,
	pathPrefix string, maxChunkBytes int64, diskInfo DiskInfo, logger *slog.Logger) *Handler {

	return &Handler{
		manager:       manager,
		bus:           bus,
		verifier:      verifier,
		logger:        logger,
		pathPrefix:    pathPrefix,
		maxChunkBytes: maxChunkBytes,
		diskInfo:      diskInfo,
		startTime:     time.Now(),
	}
}

// Router monta as rotas sob o path prefix configurado. O socket de progresso
// também atende na raiz, fora do prefixo da API REST.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if h.pathPrefix != "/" {
		r.Get("/ws/upload-progress", h.handleProgressSocket)
	}

	r.Route(h.pathPrefix, func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/metrics", h.handleMetrics)
		r.Get("/ws/upload-progress", h.handleProgressSocket)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/init", h.handleInit)
			r.Post("/upload/{fileId}/{chunkIndex}", h.handleUploadChunk)
			r.Get("/resume/{fileId}", h.handleResume)
			r.Post("/complete/{fileId}", h.handleComplete)
			r.Post("/validate/{fileId}", h.handleValidate)
			r.Get("/status/{fileId}", h.handleStatus)
			r.Delete("/{fileId}", h.handleCancel)
		})
	})

	return r
}

type initRequest struct {
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	FileSize     *int64 `json:"fileSize"` // ponteiro: zero bytes é válido, ausente não
	FileType     string `json:"fileType,omitempty"`
	ToolResource string `json:"toolResource,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.FileID == "" {
		h.writeErrorStatus(w, http.StatusBadRequest, "fileId is required")
		return
	}
	if req.FileName == "" {
		h.writeErrorStatus(w, http.StatusBadRequest, "fileName is required")
		return
	}
	if req.FileSize == nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "fileSize is required")
		return
	}

	result, err := h.manager.Init(principal.ID, req.FileID, ingest.FileMetadata{
		Name:         req.FileName,
		Size:         *req.FileSize,
		Type:         req.FileType,
		ToolResource: req.ToolResource,
		AgentID:      req.AgentID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"fileId":      result.FileID,
		"totalChunks": result.TotalChunks,
		"chunkSize":   result.ChunkSize,
		"session": map[string]any{
			"startTime": result.StartTime,
			"tempDir":   result.TempDir,
		},
	})
}

func (h *Handler) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	fileID := chi.URLParam(r, "fileId")

	index, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "chunkIndex must be an integer")
		return
	}

	// Corpos comprimidos (Content-Encoding: gzip) são descomprimidos
	// antes do parse multipart
	body := http.MaxBytesReader(w, r.Body, h.maxChunkBytes+64*1024)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := pgzip.NewReader(body)
		if err != nil {
			h.writeErrorStatus(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		defer gz.Close()
		r.Body = gz
	} else {
		r.Body = body
	}

	if err := r.ParseMultipartForm(h.maxChunkBytes); err != nil {
		h.writeErrorStatus(w, http.StatusRequestEntityTooLarge, "chunk body too large or malformed")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "multipart field 'chunk' is required")
		return
	}
	defer file.Close()

	data, err := readAllLimited(file, h.maxChunkBytes)
	if err != nil {
		h.writeErrorStatus(w, http.StatusRequestEntityTooLarge, "chunk exceeds size limit")
		return
	}

	clientHash := r.FormValue("chunkHash")
	result, err := h.manager.UploadChunk(r.Context(), principal.ID, fileID, index, data, clientHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payload := map[string]any{
		"success":        true,
		"fileId":         fileID,
		"chunkIndex":     index,
		"progress":       result.Progress,
		"receivedChunks": result.Received,
		"totalChunks":    result.Total,
	}
	if result.AlreadyReceived {
		payload["alreadyReceived"] = true
	}
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	info, err := h.manager.Resume(principal.ID, chi.URLParam(r, "fileId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

type completeRequest struct {
	FinalPath string `json:"finalPath"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	fileID := chi.URLParam(r, "fileId")

	var req completeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.FinalPath == "" {
		h.writeErrorStatus(w, http.StatusBadRequest, "finalPath is required")
		return
	}

	result, err := h.manager.Complete(r.Context(), principal.ID, fileID, req.FinalPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filePath": result.FilePath,
		"size":     result.Size,
	})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	report, err := h.manager.Validate(principal.ID, chi.URLParam(r, "fileId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payload := map[string]any{"success": true, "valid": report.Valid}
	if len(report.Missing) > 0 {
		payload["missingChunks"] = report.Missing
	}
	if len(report.Corrupt) > 0 {
		payload["corruptChunks"] = report.Corrupt
	}
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	view, err := h.manager.Status(principal.ID, chi.URLParam(r, "fileId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payload := map[string]any{"success": true}
	if view.Session != nil {
		payload["session"] = view.Session
	}
	if view.Pipeline != nil {
		payload["pipeline"] = view.Pipeline
	}
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	fileID := chi.URLParam(r, "fileId")

	if err := h.manager.Cancel(principal.ID, fileID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Upload cancelled"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"sessions": h.manager.Stats(),
	}
	if h.diskInfo != nil {
		if usedPercent, free, err := h.diskInfo(); err == nil {
			payload["disk"] = map[string]any{
				"usedPercent": usedPercent,
				"freeBytes":   free,
			}
		}
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// writeError traduz os erros tipados do núcleo para status HTTP, no corpo
// {error, message, recovery?}. Erros com retry agendado carregam o objeto
// recovery com a decisão do RecoveryController.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var signal *ingest.RecoverySignal
	if errors.As(err, &signal) {
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   string(ingest.KindOf(signal.Err)),
			"message": signal.Err.Error(),
			"recovery": map[string]any{
				"retryable": true,
				"attempt":   signal.Attempt,
				"delayMs":   signal.DelayMS,
			},
		})
		return
	}

	kind := ingest.KindOf(err)
	status := kindToStatus(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}

func kindToStatus(kind ingest.Kind) int {
	switch kind {
	case ingest.KindNotFound:
		return http.StatusNotFound
	case ingest.KindConflict:
		return http.StatusConflict
	case ingest.KindBadIndex, ingest.KindChecksumMismatch:
		return http.StatusBadRequest
	case ingest.KindSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case ingest.KindCancelled:
		return statusClientClosedRequest
	case ingest.KindTimeout:
		return http.StatusGatewayTimeout
	case ingest.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("encoding response", "error", err)
	}
}

func (h *Handler) writeErrorStatus(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": "invalid_request", "message": message})
}
