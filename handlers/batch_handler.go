package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/realtime"
	"github.com/camden-git/datasetcurator/workers"
)

// BatchHandler starts and observes background ingestion runs. Runs outlive
// the request, so they are bound to BaseContext rather than r.Context().
type BatchHandler struct {
	Processor     *workers.BatchProcessor
	Hub           *realtime.Hub
	RootDirectory string
	BaseContext   context.Context
	Logger        *slog.Logger
}

type startBatchRequest struct {
	Directory string `json:"directory"`
	Recursive bool   `json:"recursive"`
}

// resolveDirectory maps a request directory to an absolute path below the
// root directory.
func (h *BatchHandler) resolveDirectory(dir string) (string, error) {
	root := filepath.Clean(h.RootDirectory)
	var full string
	if dir == "" {
		full = root
	} else if filepath.IsAbs(dir) {
		full = filepath.Clean(dir)
	} else {
		full = filepath.Join(root, filepath.FromSlash(dir))
	}
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("directory must be inside the root directory")
	}
	info, err := os.Stat(full)
	if err != nil || !info.IsDir() {
		return "", errors.New("directory does not exist")
	}
	return full, nil
}

// StartBatch handles POST /api/batches
func (h *BatchHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	dir, err := h.resolveDirectory(req.Directory)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	run, err := h.Processor.Start(ctx, dir, media.DirectoryScanner{Recursive: req.Recursive})
	if err != nil {
		if errors.Is(err, workers.ErrBatchRunning) {
			WriteAPIError(w, http.StatusConflict, CodeConflict, err.Error())
			return
		}
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to start batch")
		return
	}
	if h.Hub != nil {
		go realtime.Forward(h.Hub, run.Messages())
	}
	if h.Logger != nil {
		h.Logger.Info("batch run started", "run_id", run.ID, "dir", dir)
	}
	writeJSON(w, http.StatusAccepted, run.Status())
}

func (h *BatchHandler) lookup(w http.ResponseWriter, r *http.Request) (*workers.BatchRun, bool) {
	run, ok := h.Processor.Lookup(chi.URLParam(r, "batch_id"))
	if !ok {
		WriteAPIError(w, http.StatusNotFound, CodeNotFound, "Batch run not found")
		return nil, false
	}
	return run, true
}

// GetBatch handles GET /api/batches/{batch_id}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if run, ok := h.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, run.Status())
	}
}

// CancelBatch handles DELETE /api/batches/{batch_id}; the run stops before its next item.
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	if run, ok := h.lookup(w, r); ok {
		run.Cancel()
		writeJSON(w, http.StatusAccepted, run.Status())
	}
}
