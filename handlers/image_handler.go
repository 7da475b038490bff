package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/datasetcurator/repository"
	"github.com/camden-git/datasetcurator/services"
)

type ImageHandler struct {
	Store *services.AnnotationStore
}

// GetImage handles GET /api/images/{image_id}
func (h *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "image_id"), 10, 64)
	if err != nil || id == 0 {
		WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid image ID")
		return
	}
	detail, err := h.Store.GetImageDetail(r.Context(), uint(id))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			WriteAPIError(w, http.StatusNotFound, CodeNotFound, "Image not found")
			return
		}
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load image")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
