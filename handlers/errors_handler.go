package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/models"
)

// ErrorLedgerHandler exposes the error ledger
type ErrorLedgerHandler struct {
	Ledger *database.ErrorLedger
}

func parseOperations(raw []string) ([]models.OperationKind, error) {
	var ops []models.OperationKind
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			op := models.OperationKind(part)
			if !op.Valid() {
				return nil, errors.New("unknown operation '" + part + "'")
			}
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func parseRecordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "error_id"), 10, 64)
	if err != nil || id <= 0 {
		WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid error record ID")
		return 0, false
	}
	return id, true
}

// ListErrors handles GET /api/errors?operation=&resolved=&limit=&offset=&sort=
func (h *ErrorLedgerHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ops, err := parseOperations(q["operation"])
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	filter := database.ListFilter{Operations: ops, Sort: q.Get("sort")}
	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid 'resolved' value")
			return
		}
		filter.Resolved = &resolved
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid '"+name+"' value")
			return
		}
		*dst = v
	}
	if filter.Sort != "" && !database.IsValidSortOrder(filter.Sort) {
		WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid sort order")
		return
	}

	records, err := h.Ledger.List(r.Context(), filter)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list error records")
		return
	}
	if records == nil {
		records = []models.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// CountErrors handles GET /api/errors/count
func (h *ErrorLedgerHandler) CountErrors(w http.ResponseWriter, r *http.Request) {
	byOp, err := h.Ledger.CountUnresolvedByOperation(r.Context())
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to count error records")
		return
	}
	total, err := h.Ledger.CountUnresolved(r.Context(), nil)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to count error records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unresolved":   total,
		"by_operation": byOp,
	})
}

// GetError handles GET /api/errors/{error_id}
func (h *ErrorLedgerHandler) GetError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordID(w, r)
	if !ok {
		return
	}
	record, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			WriteAPIError(w, http.StatusNotFound, CodeNotFound, "Error record not found")
			return
		}
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load error record")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ResolveError handles POST /api/errors/{error_id}/resolve. Resolving an
// already resolved or unknown record is a no-op reported as changed=false.
func (h *ErrorLedgerHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordID(w, r)
	if !ok {
		return
	}
	changed, err := h.Ledger.MarkResolved(r.Context(), id)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Failed to resolve error record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": changed})
}
