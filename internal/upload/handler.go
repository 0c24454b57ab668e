package upload

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/httpx"
)

const maxUploadBytes = 16 << 20

// Handler exposes upload job endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers upload routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.submit)
	r.Post("/preview", h.preview)
	r.Get("/{jobID}", h.get)
	r.Post("/{jobID}/confirm", h.confirm)
	r.Delete("/{jobID}", h.delete)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	fileName, rows, ok := h.decodeFile(w, r)
	if !ok {
		return
	}
	job, err := h.service.Submit(r.Context(), fileName, rows)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, job)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	_, rows, ok := h.decodeFile(w, r)
	if !ok {
		return
	}
	preview, summary, err := h.service.Preview(r.Context(), rows)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"rows":    preview,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid job id")
		return
	}
	job, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid job id")
		return
	}
	body := struct {
		ExcludeConflicts *bool `json:"exclude_conflicts"`
	}{}
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
			return
		}
	}
	excludeConflicts := true
	if body.ExcludeConflicts != nil {
		excludeConflicts = *body.ExcludeConflicts
	}
	result, err := h.service.Confirm(r.Context(), id, excludeConflicts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid job id")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeFile(w http.ResponseWriter, r *http.Request) (string, []RawRow, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "multipart form expected")
		return "", nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "file field required")
		return "", nil, false
	}
	defer file.Close()
	rows, err := ParseLedgerCSV(file)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid File", err.Error())
		return "", nil, false
	}
	return header.Filename, rows, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrJobRunning), errors.Is(err, ErrJobNotReady), errors.Is(err, ErrAlreadyConfirmed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrEmptyFile):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid File", err.Error())
	default:
		h.logger.Error("upload handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
