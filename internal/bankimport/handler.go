package bankimport

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/httpx"
)

const maxStatementBytes = 16 << 20

// Handler exposes bank import endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers bank import routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.submit)
	r.Get("/{jobID}", h.get)
	r.Post("/{jobID}/auto-match", h.autoMatch)
	r.Put("/{jobID}/lines/{lineID}", h.updateLine)
	r.Post("/{jobID}/confirm", h.confirm)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxStatementBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "multipart form expected")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "file field required")
		return
	}
	defer file.Close()
	lines, err := ParseStatementCSV(file)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid File", err.Error())
		return
	}
	job, err := h.service.Submit(r.Context(), header.Filename, lines)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, job)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.ListJobs(r.Context(), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, lines, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"lines": lines,
	})
}

func (h *Handler) autoMatch(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.service.AutoMatch(r.Context(), jobID); err != nil {
		h.respondError(w, err)
		return
	}
	job, lines, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"lines": lines,
	})
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	var in UpdateLineInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	line, err := h.service.UpdateLine(r.Context(), jobID, lineID, in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	body := struct {
		AutoAllocate bool `json:"auto_allocate"`
	}{}
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
			return
		}
	}
	result, err := h.service.Confirm(r.Context(), jobID, body.AutoAllocate)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid job id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyConfirmed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidStatus):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("bankimport handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
