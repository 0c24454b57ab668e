package periodlock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/httpx"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Handler exposes period lock endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers period lock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/audit", h.auditLogs)
	r.Get("/{period}", h.get)
	r.Post("/{period}/lock", h.lock)
	r.Post("/{period}/unlock", h.unlock)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid year")
		return
	}
	locks, err := h.service.List(r.Context(), year)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	period, err := shared.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period")
		return
	}
	lock, err := h.service.Get(r.Context(), period)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lock)
}

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	period, err := shared.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period")
		return
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	lock, err := h.service.Lock(r.Context(), period, body.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lock)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	period, err := shared.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	lock, err := h.service.Unlock(r.Context(), period, body.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lock)
}

func (h *Handler) auditLogs(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid year")
		return
	}
	entries, err := h.service.AuditLogs(r.Context(), year)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyLocked), errors.Is(err, ErrPendingConflicts):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrNotLocked), errors.Is(err, ErrReasonRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.Problem(w, http.StatusConflict, "Busy", "the period is being modified, retry shortly")
	default:
		h.logger.Error("periodlock handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func yearParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("year")
	if v == "" {
		return time.Now().Year(), nil
	}
	return strconv.Atoi(v)
}
