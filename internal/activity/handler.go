package activity

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/httpx"
)

// Handler exposes the activity ledger endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers activity routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/traces", h.listTraces)
	r.Get("/traces/{traceID}", h.getByTrace)
	r.Delete("/", h.clear)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	f := filtersFromQuery(r)
	entries, paging, err := h.service.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list activity", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"pagination": paging,
	})
}

func (h *Handler) listTraces(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListTraces(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.logger.Error("list activity traces", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"traces": entries})
}

func (h *Handler) getByTrace(w http.ResponseWriter, r *http.Request) {
	traceID, err := uuid.Parse(chi.URLParam(r, "traceID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid trace id")
		return
	}
	entries, err := h.service.GetByTrace(r.Context(), traceID)
	if err != nil {
		if err == ErrTraceNotFound {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "trace not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "entries": entries})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.Clear(r.Context())
	if err != nil {
		if err == ErrClearForbidden {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func filtersFromQuery(r *http.Request) Filters {
	q := r.URL.Query()
	f := Filters{
		Category: q.Get("category"),
		Search:   q.Get("q"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.To = t.AddDate(0, 0, 1)
		}
	}
	f.Page = atoiDefault(q.Get("page"), 1)
	f.PerPage = atoiDefault(q.Get("per_page"), 50)
	return f
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
