package counterparty

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/httpx"
)

// Handler exposes counterparty and alias endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers counterparty routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/batch", h.batchCreate)
	r.Post("/batch-delete", h.batchDelete)
	r.Post("/match", h.match)
	r.Post("/map-unmatched", h.mapUnmatched)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.delete)
	r.Get("/{id}/aliases", h.listAliases)
	r.Post("/{id}/aliases", h.createAlias)
	r.Delete("/aliases/{aliasID}", h.deleteAlias)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Kind:   Kind(q.Get("kind")),
		Search: q.Get("q"),
	}
	if v := q.Get("active"); v != "" {
		active := v == "true"
		filter.Active = &active
	}
	counterparties, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list counterparties", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"counterparties": counterparties})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	cp, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cp)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cp, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cp)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	cp, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cp)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) batchCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Counterparties []CreateInput `json:"counterparties" validate:"required,min=1"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.BatchCreate(r.Context(), body.Counterparties)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) batchDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids" validate:"required,min=1"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.BatchDelete(r.Context(), body.IDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) match(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text  string `json:"text" validate:"required"`
		Scope Kind   `json:"scope"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Match(r.Context(), body.Text, body.Scope)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) mapUnmatched(w http.ResponseWriter, r *http.Request) {
	var in MapUnmatchedInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	alias, err := h.service.MapUnmatched(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, alias)
}

func (h *Handler) listAliases(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	aliases, err := h.service.ListAliases(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"aliases": aliases})
}

func (h *Handler) createAlias(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	var body struct {
		Text string `json:"text" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	alias, err := h.service.CreateAlias(r.Context(), body.Text, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, alias)
}

func (h *Handler) deleteAlias(w http.ResponseWriter, r *http.Request) {
	aliasID, err := pathID(r, "aliasID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid alias id")
		return
	}
	if err := h.service.DeleteAlias(r.Context(), aliasID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAliasNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNameTaken), errors.Is(err, ErrAliasTaken):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrHasVouchers), errors.Is(err, ErrHasAliases):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidKind), errors.Is(err, ErrMappingTarget):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("counterparty handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
