package allocation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/httpx"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

const dateLayout = "2006-01-02"

// Handler exposes transaction and allocation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers transaction and allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.createTransaction)
	r.Get("/{id}", h.get)
	r.Post("/{id}/auto-allocate", h.autoAllocate)
	r.Post("/{id}/allocations", h.manualAllocate)
	r.Get("/{id}/allocations", h.listAllocations)
	r.Post("/{id}/cancel", h.cancel)
	r.Delete("/allocations/{allocationID}", h.deleteAllocation)
}

type createTransactionRequest struct {
	Direction      Direction       `json:"direction" validate:"required"`
	CounterpartyID int64           `json:"counterparty_id" validate:"required"`
	Date           string          `json:"date" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Source         Source          `json:"source"`
	Memo           string          `json:"memo"`
	AutoAllocate   bool            `json:"auto_allocate"`
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid date")
		return
	}
	t, err := h.service.CreateTransaction(r.Context(), CreateTransactionInput{
		Direction:      req.Direction,
		CounterpartyID: req.CounterpartyID,
		Date:           date,
		Amount:         req.Amount,
		Source:         req.Source,
		Memo:           req.Memo,
		AutoAllocate:   req.AutoAllocate,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Direction: Direction(q.Get("direction")),
		Status:    TxStatus(q.Get("status")),
	}
	if v := q.Get("counterparty_id"); v != "" {
		filter.CounterpartyID, _ = strconv.ParseInt(v, 10, 64)
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	transactions, pagination, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": transactions, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	t, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) autoAllocate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	t, err := h.service.AutoAllocate(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

type manualAllocateRequest struct {
	VoucherID int64           `json:"voucher_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
}

func (h *Handler) manualAllocate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	var req manualAllocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	a, err := h.service.ManualAllocate(r.Context(), id, req.VoucherID, req.Amount, req.Memo)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	allocations, err := h.service.ListAllocations(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": allocations})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	t, err := h.service.CancelTransaction(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) deleteAllocation(w http.ResponseWriter, r *http.Request) {
	allocationID, err := pathID(r, "allocationID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid allocation id")
		return
	}
	if err := h.service.DeleteAllocation(r.Context(), allocationID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAllocationNotFound), errors.Is(err, voucher.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrTxCeiling), errors.Is(err, ErrVoucherCeiling):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Ceiling Exceeded", err.Error())
	case errors.Is(err, ErrVoucherLocked):
		httpx.Problem(w, http.StatusLocked, "Voucher Locked", err.Error())
	case errors.Is(err, ErrTxCancelled), errors.Is(err, ErrDirectionMismatch), errors.Is(err, ErrCounterpartyMismatch):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidDirection), errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.Problem(w, http.StatusConflict, "Busy", "the voucher is being modified, retry shortly")
	default:
		h.logger.Error("allocation handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
