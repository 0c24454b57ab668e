package voucher

import (
	"context"
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
)

const dateLayout = "2006-01-02"

// Handler exposes voucher, adjustment and change-request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers voucher routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/batch-delete", h.batchDelete)
	r.Post("/adjustments", h.createAdjustment)
	r.Get("/changes", h.listChanges)
	r.Post("/changes/{requestID}/approve", h.approveChange)
	r.Post("/changes/{requestID}/reject", h.rejectChange)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.delete)
	r.Get("/{id}/balance", h.balance)
	r.Post("/{id}/lock", h.lock)
	r.Post("/{id}/unlock", h.unlock)
}

type createRequest struct {
	Kind           Kind            `json:"kind" validate:"required"`
	CounterpartyID int64           `json:"counterparty_id" validate:"required"`
	TradeDate      string          `json:"trade_date" validate:"required"`
	Number         string          `json:"number" validate:"required"`
	Quantity       int64           `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"`
	Memo           string          `json:"memo"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tradeDate, err := time.Parse(dateLayout, req.TradeDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid trade date")
		return
	}
	v, err := h.service.Create(r.Context(), CreateInput{
		Kind:           req.Kind,
		CounterpartyID: req.CounterpartyID,
		TradeDate:      tradeDate,
		Number:         req.Number,
		Quantity:       req.Quantity,
		Amount:         req.Amount,
		Memo:           req.Memo,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Kind:   Kind(q.Get("kind")),
		Status: SettlementStatus(q.Get("status")),
	}
	if v := q.Get("counterparty_id"); v != "" {
		filter.CounterpartyID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("period"); v != "" {
		period, err := shared.ParsePeriod(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period")
			return
		}
		filter.Period = period
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	vouchers, pagination, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"vouchers": vouchers, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	v, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	v, balance, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"voucher": v, "balance": balance})
}

type updateRequest struct {
	TradeDate *string          `json:"trade_date"`
	Quantity  *int64           `json:"quantity"`
	Amount    *decimal.Decimal `json:"amount"`
	Memo      *string          `json:"memo"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	in := UpdateInput{Quantity: req.Quantity, Amount: req.Amount, Memo: req.Memo}
	if req.TradeDate != nil {
		tradeDate, err := time.Parse(dateLayout, *req.TradeDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid trade date")
			return
		}
		in.TradeDate = &tradeDate
	}
	v, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
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

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	h.setLockState(w, r, h.service.Lock)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	h.setLockState(w, r, h.service.Unlock)
}

func (h *Handler) setLockState(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) (Voucher, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	v, err := op(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

type adjustmentRequest struct {
	ParentID  int64           `json:"parent_id" validate:"required"`
	Type      AdjustmentType  `json:"type" validate:"required"`
	Reason    string          `json:"reason" validate:"required"`
	TradeDate string          `json:"trade_date"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *Handler) createAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := AdjustmentInput{ParentID: req.ParentID, Type: req.Type, Reason: req.Reason, Amount: req.Amount}
	if req.TradeDate != "" {
		tradeDate, err := time.Parse(dateLayout, req.TradeDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid trade date")
			return
		}
		in.TradeDate = tradeDate
	}
	v, err := h.service.CreateAdjustment(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) listChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var period shared.Period
	if v := q.Get("period"); v != "" {
		parsed, err := shared.ParsePeriod(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period")
			return
		}
		period = parsed
	}
	requests, err := h.service.ListChangeRequests(r.Context(), ChangeRequestStatus(q.Get("status")), period)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"change_requests": requests})
}

func (h *Handler) approveChange(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "requestID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request id")
		return
	}
	v, err := h.service.ApproveChange(r.Context(), requestID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) rejectChange(w http.ResponseWriter, r *http.Request) {
	requestID, err := pathID(r, "requestID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request id")
		return
	}
	if err := h.service.RejectChange(r.Context(), requestID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrChangeNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateKey):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrPeriodLocked):
		httpx.Problem(w, http.StatusLocked, "Period Locked", err.Error())
	case errors.Is(err, ErrHasAllocations), errors.Is(err, ErrHasAdjustments), errors.Is(err, ErrChangeDecided):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidKind), errors.Is(err, ErrInvalidAdjustment), errors.Is(err, ErrReasonRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.Problem(w, http.StatusConflict, "Busy", "the voucher is being modified, retry shortly")
	default:
		h.logger.Error("voucher handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
