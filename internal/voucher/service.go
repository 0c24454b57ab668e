package voucher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// PeriodGuard answers whether a trade date falls in a locked period. The
// period lock manager implements it; keeping an interface here avoids a
// package cycle.
type PeriodGuard interface {
	IsLocked(ctx context.Context, tradeDate time.Time) (bool, error)
}

// Service owns the voucher ledger, the diff classifier inputs and the
// conflict approval workflow.
type Service struct {
	repo     Repository
	periods  PeriodGuard
	locks    *shared.KeyMutex
	activity *activity.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, periods PeriodGuard, locks *shared.KeyMutex, activitySvc *activity.Service, logger *slog.Logger) *Service {
	return &Service{repo: repo, periods: periods, locks: locks, activity: activitySvc, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns one voucher.
func (s *Service) Get(ctx context.Context, id int64) (Voucher, error) {
	return s.repo.Get(ctx, id)
}

// List returns vouchers with pagination metadata.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Voucher, shared.Pagination, error) {
	vouchers, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return vouchers, shared.NewPagination(f.Page, f.PerPage, total), nil
}

// Balance returns the derived balance: amount minus matching-direction
// allocations. Never stored, always recomputed.
func (s *Service) Balance(ctx context.Context, id int64) (Voucher, string, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return Voucher{}, "", err
	}
	allocated, err := s.repo.AllocatedAmount(ctx, id)
	if err != nil {
		return Voucher{}, "", err
	}
	return v, v.Amount.Sub(allocated).String(), nil
}

// Create inserts a voucher. Rejected when the trade date falls in a locked
// period; the caller is expected to use an adjustment voucher instead.
func (s *Service) Create(ctx context.Context, in CreateInput) (Voucher, error) {
	if err := in.Validate(); err != nil {
		return Voucher{}, err
	}
	period := shared.PeriodOf(in.TradeDate)
	release, err := s.locks.Acquire(ctx, shared.PeriodLockKey(period.String()))
	if err != nil {
		return Voucher{}, err
	}
	defer release()

	locked, err := s.periods.IsLocked(ctx, in.TradeDate)
	if err != nil {
		return Voucher{}, err
	}
	if locked {
		return Voucher{}, ErrPeriodLocked
	}
	v, err := s.repo.Create(ctx, Voucher{
		Kind:             in.Kind,
		CounterpartyID:   in.CounterpartyID,
		TradeDate:        in.TradeDate,
		Number:           in.Number,
		Quantity:         in.Quantity,
		Amount:           in.Amount,
		SettlementStatus: SettlementOpen,
		PaymentStatus:    PaymentUnpaid,
		Memo:             in.Memo,
	})
	if err != nil {
		return Voucher{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionVoucherCreate,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(v.ID, 10),
		After:      voucherSnapshot(v),
	}); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// Update applies partial changes to an unlocked voucher. Moving the trade
// date into a locked period is rejected the same as editing inside one.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (Voucher, error) {
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return Voucher{}, err
	}
	period := before.Period()
	release, err := s.locks.Acquire(ctx, shared.PeriodLockKey(period.String()))
	if err != nil {
		return Voucher{}, err
	}
	defer release()

	if err := s.ensureUnlocked(ctx, before); err != nil {
		return Voucher{}, err
	}
	if in.TradeDate != nil && !in.TradeDate.Equal(before.TradeDate) {
		locked, err := s.periods.IsLocked(ctx, *in.TradeDate)
		if err != nil {
			return Voucher{}, err
		}
		if locked {
			return Voucher{}, ErrPeriodLocked
		}
	}
	v, err := s.repo.Update(ctx, id, in)
	if err != nil {
		return Voucher{}, err
	}
	if in.Amount != nil {
		if err := s.rederiveStatuses(ctx, &v); err != nil {
			return Voucher{}, err
		}
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionVoucherUpdate,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(id, 10),
		Before:     voucherSnapshot(before),
		After:      voucherSnapshot(v),
	}); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// Delete removes a voucher. Rejected inside locked periods and once any
// allocation or adjustment references it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	release, err := s.locks.Acquire(ctx, shared.PeriodLockKey(before.Period().String()))
	if err != nil {
		return err
	}
	defer release()

	if err := s.deletable(ctx, before); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionVoucherDelete,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(id, 10),
		Before:     voucherSnapshot(before),
	})
}

// BatchDelete removes vouchers row by row with partial success. A skipped row
// carries its reason; the batch never aborts.
func (s *Service) BatchDelete(ctx context.Context, ids []int64) (BatchResult, error) {
	traceID := shared.NewTraceID()
	result := BatchResult{}
	var rows []activity.Entry
	for _, id := range ids {
		before, err := s.repo.Get(ctx, id)
		if err != nil {
			result.SkippedCount++
			result.Skipped = append(result.Skipped, BatchSkip{ID: id, Reason: skipReason(err)})
			continue
		}
		if err := s.deletable(ctx, before); err != nil {
			result.SkippedCount++
			result.Skipped = append(result.Skipped, BatchSkip{ID: id, Reason: skipReason(err)})
			continue
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			result.SkippedCount++
			result.Skipped = append(result.Skipped, BatchSkip{ID: id, Reason: skipReason(err)})
			continue
		}
		result.SucceededCount++
		rows = append(rows, activity.Entry{
			Action:     activity.ActionVoucherDelete,
			TargetKind: "voucher",
			TargetID:   strconv.FormatInt(id, 10),
			Before:     voucherSnapshot(before),
		})
	}
	if len(rows) > 0 {
		if err := s.activity.RecordBatch(ctx, traceID, activity.Entry{
			Action:     activity.ActionVoucherBatchDelete,
			TargetKind: "voucher",
			TargetID:   "batch",
			After:      map[string]any{"deleted": result.SucceededCount, "skipped": result.SkippedCount},
		}, rows); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Lock freezes one voucher regardless of its period.
func (s *Service) Lock(ctx context.Context, id int64) (Voucher, error) {
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return Voucher{}, err
	}
	if before.Locked() {
		return before, nil
	}
	if err := s.repo.SetStatuses(ctx, id, SettlementLocked, PaymentLocked); err != nil {
		return Voucher{}, err
	}
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return Voucher{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionVoucherLock,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(id, 10),
		Before:     voucherSnapshot(before),
		After:      voucherSnapshot(v),
	}); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// Unlock reverts one voucher to its balance-derived statuses. Refused while
// the containing period stays locked.
func (s *Service) Unlock(ctx context.Context, id int64) (Voucher, error) {
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return Voucher{}, err
	}
	periodLocked, err := s.periods.IsLocked(ctx, before.TradeDate)
	if err != nil {
		return Voucher{}, err
	}
	if periodLocked {
		return Voucher{}, ErrPeriodLocked
	}
	v := before
	if err := s.rederiveStatuses(ctx, &v); err != nil {
		return Voucher{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionVoucherUnlock,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(id, 10),
		Before:     voucherSnapshot(before),
		After:      voucherSnapshot(v),
	}); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// CreateAdjustment records a correction/return/write-off/discount against a
// parent voucher. Always permitted regardless of the parent's period lock and
// never mutates the parent; the adjustment itself starts unlocked.
func (s *Service) CreateAdjustment(ctx context.Context, in AdjustmentInput) (Voucher, error) {
	if !in.Type.Valid() {
		return Voucher{}, ErrInvalidAdjustment
	}
	if in.Reason == "" {
		return Voucher{}, ErrReasonRequired
	}
	parent, err := s.repo.Get(ctx, in.ParentID)
	if err != nil {
		return Voucher{}, err
	}
	tradeDate := in.TradeDate
	if tradeDate.IsZero() {
		tradeDate = s.now()
	}
	v, err := s.repo.Create(ctx, Voucher{
		Kind:             parent.Kind,
		CounterpartyID:   parent.CounterpartyID,
		TradeDate:        tradeDate,
		Number:           parent.Number,
		Amount:           in.Amount,
		SettlementStatus: SettlementOpen,
		PaymentStatus:    PaymentUnpaid,
		ParentID:         &parent.ID,
		AdjustmentType:   in.Type,
		Reason:           in.Reason,
	})
	if err != nil {
		return Voucher{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionAdjustmentCreate,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(v.ID, 10),
		After:      voucherSnapshot(v),
	}); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// SubmitChangeRequest queues one conflict row for approval.
func (s *Service) SubmitChangeRequest(ctx context.Context, voucherID int64, patch RowPatch) (ChangeRequest, error) {
	if _, err := s.repo.Get(ctx, voucherID); err != nil {
		return ChangeRequest{}, err
	}
	return s.repo.CreateChangeRequest(ctx, ChangeRequest{
		VoucherID:   voucherID,
		Patch:       patch,
		RequestedBy: shared.ActorFromContext(ctx),
	})
}

// ListChangeRequests returns the approval queue.
func (s *Service) ListChangeRequests(ctx context.Context, status ChangeRequestStatus, period shared.Period) ([]ChangeRequest, error) {
	return s.repo.ListChangeRequests(ctx, status, period)
}

// ApproveChange applies the queued patch and marks the request approved, both
// inside one transaction. Refused when the voucher's period has since locked
// or the patch would move it into a locked period.
func (s *Service) ApproveChange(ctx context.Context, requestID int64) (Voucher, error) {
	cr, err := s.repo.GetChangeRequest(ctx, requestID)
	if err != nil {
		return Voucher{}, err
	}
	if cr.Status != ChangePending {
		return Voucher{}, ErrChangeDecided
	}
	before, err := s.repo.Get(ctx, cr.VoucherID)
	if err != nil {
		return Voucher{}, err
	}
	locked, err := s.periods.IsLocked(ctx, before.TradeDate)
	if err != nil {
		return Voucher{}, err
	}
	if locked {
		return Voucher{}, ErrPeriodLocked
	}
	// The patch can carry a new trade date; moving into a locked period is
	// rejected the same as a direct update.
	if !cr.Patch.TradeDate.Equal(before.TradeDate) {
		locked, err := s.periods.IsLocked(ctx, cr.Patch.TradeDate)
		if err != nil {
			return Voucher{}, err
		}
		if locked {
			return Voucher{}, ErrPeriodLocked
		}
	}

	actor := shared.ActorFromContext(ctx)
	var after Voucher
	err = s.repo.WithTx(ctx, func(tx Repository) error {
		patch := cr.Patch
		updated, err := tx.Update(ctx, cr.VoucherID, UpdateInput{
			TradeDate: &patch.TradeDate,
			Quantity:  &patch.Quantity,
			Amount:    &patch.Amount,
			Memo:      &patch.Memo,
		})
		if err != nil {
			return err
		}
		if err := tx.DecideChangeRequest(ctx, requestID, ChangeApproved, actor, s.now()); err != nil {
			return err
		}
		after = updated
		return nil
	})
	if err != nil {
		return Voucher{}, err
	}
	if err := s.rederiveStatuses(ctx, &after); err != nil {
		return Voucher{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionChangeApprove,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(cr.VoucherID, 10),
		Before:     voucherSnapshot(before),
		After:      voucherSnapshot(after),
	}); err != nil {
		return Voucher{}, err
	}
	return after, nil
}

// RejectChange discards the queued patch. Terminal, audited.
func (s *Service) RejectChange(ctx context.Context, requestID int64) error {
	cr, err := s.repo.GetChangeRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if cr.Status != ChangePending {
		return ErrChangeDecided
	}
	if err := s.repo.DecideChangeRequest(ctx, requestID, ChangeRejected, shared.ActorFromContext(ctx), s.now()); err != nil {
		return err
	}
	return s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionChangeReject,
		TargetKind: "voucher",
		TargetID:   strconv.FormatInt(cr.VoucherID, 10),
		Before: map[string]any{
			"request_id": cr.ID,
			"amount":     cr.Patch.Amount.String(),
		},
	})
}

// Classify resolves ledger facts for one row and runs the pure classifier.
func (s *Service) Classify(ctx context.Context, row NormalizedRow) (Disposition, *Voucher, error) {
	in := DiffInput{Row: row}
	if len(row.Problems) == 0 && row.CounterpartyID != nil {
		locked, err := s.periods.IsLocked(ctx, row.TradeDate)
		if err != nil {
			return DispositionError, nil, err
		}
		in.PeriodLocked = locked

		existing, err := s.repo.GetByKey(ctx, *row.CounterpartyID, row.Kind, row.Number)
		switch {
		case err == nil:
			in.Existing = &existing
			if in.HasAllocations, err = s.repo.HasAllocations(ctx, existing.ID); err != nil {
				return DispositionError, nil, err
			}
			if in.HasPendingChange, err = s.repo.HasPendingChange(ctx, existing.ID); err != nil {
				return DispositionError, nil, err
			}
			if in.HasDecidedChanges, err = s.repo.HasDecidedChanges(ctx, existing.ID); err != nil {
				return DispositionError, nil, err
			}
		case errors.Is(err, ErrNotFound):
		default:
			return DispositionError, nil, err
		}
	}
	return Classify(in), in.Existing, nil
}

// ApplyRow persists one accepted upload row: new rows insert, update rows
// overwrite. The disposition was classified against a possibly stale ledger,
// so the period lock is re-checked under the period key before anything
// lands; a lock that completed in between rejects the row.
func (s *Service) ApplyRow(ctx context.Context, row NormalizedRow, d Disposition, existing *Voucher) (Voucher, error) {
	period := shared.PeriodOf(row.TradeDate)
	release, err := s.locks.Acquire(ctx, shared.PeriodLockKey(period.String()))
	if err != nil {
		return Voucher{}, err
	}
	defer release()

	locked, err := s.periods.IsLocked(ctx, row.TradeDate)
	if err != nil {
		return Voucher{}, err
	}
	if locked {
		return Voucher{}, ErrPeriodLocked
	}
	if existing != nil && shared.PeriodOf(existing.TradeDate) != period {
		locked, err := s.periods.IsLocked(ctx, existing.TradeDate)
		if err != nil {
			return Voucher{}, err
		}
		if locked {
			return Voucher{}, ErrPeriodLocked
		}
	}
	switch d {
	case DispositionNew:
		return s.repo.Create(ctx, Voucher{
			Kind:             row.Kind,
			CounterpartyID:   *row.CounterpartyID,
			TradeDate:        row.TradeDate,
			Number:           row.Number,
			Quantity:         row.Quantity,
			Amount:           row.Amount,
			SettlementStatus: SettlementOpen,
			PaymentStatus:    PaymentUnpaid,
			Memo:             row.Memo,
		})
	case DispositionUpdate:
		return s.repo.Update(ctx, existing.ID, UpdateInput{
			TradeDate: &row.TradeDate,
			Quantity:  &row.Quantity,
			Amount:    &row.Amount,
			Memo:      &row.Memo,
		})
	default:
		return Voucher{}, ErrNotFound
	}
}

// CountPendingForPeriod supports the period lock manager's conflict check.
func (s *Service) CountPendingForPeriod(ctx context.Context, period shared.Period) (int, error) {
	return s.repo.CountPendingForPeriod(ctx, period)
}

// ForceStatusesForPeriod freezes every voucher in the period.
func (s *Service) ForceStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error) {
	return s.repo.ForceStatusesForPeriod(ctx, period)
}

// RestoreStatusesForPeriod reverts every voucher in the period to its
// balance-derived statuses.
func (s *Service) RestoreStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error) {
	return s.repo.RestoreStatusesForPeriod(ctx, period)
}

func (s *Service) ensureUnlocked(ctx context.Context, v Voucher) error {
	if v.Locked() {
		return ErrPeriodLocked
	}
	locked, err := s.periods.IsLocked(ctx, v.TradeDate)
	if err != nil {
		return err
	}
	if locked {
		return ErrPeriodLocked
	}
	return nil
}

func (s *Service) deletable(ctx context.Context, v Voucher) error {
	if err := s.ensureUnlocked(ctx, v); err != nil {
		return err
	}
	hasAllocations, err := s.repo.HasAllocations(ctx, v.ID)
	if err != nil {
		return err
	}
	if hasAllocations {
		return ErrHasAllocations
	}
	hasAdjustments, err := s.repo.HasAdjustments(ctx, v.ID)
	if err != nil {
		return err
	}
	if hasAdjustments {
		return ErrHasAdjustments
	}
	return nil
}

func (s *Service) rederiveStatuses(ctx context.Context, v *Voucher) error {
	allocated, err := s.repo.AllocatedAmount(ctx, v.ID)
	if err != nil {
		return err
	}
	ss, ps := DeriveStatuses(v.Amount, allocated)
	if err := s.repo.SetStatuses(ctx, v.ID, ss, ps); err != nil {
		return err
	}
	v.SettlementStatus = ss
	v.PaymentStatus = ps
	return nil
}

func voucherSnapshot(v Voucher) map[string]any {
	snap := map[string]any{
		"kind":              string(v.Kind),
		"counterparty_id":   v.CounterpartyID,
		"trade_date":        v.TradeDate.Format("2006-01-02"),
		"number":            v.Number,
		"quantity":          v.Quantity,
		"amount":            v.Amount.String(),
		"settlement_status": string(v.SettlementStatus),
		"payment_status":    string(v.PaymentStatus),
	}
	if v.ParentID != nil {
		snap["parent_id"] = *v.ParentID
		snap["adjustment_type"] = string(v.AdjustmentType)
		snap["reason"] = v.Reason
	}
	return snap
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrPeriodLocked):
		return "period locked"
	case errors.Is(err, ErrHasAllocations):
		return "has allocations"
	case errors.Is(err, ErrHasAdjustments):
		return "has adjustment vouchers"
	default:
		return err.Error()
	}
}
