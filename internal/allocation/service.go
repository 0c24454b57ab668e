package allocation

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

// Service runs the payment allocation engine. Every mutation spans the
// transaction, voucher and allocation rows atomically, serialised per voucher
// so concurrent attempts cannot push a balance negative.
type Service struct {
	repo     Repository
	locks    *shared.KeyMutex
	activity *activity.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, locks *shared.KeyMutex, activitySvc *activity.Service, logger *slog.Logger) *Service {
	return &Service{repo: repo, locks: locks, activity: activitySvc, logger: logger, now: time.Now}
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions returns transactions with pagination metadata.
func (s *Service) ListTransactions(ctx context.Context, f ListFilter) ([]Transaction, shared.Pagination, error) {
	transactions, total, err := s.repo.ListTransactions(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return transactions, shared.NewPagination(f.Page, f.PerPage, total), nil
}

// ListAllocations returns a transaction's allocations in applied order.
func (s *Service) ListAllocations(ctx context.Context, transactionID int64) ([]Allocation, error) {
	return s.repo.ListByTransaction(ctx, transactionID)
}

// CreateTransaction records a deposit or withdrawal, optionally running the
// automatic allocation pass immediately.
func (s *Service) CreateTransaction(ctx context.Context, in CreateTransactionInput) (Transaction, error) {
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	source := in.Source
	if source == "" {
		source = SourceManual
	}
	t, err := s.repo.CreateTransaction(ctx, Transaction{
		Direction:      in.Direction,
		CounterpartyID: in.CounterpartyID,
		Date:           in.Date,
		Amount:         in.Amount,
		Source:         source,
		Memo:           in.Memo,
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionTransactionCreate,
		TargetKind: "transaction",
		TargetID:   strconv.FormatInt(t.ID, 10),
		After:      transactionSnapshot(t),
	}); err != nil {
		return Transaction{}, err
	}
	if in.AutoAllocate {
		return s.AutoAllocate(ctx, t.ID)
	}
	return t, nil
}

// AutoAllocate distributes the transaction's unallocated amount across the
// counterparty's open vouchers oldest-first. Nothing happens when no
// candidate has remaining balance.
func (s *Service) AutoAllocate(ctx context.Context, transactionID int64) (Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status == TxCancelled {
		return Transaction{}, ErrTxCancelled
	}
	remaining := t.Unallocated()
	if remaining.LessThanOrEqual(decimal.Zero) {
		return t, nil
	}
	candidates, err := s.repo.Candidates(ctx, t.CounterpartyID, t.Direction.VoucherKind())
	if err != nil {
		return Transaction{}, err
	}
	plan, _ := Plan(remaining, candidates)
	if len(plan) == 0 {
		return t, nil
	}

	release, err := s.locks.AcquireMany(ctx, voucherLockKeys(plan))
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	traceID := shared.NewTraceID()
	var rows []activity.Entry
	var updated Transaction
	err = s.repo.WithTx(ctx, func(tx Repository) error {
		current, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		left := current.Unallocated()
		allocatedTotal := current.Allocated
		for _, step := range plan {
			if left.LessThanOrEqual(decimal.Zero) {
				break
			}
			// Re-read under the lock; another allocation may have landed
			// between planning and here.
			state, err := tx.VoucherState(ctx, step.VoucherID)
			if err != nil {
				return err
			}
			if state.Locked() {
				continue
			}
			take := decimal.Min(decimal.Min(step.Amount, state.Balance()), left)
			if take.LessThanOrEqual(decimal.Zero) {
				continue
			}
			a, err := tx.CreateAllocation(ctx, Allocation{
				TransactionID: transactionID,
				VoucherID:     step.VoucherID,
				Amount:        take,
			})
			if err != nil {
				return err
			}
			ss, ps := voucher.DeriveStatuses(state.Amount, state.Allocated.Add(take))
			if err := tx.SetVoucherStatuses(ctx, step.VoucherID, ss, ps); err != nil {
				return err
			}
			left = left.Sub(take)
			allocatedTotal = allocatedTotal.Add(take)
			rows = append(rows, activity.Entry{
				Action:     activity.ActionAllocationCreate,
				TargetKind: "allocation",
				TargetID:   strconv.FormatInt(a.ID, 10),
				After:      allocationSnapshot(a),
			})
		}
		if err := tx.SetTransactionAllocation(ctx, transactionID, allocatedTotal, DeriveTxStatus(current.Amount, allocatedTotal)); err != nil {
			return err
		}
		updated, err = tx.GetTransaction(ctx, transactionID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	if len(rows) > 0 {
		if err := s.activity.RecordBatch(ctx, traceID, activity.Entry{
			Action:     activity.ActionAllocationCreate,
			TargetKind: "transaction",
			TargetID:   strconv.FormatInt(transactionID, 10),
			After:      transactionSnapshot(updated),
		}, rows); err != nil {
			return Transaction{}, err
		}
	}
	return updated, nil
}

// ManualAllocate applies a caller-specified amount to one voucher, subject to
// the same per-voucher and per-transaction ceilings as the automatic pass.
func (s *Service) ManualAllocate(ctx context.Context, transactionID, voucherID int64, amount decimal.Decimal, memo string) (Allocation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Allocation{}, ErrInvalidAmount
	}
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return Allocation{}, err
	}
	if t.Status == TxCancelled {
		return Allocation{}, ErrTxCancelled
	}

	release, err := s.locks.Acquire(ctx, shared.VoucherLockKey(voucherID))
	if err != nil {
		return Allocation{}, err
	}
	defer release()

	var created Allocation
	err = s.repo.WithTx(ctx, func(tx Repository) error {
		current, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(current.Unallocated()) {
			return ErrTxCeiling
		}
		state, err := tx.VoucherState(ctx, voucherID)
		if err != nil {
			return err
		}
		if state.Locked() {
			return ErrVoucherLocked
		}
		if state.Kind != current.Direction.VoucherKind() {
			return ErrDirectionMismatch
		}
		if state.CounterpartyID != current.CounterpartyID {
			return ErrCounterpartyMismatch
		}
		if amount.GreaterThan(state.Balance()) {
			return ErrVoucherCeiling
		}
		created, err = tx.CreateAllocation(ctx, Allocation{
			TransactionID: transactionID,
			VoucherID:     voucherID,
			Amount:        amount,
			Memo:          memo,
		})
		if err != nil {
			return err
		}
		ss, ps := voucher.DeriveStatuses(state.Amount, state.Allocated.Add(amount))
		if err := tx.SetVoucherStatuses(ctx, voucherID, ss, ps); err != nil {
			return err
		}
		allocated := current.Allocated.Add(amount)
		return tx.SetTransactionAllocation(ctx, transactionID, allocated, DeriveTxStatus(current.Amount, allocated))
	})
	if err != nil {
		return Allocation{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionAllocationCreate,
		TargetKind: "allocation",
		TargetID:   strconv.FormatInt(created.ID, 10),
		After:      allocationSnapshot(created),
	}); err != nil {
		return Allocation{}, err
	}
	return created, nil
}

// DeleteAllocation removes one allocation and restores the voucher and
// transaction atomically.
func (s *Service) DeleteAllocation(ctx context.Context, allocationID int64) error {
	a, err := s.repo.GetAllocation(ctx, allocationID)
	if err != nil {
		return err
	}

	release, err := s.locks.Acquire(ctx, shared.VoucherLockKey(a.VoucherID))
	if err != nil {
		return err
	}
	defer release()

	err = s.repo.WithTx(ctx, func(tx Repository) error {
		state, err := tx.VoucherState(ctx, a.VoucherID)
		if err != nil {
			return err
		}
		if state.Locked() {
			return ErrVoucherLocked
		}
		if err := tx.DeleteAllocation(ctx, allocationID); err != nil {
			return err
		}
		ss, ps := voucher.DeriveStatuses(state.Amount, state.Allocated.Sub(a.Amount))
		if err := tx.SetVoucherStatuses(ctx, a.VoucherID, ss, ps); err != nil {
			return err
		}
		current, err := tx.GetTransaction(ctx, a.TransactionID)
		if err != nil {
			return err
		}
		allocated := current.Allocated.Sub(a.Amount)
		if allocated.LessThan(decimal.Zero) {
			allocated = decimal.Zero
		}
		return tx.SetTransactionAllocation(ctx, a.TransactionID, allocated, DeriveTxStatus(current.Amount, allocated))
	})
	if err != nil {
		return err
	}
	return s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionAllocationDelete,
		TargetKind: "allocation",
		TargetID:   strconv.FormatInt(allocationID, 10),
		Before:     allocationSnapshot(a),
	})
}

// CancelTransaction removes every allocation of the transaction, restores the
// touched vouchers and marks the transaction cancelled, all atomically. A
// locked voucher among the targets rejects the whole cancel; its statuses must
// not be rewritten while the freeze holds.
func (s *Service) CancelTransaction(ctx context.Context, transactionID int64) (Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status == TxCancelled {
		return Transaction{}, ErrTxCancelled
	}
	allocations, err := s.repo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}

	keys := make([]string, 0, len(allocations))
	seen := make(map[int64]struct{}, len(allocations))
	for _, a := range allocations {
		if _, ok := seen[a.VoucherID]; ok {
			continue
		}
		seen[a.VoucherID] = struct{}{}
		keys = append(keys, shared.VoucherLockKey(a.VoucherID))
	}
	sort.Strings(keys)
	release, err := s.locks.AcquireMany(ctx, keys)
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	traceID := shared.NewTraceID()
	var rows []activity.Entry
	var updated Transaction
	err = s.repo.WithTx(ctx, func(tx Repository) error {
		for _, a := range allocations {
			state, err := tx.VoucherState(ctx, a.VoucherID)
			if err != nil {
				return err
			}
			if state.Locked() {
				return ErrVoucherLocked
			}
			if err := tx.DeleteAllocation(ctx, a.ID); err != nil {
				return err
			}
			ss, ps := voucher.DeriveStatuses(state.Amount, state.Allocated.Sub(a.Amount))
			if err := tx.SetVoucherStatuses(ctx, a.VoucherID, ss, ps); err != nil {
				return err
			}
			rows = append(rows, activity.Entry{
				Action:     activity.ActionAllocationDelete,
				TargetKind: "allocation",
				TargetID:   strconv.FormatInt(a.ID, 10),
				Before:     allocationSnapshot(a),
			})
		}
		if err := tx.SetTransactionAllocation(ctx, transactionID, decimal.Zero, TxCancelled); err != nil {
			return err
		}
		var err error
		updated, err = tx.GetTransaction(ctx, transactionID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := s.activity.RecordBatch(ctx, traceID, activity.Entry{
		Action:     activity.ActionTransactionCancel,
		TargetKind: "transaction",
		TargetID:   strconv.FormatInt(transactionID, 10),
		Before:     transactionSnapshot(t),
		After:      transactionSnapshot(updated),
	}, rows); err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

func voucherLockKeys(plan []Planned) []string {
	keys := make([]string, 0, len(plan))
	seen := make(map[int64]struct{}, len(plan))
	for _, step := range plan {
		if _, ok := seen[step.VoucherID]; ok {
			continue
		}
		seen[step.VoucherID] = struct{}{}
		keys = append(keys, shared.VoucherLockKey(step.VoucherID))
	}
	sort.Strings(keys)
	return keys
}

func transactionSnapshot(t Transaction) map[string]any {
	return map[string]any{
		"direction":       string(t.Direction),
		"counterparty_id": t.CounterpartyID,
		"date":            t.Date.Format("2006-01-02"),
		"amount":          t.Amount.String(),
		"allocated":       t.Allocated.String(),
		"status":          string(t.Status),
		"source":          string(t.Source),
	}
}

func allocationSnapshot(a Allocation) map[string]any {
	return map[string]any{
		"transaction_id": a.TransactionID,
		"voucher_id":     a.VoucherID,
		"amount":         a.Amount.String(),
		"ordinal":        a.Ordinal,
	}
}
