package periodlock

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// VoucherStore is the slice of the voucher service the lock manager needs:
// the conflict check before locking and the forced/derived status sweeps.
type VoucherStore interface {
	CountPendingForPeriod(ctx context.Context, period shared.Period) (int, error)
	ForceStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error)
	RestoreStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error)
}

// Service is the period lock manager. Lock and unlock serialise against
// concurrent voucher mutation through the same per-period redis key the
// voucher service acquires.
type Service struct {
	repo     Repository
	vouchers VoucherStore
	locks    *shared.KeyMutex
	activity *activity.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, vouchers VoucherStore, locks *shared.KeyMutex, activitySvc *activity.Service, logger *slog.Logger) *Service {
	return &Service{repo: repo, vouchers: vouchers, locks: locks, activity: activitySvc, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IsLocked reports whether the period containing tradeDate is closed. The
// voucher service consults this before every direct mutation.
func (s *Service) IsLocked(ctx context.Context, tradeDate time.Time) (bool, error) {
	lock, err := s.repo.Get(ctx, shared.PeriodOf(tradeDate))
	if err != nil {
		return false, err
	}
	return lock.Status == StatusLocked, nil
}

// Get returns the lock state of one period.
func (s *Service) Get(ctx context.Context, period shared.Period) (PeriodLock, error) {
	return s.repo.Get(ctx, period)
}

// List returns the lock states recorded for one year.
func (s *Service) List(ctx context.Context, year int) ([]PeriodLock, error) {
	return s.repo.List(ctx, year)
}

// Lock closes a period. Refused while any voucher inside it has an
// unresolved change request; on success every contained voucher's statuses
// are forced to locked.
func (s *Service) Lock(ctx context.Context, period shared.Period, description string) (PeriodLock, error) {
	release, err := s.locks.Acquire(ctx, shared.PeriodLockKey(period.String()))
	if err != nil {
		return PeriodLock{}, err
	}
	defer release()

	current, err := s.repo.Get(ctx, period)
	if err != nil {
		return PeriodLock{}, err
	}
	if current.Status == StatusLocked {
		return PeriodLock{}, ErrAlreadyLocked
	}
	pending, err := s.vouchers.CountPendingForPeriod(ctx, period)
	if err != nil {
		return PeriodLock{}, err
	}
	if pending > 0 {
		return PeriodLock{}, ErrPendingConflicts
	}

	actor := shared.ActorFromContext(ctx)
	lock, err := s.repo.Lock(ctx, period, actor, s.now(), description)
	if err != nil {
		return PeriodLock{}, err
	}
	frozen, err := s.vouchers.ForceStatusesForPeriod(ctx, period)
	if err != nil {
		return PeriodLock{}, err
	}
	s.logger.Info("period locked",
		slog.String("period", period.String()),
		slog.Int64("vouchers", frozen))

	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionPeriodLock,
		TargetKind: "period",
		TargetID:   period.String(),
		After: map[string]any{
			"description":     description,
			"vouchers_locked": frozen,
		},
	}); err != nil {
		return PeriodLock{}, err
	}
	return lock, nil
}

// Unlock re-opens a period. A reason is mandatory; contained vouchers revert
// to their balance-derived statuses. Audited with an action distinct from
// Lock.
func (s *Service) Unlock(ctx context.Context, period shared.Period, reason string) (PeriodLock, error) {
	if strings.TrimSpace(reason) == "" {
		return PeriodLock{}, ErrReasonRequired
	}
	release, err := s.locks.Acquire(ctx, shared.PeriodLockKey(period.String()))
	if err != nil {
		return PeriodLock{}, err
	}
	defer release()

	current, err := s.repo.Get(ctx, period)
	if err != nil {
		return PeriodLock{}, err
	}
	if current.Status != StatusLocked {
		return PeriodLock{}, ErrNotLocked
	}

	lock, err := s.repo.Unlock(ctx, period, reason)
	if err != nil {
		return PeriodLock{}, err
	}
	restored, err := s.vouchers.RestoreStatusesForPeriod(ctx, period)
	if err != nil {
		return PeriodLock{}, err
	}
	s.logger.Info("period unlocked",
		slog.String("period", period.String()),
		slog.Int64("vouchers", restored))

	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionPeriodUnlock,
		TargetKind: "period",
		TargetID:   period.String(),
		Before:     map[string]any{"description": current.Description},
		After: map[string]any{
			"reason":            reason,
			"vouchers_restored": restored,
		},
	}); err != nil {
		return PeriodLock{}, err
	}
	return lock, nil
}

// AuditLogs returns the period lock/unlock history for one year.
func (s *Service) AuditLogs(ctx context.Context, year int) ([]activity.Entry, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	entries, _, err := s.activity.List(ctx, activity.Filters{
		Category: "period",
		From:     from,
		To:       from.AddDate(1, 0, 0),
	})
	return entries, err
}
