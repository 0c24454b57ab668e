package periodlock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryRepo struct {
	mu    sync.Mutex
	locks map[shared.Period]PeriodLock
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{locks: make(map[shared.Period]PeriodLock)}
}

func (r *memoryRepo) Get(_ context.Context, period shared.Period) (PeriodLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lock, ok := r.locks[period]; ok {
		return lock, nil
	}
	return PeriodLock{Period: period, Status: StatusOpen}, nil
}

func (r *memoryRepo) List(_ context.Context, year int) ([]PeriodLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PeriodLock
	for _, lock := range r.locks {
		if lock.Period.Year() == year {
			out = append(out, lock)
		}
	}
	return out, nil
}

func (r *memoryRepo) Lock(_ context.Context, period shared.Period, by string, at time.Time, description string) (PeriodLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := PeriodLock{
		Period:      period,
		Status:      StatusLocked,
		LockedBy:    by,
		LockedAt:    &at,
		Description: description,
		UpdatedAt:   at,
	}
	r.locks[period] = lock
	return lock, nil
}

func (r *memoryRepo) Unlock(_ context.Context, period shared.Period, description string) (PeriodLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[period]
	if !ok {
		return PeriodLock{}, ErrNotLocked
	}
	lock.Status = StatusOpen
	lock.LockedBy = ""
	lock.LockedAt = nil
	lock.Description = description
	r.locks[period] = lock
	return lock, nil
}

type stubVouchers struct {
	pending  map[shared.Period]int
	forced   map[shared.Period]int64
	restored map[shared.Period]int64
}

func newStubVouchers() *stubVouchers {
	return &stubVouchers{
		pending:  make(map[shared.Period]int),
		forced:   make(map[shared.Period]int64),
		restored: make(map[shared.Period]int64),
	}
}

func (s *stubVouchers) CountPendingForPeriod(_ context.Context, period shared.Period) (int, error) {
	return s.pending[period], nil
}

func (s *stubVouchers) ForceStatusesForPeriod(_ context.Context, period shared.Period) (int64, error) {
	s.forced[period]++
	return 3, nil
}

func (s *stubVouchers) RestoreStatusesForPeriod(_ context.Context, period shared.Period) (int64, error) {
	s.restored[period]++
	return 3, nil
}

type memoryActivityRepo struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (r *memoryActivityRepo) Insert(_ context.Context, entry activity.Entry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, entry)
	return entry.ID, nil
}

func (r *memoryActivityRepo) InsertBatch(_ context.Context, entries []activity.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *memoryActivityRepo) List(_ context.Context, f activity.Filters) ([]activity.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activity.Entry
	for _, entry := range r.entries {
		if f.Category != "" && entry.Action.Category() != f.Category {
			continue
		}
		out = append(out, entry)
	}
	return out, len(out), nil
}

func (r *memoryActivityRepo) ListTraces(_ context.Context, _ activity.Filters) ([]activity.Entry, error) {
	return nil, nil
}

func (r *memoryActivityRepo) ListByTrace(_ context.Context, _ uuid.UUID) ([]activity.Entry, error) {
	return nil, nil
}

func (r *memoryActivityRepo) DeleteAll(_ context.Context) (int64, error) {
	n := int64(len(r.entries))
	r.entries = nil
	return n, nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *stubVouchers, *memoryActivityRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	vouchers := newStubVouchers()
	auditRepo := &memoryActivityRepo{}
	auditSvc := activity.NewService(auditRepo, testLogger(), false)
	svc := NewService(repo, vouchers, shared.NewKeyMutex(client), auditSvc, testLogger())
	return svc, repo, vouchers, auditRepo
}

func TestLockForcesVoucherStatuses(t *testing.T) {
	svc, _, vouchers, audit := newTestService(t)
	period := shared.Period("2025-03")

	lock, err := svc.Lock(context.Background(), period, "march close")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, lock.Status)
	assert.EqualValues(t, 1, vouchers.forced[period])

	locked, err := svc.IsLocked(context.Background(), time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, locked)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, activity.ActionPeriodLock, audit.entries[0].Action)
}

func TestLockRejectedWhilePendingConflicts(t *testing.T) {
	svc, _, vouchers, _ := newTestService(t)
	period := shared.Period("2025-03")
	vouchers.pending[period] = 2

	_, err := svc.Lock(context.Background(), period, "march close")
	require.ErrorIs(t, err, ErrPendingConflicts)
	assert.Zero(t, vouchers.forced[period], "no voucher is frozen on a rejected lock")
}

func TestLockIdempotenceRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	period := shared.Period("2025-03")

	_, err := svc.Lock(context.Background(), period, "first")
	require.NoError(t, err)
	_, err = svc.Lock(context.Background(), period, "second")
	require.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestUnlockRequiresReasonAndRestores(t *testing.T) {
	svc, _, vouchers, audit := newTestService(t)
	period := shared.Period("2025-03")

	_, err := svc.Lock(context.Background(), period, "march close")
	require.NoError(t, err)

	_, err = svc.Unlock(context.Background(), period, "  ")
	require.ErrorIs(t, err, ErrReasonRequired)

	lock, err := svc.Unlock(context.Background(), period, "late invoice arrived")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, lock.Status)
	assert.EqualValues(t, 1, vouchers.restored[period])

	require.Len(t, audit.entries, 2)
	assert.Equal(t, activity.ActionPeriodLock, audit.entries[0].Action)
	assert.Equal(t, activity.ActionPeriodUnlock, audit.entries[1].Action, "unlock is audited distinctly from lock")
}

func TestUnlockOpenPeriodRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Unlock(context.Background(), shared.Period("2025-04"), "oops")
	require.ErrorIs(t, err, ErrNotLocked)
}

func TestAuditLogsFiltersPeriodCategory(t *testing.T) {
	svc, _, _, audit := newTestService(t)
	period := shared.Period("2025-03")

	_, err := svc.Lock(context.Background(), period, "close")
	require.NoError(t, err)
	_, err = svc.Unlock(context.Background(), period, "reopen")
	require.NoError(t, err)

	// An unrelated entry must not show up in the period audit view.
	audit.entries = append(audit.entries, activity.Entry{Action: activity.ActionVoucherCreate})

	entries, err := svc.AuditLogs(context.Background(), 2025)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
