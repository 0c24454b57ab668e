package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]Job
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{jobs: make(map[uuid.UUID]Job)}
}

func (r *memoryRepo) Create(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (r *memoryRepo) List(_ context.Context, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for _, job := range r.jobs {
		if len(out) == limit {
			break
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *memoryRepo) MarkRunning(_ context.Context, id uuid.UUID) error {
	return r.mutate(id, func(job *Job) { job.Status = StatusRunning })
}

func (r *memoryRepo) SetProgress(_ context.Context, id uuid.UUID, progress int) error {
	return r.mutate(id, func(job *Job) { job.Progress = progress })
}

func (r *memoryRepo) Complete(_ context.Context, id uuid.UUID, summary Summary, preview []PreviewRow) error {
	return r.mutate(id, func(job *Job) {
		job.Status = StatusSucceeded
		job.Progress = 100
		job.Summary = summary
		job.Preview = preview
	})
}

func (r *memoryRepo) Fail(_ context.Context, id uuid.UUID, message string) error {
	return r.mutate(id, func(job *Job) {
		job.Status = StatusFailed
		job.FailureMessage = message
	})
}

func (r *memoryRepo) MarkConfirmed(_ context.Context, id uuid.UUID) error {
	return r.mutate(id, func(job *Job) { job.Confirmed = true })
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *memoryRepo) mutate(id uuid.UUID, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&job)
	r.jobs[id] = job
	return nil
}

// fakeLedger keeps vouchers in a map and runs the real pure classifier
// against them, so confirm-then-preview behaves like the live ledger.
type fakeLedger struct {
	mu          sync.Mutex
	nextID      int64
	vouchers    map[string]voucher.Voucher
	allocated   map[int64]bool
	pending     map[int64]bool
	locked      map[shared.Period]bool
	applyLocked map[shared.Period]bool
	requests    []voucher.ChangeRequest
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		vouchers:    make(map[string]voucher.Voucher),
		allocated:   make(map[int64]bool),
		pending:     make(map[int64]bool),
		locked:      make(map[shared.Period]bool),
		applyLocked: make(map[shared.Period]bool),
	}
}

func ledgerKey(cpID int64, kind voucher.Kind, number string) string {
	return fmt.Sprintf("%d|%s|%s", cpID, kind, number)
}

func (l *fakeLedger) Classify(_ context.Context, row voucher.NormalizedRow) (voucher.Disposition, *voucher.Voucher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := voucher.DiffInput{Row: row}
	if len(row.Problems) == 0 && row.CounterpartyID != nil {
		in.PeriodLocked = l.locked[shared.PeriodOf(row.TradeDate)]
		if existing, ok := l.vouchers[ledgerKey(*row.CounterpartyID, row.Kind, row.Number)]; ok {
			v := existing
			in.Existing = &v
			in.HasAllocations = l.allocated[v.ID]
			in.HasPendingChange = l.pending[v.ID]
		}
	}
	return voucher.Classify(in), in.Existing, nil
}

func (l *fakeLedger) ApplyRow(_ context.Context, row voucher.NormalizedRow, d voucher.Disposition, existing *voucher.Voucher) (voucher.Voucher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Mirrors the ledger's own re-check under the period key.
	if l.applyLocked[shared.PeriodOf(row.TradeDate)] {
		return voucher.Voucher{}, voucher.ErrPeriodLocked
	}
	switch d {
	case voucher.DispositionNew:
		l.nextID++
		v := voucher.Voucher{
			ID:             l.nextID,
			Kind:           row.Kind,
			CounterpartyID: *row.CounterpartyID,
			TradeDate:      row.TradeDate,
			Number:         row.Number,
			Quantity:       row.Quantity,
			Amount:         row.Amount,
			Memo:           row.Memo,
		}
		l.vouchers[ledgerKey(v.CounterpartyID, v.Kind, v.Number)] = v
		return v, nil
	case voucher.DispositionUpdate:
		key := ledgerKey(existing.CounterpartyID, existing.Kind, existing.Number)
		v := l.vouchers[key]
		v.TradeDate = row.TradeDate
		v.Quantity = row.Quantity
		v.Amount = row.Amount
		v.Memo = row.Memo
		l.vouchers[key] = v
		return v, nil
	default:
		return voucher.Voucher{}, voucher.ErrNotFound
	}
}

func (l *fakeLedger) SubmitChangeRequest(_ context.Context, voucherID int64, patch voucher.RowPatch) (voucher.ChangeRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cr := voucher.ChangeRequest{
		ID:        int64(len(l.requests) + 1),
		VoucherID: voucherID,
		Patch:     patch,
		Status:    voucher.ChangePending,
	}
	l.requests = append(l.requests, cr)
	l.pending[voucherID] = true
	return cr, nil
}

func (l *fakeLedger) seed(cpID int64, kind voucher.Kind, number string, tradeDate time.Time, amount int64) voucher.Voucher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	v := voucher.Voucher{
		ID:             l.nextID,
		Kind:           kind,
		CounterpartyID: cpID,
		TradeDate:      tradeDate,
		Number:         number,
		Amount:         decimal.NewFromInt(amount),
	}
	l.vouchers[ledgerKey(cpID, kind, number)] = v
	return v
}

type fakeCounterparties struct {
	snap    *counterparty.Snapshot
	matcher *counterparty.Matcher

	mu   sync.Mutex
	used []string
}

func newFakeCounterparties() *fakeCounterparties {
	now := time.Now()
	return &fakeCounterparties{
		snap: counterparty.NewSnapshot(
			[]counterparty.Counterparty{
				{ID: 1, Name: "Samjin Metals", Kind: counterparty.KindBuyer, Active: true},
				{ID: 2, Name: "Hanwha Supply", Kind: counterparty.KindSeller, Active: true},
			},
			[]counterparty.Alias{
				{ID: 1, Text: "Samjin M.", CounterpartyID: 1, LastUsedAt: now},
			},
		),
		matcher: counterparty.NewMatcher(counterparty.DefaultMatchThreshold),
	}
}

func (c *fakeCounterparties) Snapshot(context.Context) (*counterparty.Snapshot, error) {
	return c.snap, nil
}

func (c *fakeCounterparties) Matcher() *counterparty.Matcher {
	return c.matcher
}

func (c *fakeCounterparties) MarkAliasesUsed(_ context.Context, rawTexts []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = append(c.used, rawTexts...)
	return nil
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (e *fakeEnqueuer) EnqueueUploadProcess(_ context.Context, jobID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, jobID)
	return nil
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

func (r *memoryActivityRepo) List(_ context.Context, _ activity.Filters) ([]activity.Entry, int, error) {
	return r.entries, len(r.entries), nil
}

func (r *memoryActivityRepo) ListTraces(_ context.Context, _ activity.Filters) ([]activity.Entry, error) {
	return nil, nil
}

func (r *memoryActivityRepo) ListByTrace(_ context.Context, _ uuid.UUID) ([]activity.Entry, error) {
	return nil, nil
}

func (r *memoryActivityRepo) DeleteAll(_ context.Context) (int64, error) {
	return 0, nil
}

type testEnv struct {
	svc     *Service
	repo    *memoryRepo
	ledger  *fakeLedger
	cps     *fakeCounterparties
	queue   *fakeEnqueuer
	audit   *memoryActivityRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:   newMemoryRepo(),
		ledger: newFakeLedger(),
		cps:    newFakeCounterparties(),
		queue:  &fakeEnqueuer{},
		audit:  &memoryActivityRepo{},
	}
	auditSvc := activity.NewService(env.audit, testLogger(), false)
	env.svc = NewService(env.repo, env.ledger, env.cps, env.queue, auditSvc, testLogger())
	return env
}

func validRow(number string, amount string) RawRow {
	return RawRow{
		Counterparty: "Samjin Metals",
		Kind:         "SALES",
		Number:       number,
		TradeDate:    "2025-07-10",
		Quantity:     "3",
		Amount:       amount,
	}
}

func TestSubmitQueuesJob(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.svc.Submit(context.Background(), "july.csv", []RawRow{validRow("V-1", "1000")})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	require.Len(t, env.queue.ids, 1)
	assert.Equal(t, job.ID, env.queue.ids[0])
}

func TestProcessCountsRowErrorsWithoutFailing(t *testing.T) {
	env := newTestEnv(t)

	rows := make([]RawRow, 0, 500)
	for i := 0; i < 480; i++ {
		rows = append(rows, validRow(fmt.Sprintf("V-%03d", i), "1000"))
	}
	for i := 0; i < 20; i++ {
		bad := validRow(fmt.Sprintf("B-%03d", i), "not-a-number")
		rows = append(rows, bad)
	}
	job, err := env.svc.Submit(context.Background(), "july.csv", rows)
	require.NoError(t, err)

	require.NoError(t, env.svc.Process(context.Background(), job.ID))

	got, err := env.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 500, got.Summary.Total)
	assert.Equal(t, 480, got.Summary.New)
	assert.Equal(t, 20, got.Summary.Errors)
	assert.Len(t, got.Preview, 500)
}

func TestProcessSkipsTerminalJob(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.svc.Submit(context.Background(), "july.csv", []RawRow{validRow("V-1", "1000")})
	require.NoError(t, err)
	require.NoError(t, env.repo.Fail(context.Background(), job.ID, "boom"))

	require.NoError(t, env.svc.Process(context.Background(), job.ID))

	got, err := env.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestPreviewDoesNotPersist(t *testing.T) {
	env := newTestEnv(t)

	preview, summary, err := env.svc.Preview(context.Background(), []RawRow{
		validRow("V-1", "1000"),
		{Counterparty: "Nobody Known Ltd", Kind: "SALES", Number: "V-2", TradeDate: "2025-07-10", Amount: "500"},
	})
	require.NoError(t, err)
	require.Len(t, preview, 2)
	assert.Equal(t, voucher.DispositionNew, preview[0].Disposition)
	assert.Equal(t, voucher.DispositionUnmatched, preview[1].Disposition)
	assert.Equal(t, 1, summary.New)
	assert.Equal(t, 1, summary.Unmatched)

	assert.Empty(t, env.repo.jobs, "preview stores no job")
	assert.Empty(t, env.ledger.vouchers, "preview writes no voucher")
}

func TestConfirmAppliesRoutesAndSkips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)

	// Existing vouchers: one safe to update, one with allocations, one in a
	// locked period.
	env.ledger.seed(1, voucher.KindSales, "UPD-1", day, 900)
	conflicted := env.ledger.seed(1, voucher.KindSales, "CON-1", day, 900)
	env.ledger.allocated[conflicted.ID] = true
	env.ledger.seed(1, voucher.KindSales, "LCK-1", time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 900)
	env.ledger.locked["2025-06"] = true

	rows := []RawRow{
		validRow("NEW-1", "1000"),
		validRow("UPD-1", "1200"),
		validRow("CON-1", "1500"),
		{Counterparty: "Samjin M.", Kind: "SALES", Number: "LCK-1", TradeDate: "2025-06-05", Amount: "800"},
		{Counterparty: "Nobody Known Ltd", Kind: "SALES", Number: "UNM-1", TradeDate: "2025-07-10", Amount: "700"},
	}
	job, err := env.svc.Submit(ctx, "july.csv", rows)
	require.NoError(t, err)
	require.NoError(t, env.svc.Process(ctx, job.ID))

	result, err := env.svc.Confirm(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.ChangeRequests)
	assert.Equal(t, 1, result.SkippedLocked)
	assert.Equal(t, 1, result.Skipped)

	created, ok := env.ledger.vouchers[ledgerKey(1, voucher.KindSales, "NEW-1")]
	require.True(t, ok)
	assert.True(t, created.Amount.Equal(decimal.NewFromInt(1000)))
	updated := env.ledger.vouchers[ledgerKey(1, voucher.KindSales, "UPD-1")]
	assert.True(t, updated.Amount.Equal(decimal.NewFromInt(1200)))

	require.Len(t, env.ledger.requests, 1)
	assert.Equal(t, conflicted.ID, env.ledger.requests[0].VoucherID)

	locked := env.ledger.vouchers[ledgerKey(1, voucher.KindSales, "LCK-1")]
	assert.True(t, locked.Amount.Equal(decimal.NewFromInt(900)), "locked voucher untouched")

	// One trace: a row entry per applied voucher plus the confirm summary.
	require.Len(t, env.audit.entries, 3)
	summary := env.audit.entries[2]
	assert.Equal(t, activity.ActionUploadConfirm, summary.Action)
	assert.Equal(t, 2, summary.ItemCount)
	for _, entry := range env.audit.entries {
		assert.Equal(t, summary.TraceID, entry.TraceID)
	}
	assert.Contains(t, env.cps.used, "Samjin Metals")

	_, err = env.svc.Confirm(ctx, job.ID, true)
	require.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestConfirmCountsApplyTimeLockAsSkippedLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, "july.csv", []RawRow{validRow("V-1", "1000")})
	require.NoError(t, err)
	require.NoError(t, env.svc.Process(ctx, job.ID))

	// The period locks between confirm's classification pass and the write;
	// the ledger rejects the row and confirm counts it with the locked skips.
	env.ledger.applyLocked["2025-07"] = true

	result, err := env.svc.Confirm(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Equal(t, 1, result.SkippedLocked)
	assert.Empty(t, env.ledger.vouchers, "nothing lands in the locked period")
}

func TestConfirmCanLeaveConflictsPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)
	conflicted := env.ledger.seed(1, voucher.KindSales, "CON-1", day, 900)
	env.ledger.allocated[conflicted.ID] = true

	job, err := env.svc.Submit(ctx, "july.csv", []RawRow{validRow("CON-1", "1500")})
	require.NoError(t, err)
	require.NoError(t, env.svc.Process(ctx, job.ID))

	result, err := env.svc.Confirm(ctx, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.LeftPending)
	assert.Zero(t, result.ChangeRequests)
	assert.Empty(t, env.ledger.requests, "nothing is force-applied or escalated")
}

func TestConfirmRequiresSucceededJob(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.svc.Submit(context.Background(), "july.csv", []RawRow{validRow("V-1", "1000")})
	require.NoError(t, err)

	_, err = env.svc.Confirm(context.Background(), job.ID, true)
	require.ErrorIs(t, err, ErrJobNotReady)
}

func TestDeleteRunningJobRejected(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.svc.Submit(context.Background(), "july.csv", []RawRow{validRow("V-1", "1000")})
	require.NoError(t, err)
	require.NoError(t, env.repo.MarkRunning(context.Background(), job.ID))

	require.ErrorIs(t, env.svc.Delete(context.Background(), job.ID), ErrJobRunning)

	require.NoError(t, env.repo.Complete(context.Background(), job.ID, Summary{}, nil))
	require.NoError(t, env.svc.Delete(context.Background(), job.ID))
}

func TestReuploadAfterConfirmIsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rows := []RawRow{validRow("V-1", "1000"), validRow("V-2", "2000")}

	job, err := env.svc.Submit(ctx, "july.csv", rows)
	require.NoError(t, err)
	require.NoError(t, env.svc.Process(ctx, job.ID))
	_, err = env.svc.Confirm(ctx, job.ID, true)
	require.NoError(t, err)

	preview, summary, err := env.svc.Preview(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Unchanged)
	for _, row := range preview {
		assert.Equal(t, voucher.DispositionUnchanged, row.Disposition)
	}
}
