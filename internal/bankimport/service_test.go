package bankimport

import (
	"context"
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
	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]Job
	lines  map[int64][]Line
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{jobs: make(map[int64]Job), lines: make(map[int64][]Line)}
}

func (r *memoryRepo) CreateJob(_ context.Context, job Job, lines []Line) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	job.ID = r.nextID
	job.LineCount = len(lines)
	r.jobs[job.ID] = job
	stored := make([]Line, len(lines))
	for i, line := range lines {
		r.nextID++
		line.ID = r.nextID
		line.JobID = job.ID
		stored[i] = line
	}
	r.lines[job.ID] = stored
	return job, nil
}

func (r *memoryRepo) GetJob(_ context.Context, id int64) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (r *memoryRepo) ListJobs(_ context.Context, limit int) ([]Job, error) {
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

func (r *memoryRepo) SetJobStatus(_ context.Context, id int64, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	r.jobs[id] = job
	return nil
}

func (r *memoryRepo) ListLines(_ context.Context, jobID int64) ([]Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, len(r.lines[jobID]))
	copy(out, r.lines[jobID])
	return out, nil
}

func (r *memoryRepo) GetLine(_ context.Context, jobID, lineID int64) (Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range r.lines[jobID] {
		if line.ID == lineID {
			return line, nil
		}
	}
	return Line{}, ErrLineNotFound
}

func (r *memoryRepo) UpdateLineMatch(_ context.Context, lineID int64, counterpartyID *int64, confidence float64, status LineStatus) error {
	return r.mutateLine(lineID, func(line *Line) {
		line.CounterpartyID = counterpartyID
		line.Confidence = confidence
		line.Status = status
	})
}

func (r *memoryRepo) UpdateLineStatus(_ context.Context, lineID int64, status LineStatus) error {
	return r.mutateLine(lineID, func(line *Line) { line.Status = status })
}

func (r *memoryRepo) SetLineTransaction(_ context.Context, lineID, transactionID int64) error {
	return r.mutateLine(lineID, func(line *Line) {
		id := transactionID
		line.TransactionID = &id
		line.Status = LineStatusConfirmed
	})
}

func (r *memoryRepo) mutateLine(lineID int64, fn func(*Line)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jobID, lines := range r.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				fn(&lines[i])
				r.lines[jobID] = lines
				return nil
			}
		}
	}
	return ErrLineNotFound
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
				{ID: 1, Text: "SAMJIN TRF", CounterpartyID: 1, LastUsedAt: now},
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

type fakeTransactions struct {
	mu     sync.Mutex
	nextID int64
	inputs []allocation.CreateTransactionInput
}

func (f *fakeTransactions) CreateTransaction(_ context.Context, in allocation.CreateTransactionInput) (allocation.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := in.Validate(); err != nil {
		return allocation.Transaction{}, err
	}
	f.nextID++
	f.inputs = append(f.inputs, in)
	return allocation.Transaction{
		ID:             f.nextID,
		Direction:      in.Direction,
		CounterpartyID: in.CounterpartyID,
		Date:           in.Date,
		Amount:         in.Amount,
		Status:         allocation.TxPending,
		Source:         in.Source,
	}, nil
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []int64
}

func (e *fakeEnqueuer) EnqueueBankImportMatch(_ context.Context, jobID int64) error {
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
	svc   *Service
	repo  *memoryRepo
	cps   *fakeCounterparties
	txs   *fakeTransactions
	queue *fakeEnqueuer
	audit *memoryActivityRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:  newMemoryRepo(),
		cps:   newFakeCounterparties(),
		txs:   &fakeTransactions{},
		queue: &fakeEnqueuer{},
		audit: &memoryActivityRepo{},
	}
	auditSvc := activity.NewService(env.audit, testLogger(), false)
	env.svc = NewService(env.repo, env.cps, env.txs, env.queue, auditSvc, testLogger())
	return env
}

func statementFixture() []RawLine {
	return []RawLine{
		{Date: "2025-07-15", Description: "Samjin Metals", Amount: "350000"},
		{Date: "2025-07-16", Description: "SAMJIN TRF", Amount: "120000"},
		{Date: "2025-07-16", Description: "Hanwha Supply", Amount: "-90000"},
		{Date: "2025-07-17", Description: "MYSTERY SENDER 42", Amount: "50000"},
		{Date: "bad-date", Description: "broken line", Amount: "oops"},
	}
}

func TestSubmitParsesLinesAndQueuesMatch(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.svc.Submit(context.Background(), "statement.csv", statementFixture())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 5, job.LineCount)
	require.Equal(t, []int64{job.ID}, env.queue.ids)

	_, lines, err := env.svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, allocation.DirectionDeposit, lines[0].Direction)
	assert.Equal(t, allocation.DirectionWithdrawal, lines[2].Direction)
	assert.True(t, lines[2].Amount.Equal(decimal.NewFromInt(90000)), "withdrawal amount stored positive")
	assert.Equal(t, LineStatusIgnored, lines[4].Status)
	assert.NotEmpty(t, lines[4].Problems)
}

func TestAutoMatchResolvesLines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.svc.Submit(ctx, "statement.csv", statementFixture())
	require.NoError(t, err)

	require.NoError(t, env.svc.AutoMatch(ctx, job.ID))

	got, lines, err := env.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, got.Status)

	require.NotNil(t, lines[0].CounterpartyID)
	assert.EqualValues(t, 1, *lines[0].CounterpartyID)
	require.NotNil(t, lines[1].CounterpartyID, "alias text matches")
	assert.EqualValues(t, 1, *lines[1].CounterpartyID)
	require.NotNil(t, lines[2].CounterpartyID)
	assert.EqualValues(t, 2, *lines[2].CounterpartyID)

	assert.Nil(t, lines[3].CounterpartyID)
	assert.Equal(t, LineStatusPending, lines[3].Status)
	assert.Equal(t, LineStatusIgnored, lines[4].Status, "broken line untouched")
}

func TestUpdateLineOverridesMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.svc.Submit(ctx, "statement.csv", statementFixture())
	require.NoError(t, err)
	require.NoError(t, env.svc.AutoMatch(ctx, job.ID))
	_, lines, err := env.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)

	cpID := int64(1)
	line, err := env.svc.UpdateLine(ctx, job.ID, lines[3].ID, UpdateLineInput{CounterpartyID: &cpID})
	require.NoError(t, err)
	assert.Equal(t, LineStatusMatched, line.Status)
	assert.Equal(t, 1.0, line.Confidence)

	ignored := LineStatusIgnored
	line, err = env.svc.UpdateLine(ctx, job.ID, lines[0].ID, UpdateLineInput{Status: &ignored})
	require.NoError(t, err)
	assert.Equal(t, LineStatusIgnored, line.Status)

	confirmed := LineStatusConfirmed
	_, err = env.svc.UpdateLine(ctx, job.ID, lines[0].ID, UpdateLineInput{Status: &confirmed})
	require.ErrorIs(t, err, ErrInvalidStatus, "confirmed is only reachable through confirm")
}

func TestConfirmCreatesTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.svc.Submit(ctx, "statement.csv", statementFixture())
	require.NoError(t, err)
	require.NoError(t, env.svc.AutoMatch(ctx, job.ID))

	result, err := env.svc.Confirm(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 2, result.Skipped)

	require.Len(t, env.txs.inputs, 3)
	for _, in := range env.txs.inputs {
		assert.Equal(t, allocation.SourceBankImport, in.Source)
		assert.True(t, in.AutoAllocate)
	}
	assert.Equal(t, allocation.DirectionWithdrawal, env.txs.inputs[2].Direction)

	got, lines, err := env.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, LineStatusConfirmed, lines[0].Status)
	require.NotNil(t, lines[0].TransactionID)

	require.Len(t, env.audit.entries, 1)
	entry := env.audit.entries[0]
	assert.Equal(t, activity.ActionBankImportConfirm, entry.Action)
	assert.Equal(t, 3, entry.ItemCount)
	assert.Contains(t, env.cps.used, "SAMJIN TRF")

	_, err = env.svc.Confirm(ctx, job.ID, false)
	require.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestAutoMatchAfterConfirmRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.svc.Submit(ctx, "statement.csv", statementFixture())
	require.NoError(t, err)
	require.NoError(t, env.svc.AutoMatch(ctx, job.ID))
	_, err = env.svc.Confirm(ctx, job.ID, false)
	require.NoError(t, err)

	require.ErrorIs(t, env.svc.AutoMatch(ctx, job.ID), ErrAlreadyConfirmed)
}
