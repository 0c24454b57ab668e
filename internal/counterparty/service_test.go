package counterparty

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryRepo struct {
	mu        sync.Mutex
	nextID    int64
	nextAlias int64
	records   map[int64]Counterparty
	aliases   map[int64]Alias
	linked    map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		nextID:    1,
		nextAlias: 1,
		records:   make(map[int64]Counterparty),
		aliases:   make(map[int64]Alias),
		linked:    make(map[int64]bool),
	}
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Counterparty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.records[id]
	if !ok {
		return Counterparty{}, ErrNotFound
	}
	return cp, nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter) ([]Counterparty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Counterparty
	for _, cp := range r.records {
		if f.Kind != "" && cp.Kind != f.Kind && cp.Kind != KindBoth {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(cp.Name), strings.ToLower(f.Search)) {
			continue
		}
		if f.Active != nil && cp.Active != *f.Active {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepo) Create(_ context.Context, in CreateInput) (Counterparty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.TrimSpace(in.Name)
	for _, cp := range r.records {
		if cp.Name == name {
			return Counterparty{}, ErrNameTaken
		}
	}
	cp := Counterparty{
		ID:        r.nextID,
		Name:      name,
		Kind:      in.Kind,
		Active:    true,
		Favorite:  in.Favorite,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.nextID++
	r.records[cp.ID] = cp
	return cp, nil
}

func (r *memoryRepo) Update(_ context.Context, id int64, in UpdateInput) (Counterparty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.records[id]
	if !ok {
		return Counterparty{}, ErrNotFound
	}
	if in.Name != nil {
		cp.Name = *in.Name
	}
	if in.Kind != nil {
		cp.Kind = *in.Kind
	}
	if in.Active != nil {
		cp.Active = *in.Active
	}
	if in.Favorite != nil {
		cp.Favorite = *in.Favorite
	}
	cp.UpdatedAt = time.Now()
	r.records[id] = cp
	return cp, nil
}

func (r *memoryRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *memoryRepo) HasVoucherLinks(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linked[id], nil
}

func (r *memoryRepo) HasAliases(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alias := range r.aliases {
		if alias.CounterpartyID == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) CreateAlias(_ context.Context, text string, counterpartyID int64) (Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[counterpartyID]; !ok {
		return Alias{}, ErrNotFound
	}
	normalized := Normalize(text)
	for _, alias := range r.aliases {
		if Normalize(alias.Text) == normalized {
			return Alias{}, ErrAliasTaken
		}
	}
	alias := Alias{
		ID:             r.nextAlias,
		Text:           strings.TrimSpace(text),
		CounterpartyID: counterpartyID,
		LastUsedAt:     time.Now(),
		CreatedAt:      time.Now(),
	}
	r.nextAlias++
	r.aliases[alias.ID] = alias
	return alias, nil
}

func (r *memoryRepo) DeleteAlias(_ context.Context, aliasID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aliases[aliasID]; !ok {
		return ErrAliasNotFound
	}
	delete(r.aliases, aliasID)
	return nil
}

func (r *memoryRepo) GetAlias(_ context.Context, aliasID int64) (Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alias, ok := r.aliases[aliasID]
	if !ok {
		return Alias{}, ErrAliasNotFound
	}
	return alias, nil
}

func (r *memoryRepo) ListAliases(_ context.Context, counterpartyID int64) ([]Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alias
	for _, alias := range r.aliases {
		if alias.CounterpartyID == counterpartyID {
			out = append(out, alias)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) TouchAliases(_ context.Context, normalizedTexts []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]struct{}, len(normalizedTexts))
	for _, n := range normalizedTexts {
		wanted[n] = struct{}{}
	}
	for id, alias := range r.aliases {
		if _, ok := wanted[Normalize(alias.Text)]; ok {
			alias.LastUsedAt = at
			r.aliases[id] = alias
		}
	}
	return nil
}

func (r *memoryRepo) LoadSnapshot(_ context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counterparties []Counterparty
	for _, cp := range r.records {
		counterparties = append(counterparties, cp)
	}
	var aliases []Alias
	for _, alias := range r.aliases {
		aliases = append(aliases, alias)
	}
	return NewSnapshot(counterparties, aliases), nil
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
	for _, entry := range entries {
		entry.ID = int64(len(r.entries) + 1)
		r.entries = append(r.entries, entry)
	}
	return nil
}

func (r *memoryActivityRepo) List(_ context.Context, _ activity.Filters) ([]activity.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]activity.Entry(nil), r.entries...), len(r.entries), nil
}

func (r *memoryActivityRepo) ListTraces(_ context.Context, _ activity.Filters) ([]activity.Entry, error) {
	return nil, nil
}

func (r *memoryActivityRepo) ListByTrace(_ context.Context, traceID uuid.UUID) ([]activity.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activity.Entry
	for _, entry := range r.entries {
		if entry.TraceID == traceID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memoryActivityRepo) DeleteAll(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.entries))
	r.entries = nil
	return n, nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *memoryActivityRepo) {
	t.Helper()
	repo := newMemoryRepo()
	auditRepo := &memoryActivityRepo{}
	auditSvc := activity.NewService(auditRepo, testLogger(), false)
	svc := NewService(repo, NewMatcher(0.6), auditSvc, testLogger())
	return svc, repo, auditRepo
}

func TestCreateAuditsAndRejectsDuplicates(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, CreateInput{Name: "ABC Trading", Kind: KindSeller})
	require.NoError(t, err)
	assert.True(t, cp.Active)

	_, err = svc.Create(ctx, CreateInput{Name: "ABC Trading", Kind: KindSeller})
	require.ErrorIs(t, err, ErrNameTaken)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, activity.ActionCounterpartyCreate, audit.entries[0].Action)
}

func TestDeleteRejectedWhenVouchersLinked(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, CreateInput{Name: "Hanil Metals", Kind: KindBuyer})
	require.NoError(t, err)
	repo.linked[cp.ID] = true

	err = svc.Delete(ctx, cp.ID)
	require.ErrorIs(t, err, ErrHasVouchers)

	_, err = svc.Get(ctx, cp.ID)
	require.NoError(t, err, "rejected delete must leave the record untouched")
}

func TestDeleteRejectedWhenAliasesMapped(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, CreateInput{Name: "Hanil Metals", Kind: KindBuyer})
	require.NoError(t, err)
	alias, err := svc.CreateAlias(ctx, "HANIL M.", cp.ID)
	require.NoError(t, err)

	err = svc.Delete(ctx, cp.ID)
	require.ErrorIs(t, err, ErrHasAliases)

	require.NoError(t, svc.DeleteAlias(ctx, alias.ID))
	require.NoError(t, svc.Delete(ctx, cp.ID))
}

func TestBatchDeletePartialSuccess(t *testing.T) {
	svc, repo, audit := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateInput{Name: "Alpha", Kind: KindSeller})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateInput{Name: "Beta", Kind: KindSeller})
	require.NoError(t, err)
	c, err := svc.Create(ctx, CreateInput{Name: "Gamma", Kind: KindSeller})
	require.NoError(t, err)
	repo.linked[b.ID] = true

	result, err := svc.BatchDelete(ctx, []int64{a.ID, b.ID, c.ID, 999})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SucceededCount)
	assert.Equal(t, 2, result.SkippedCount)

	reasons := make(map[int64]string)
	for _, skip := range result.Skipped {
		reasons[skip.ID] = skip.Reason
	}
	assert.Equal(t, "has linked vouchers", reasons[b.ID])
	assert.Equal(t, "not found", reasons[999])

	_, err = svc.Get(ctx, b.ID)
	require.NoError(t, err, "skipped row must survive")
	_, err = svc.Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Per-row entries plus one summary, all sharing one trace.
	var traces []uuid.UUID
	summaries := 0
	for _, entry := range audit.entries {
		if entry.Action == activity.ActionCounterpartyBatchDelete {
			summaries++
			assert.Equal(t, 2, entry.ItemCount)
		}
		traces = append(traces, entry.TraceID)
	}
	assert.Equal(t, 1, summaries)
	batchTrace := traces[len(traces)-1]
	count := 0
	for _, id := range traces {
		if id == batchTrace {
			count++
		}
	}
	assert.Equal(t, 3, count, "two row entries and one summary share the trace")
}

func TestBatchCreateSkipsInvalidRows(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.BatchCreate(ctx, []CreateInput{
		{Name: "Valid One", Kind: KindSeller},
		{Name: "", Kind: KindSeller},
		{Name: "Valid One", Kind: KindSeller},
		{Name: "Bad Kind", Kind: "NEITHER"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SucceededCount)
	assert.Equal(t, 3, result.SkippedCount)
}

func TestAliasUniqueAcrossCounterparties(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateInput{Name: "Alpha", Kind: KindSeller})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateInput{Name: "Beta", Kind: KindSeller})
	require.NoError(t, err)

	_, err = svc.CreateAlias(ctx, "AL Corp", a.ID)
	require.NoError(t, err)
	_, err = svc.CreateAlias(ctx, "AL Corp", b.ID)
	require.ErrorIs(t, err, ErrAliasTaken)
}

func TestMapUnmatchedToExistingTarget(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, CreateInput{Name: "Alpha", Kind: KindSeller})
	require.NoError(t, err)

	alias, err := svc.MapUnmatched(ctx, MapUnmatchedInput{AliasText: "ALPHA KR", TargetID: &cp.ID})
	require.NoError(t, err)
	assert.Equal(t, cp.ID, alias.CounterpartyID)

	result, err := svc.Match(ctx, "ALPHA KR", KindSeller)
	require.NoError(t, err)
	require.NotNil(t, result.CounterpartyID)
	assert.Equal(t, cp.ID, *result.CounterpartyID)
	assert.Equal(t, MethodAlias, result.Method)

	found := false
	for _, entry := range audit.entries {
		if entry.Action == activity.ActionAliasMap {
			found = true
		}
	}
	assert.True(t, found, "mapping is audited with its own action")
}

func TestMapUnmatchedCreatesCounterparty(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	alias, err := svc.MapUnmatched(ctx, MapUnmatchedInput{AliasText: "NEWCO KR", NewName: "Newco"})
	require.NoError(t, err)

	cp, err := svc.Get(ctx, alias.CounterpartyID)
	require.NoError(t, err)
	assert.Equal(t, "Newco", cp.Name)
	assert.Equal(t, KindBoth, cp.Kind, "kind defaults to BOTH when unspecified")
}

func TestMapUnmatchedRequiresTarget(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.MapUnmatched(context.Background(), MapUnmatchedInput{AliasText: "orphan"})
	require.ErrorIs(t, err, ErrMappingTarget)
}

func TestMarkAliasesUsedBumpsLastUsed(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, CreateInput{Name: "Alpha", Kind: KindSeller})
	require.NoError(t, err)
	alias, err := svc.CreateAlias(ctx, "AL Corp", cp.ID)
	require.NoError(t, err)

	stale := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.mu.Lock()
	stored := repo.aliases[alias.ID]
	stored.LastUsedAt = stale
	repo.aliases[alias.ID] = stored
	repo.mu.Unlock()

	require.NoError(t, svc.MarkAliasesUsed(ctx, []string{"AL Corp", "  "}))

	after, err := svc.ListAliases(ctx, cp.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.True(t, after[0].LastUsedAt.After(stale))
}
