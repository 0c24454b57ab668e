package counterparty

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Service owns counterparty master data and the matching pipeline.
type Service struct {
	repo     Repository
	matcher  *Matcher
	activity *activity.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, matcher *Matcher, activitySvc *activity.Service, logger *slog.Logger) *Service {
	return &Service{repo: repo, matcher: matcher, activity: activitySvc, logger: logger, now: time.Now}
}

// Snapshot loads the current matching view. Upload jobs load it once and
// match every row against the same snapshot for determinism.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.repo.LoadSnapshot(ctx)
}

// Matcher exposes the configured matcher.
func (s *Service) Matcher() *Matcher {
	return s.matcher
}

// Match resolves one raw text against the live snapshot. Read-only.
func (s *Service) Match(ctx context.Context, raw string, scope Kind) (MatchResult, error) {
	snap, err := s.repo.LoadSnapshot(ctx)
	if err != nil {
		return MatchResult{}, err
	}
	return s.matcher.Match(raw, scope, snap), nil
}

// MarkAliasesUsed bumps last_used_at for aliases consumed by an applied
// batch, feeding the matcher's most-recently-used tie-break.
func (s *Service) MarkAliasesUsed(ctx context.Context, rawTexts []string) error {
	normalized := make([]string, 0, len(rawTexts))
	for _, raw := range rawTexts {
		if n := Normalize(raw); n != "" {
			normalized = append(normalized, n)
		}
	}
	return s.repo.TouchAliases(ctx, normalized, s.now())
}

// Get returns one counterparty.
func (s *Service) Get(ctx context.Context, id int64) (Counterparty, error) {
	return s.repo.Get(ctx, id)
}

// List returns counterparties matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Counterparty, error) {
	return s.repo.List(ctx, f)
}

// Create inserts a counterparty and audits the mutation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Counterparty, error) {
	if err := in.Validate(); err != nil {
		return Counterparty{}, err
	}
	cp, err := s.repo.Create(ctx, in)
	if err != nil {
		return Counterparty{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionCounterpartyCreate,
		TargetKind: "counterparty",
		TargetID:   strconv.FormatInt(cp.ID, 10),
		After:      counterpartySnapshot(cp),
	}); err != nil {
		return Counterparty{}, err
	}
	return cp, nil
}

// Update applies partial changes and audits before/after.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (Counterparty, error) {
	if in.Kind != nil && !in.Kind.Valid() {
		return Counterparty{}, ErrInvalidKind
	}
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return Counterparty{}, err
	}
	cp, err := s.repo.Update(ctx, id, in)
	if err != nil {
		return Counterparty{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionCounterpartyUpdate,
		TargetKind: "counterparty",
		TargetID:   strconv.FormatInt(id, 10),
		Before:     counterpartySnapshot(before),
		After:      counterpartySnapshot(cp),
	}); err != nil {
		return Counterparty{}, err
	}
	return cp, nil
}

// Delete removes a counterparty unless vouchers or aliases still reference it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.deletable(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionCounterpartyDelete,
		TargetKind: "counterparty",
		TargetID:   strconv.FormatInt(id, 10),
		Before:     counterpartySnapshot(before),
	})
}

// BatchCreate inserts counterparties row by row; one row's failure is
// recorded as a skip, never an abort.
func (s *Service) BatchCreate(ctx context.Context, inputs []CreateInput) (BatchResult, error) {
	traceID := shared.NewTraceID()
	result := BatchResult{}
	var rows []activity.Entry
	for _, in := range inputs {
		if err := in.Validate(); err != nil {
			result.SkippedCount++
			result.Skipped = append(result.Skipped, BatchSkip{Name: in.Name, Reason: err.Error()})
			continue
		}
		cp, err := s.repo.Create(ctx, in)
		if err != nil {
			result.SkippedCount++
			result.Skipped = append(result.Skipped, BatchSkip{Name: in.Name, Reason: skipReason(err)})
			continue
		}
		result.SucceededCount++
		rows = append(rows, activity.Entry{
			Action:     activity.ActionCounterpartyCreate,
			TargetKind: "counterparty",
			TargetID:   strconv.FormatInt(cp.ID, 10),
			After:      counterpartySnapshot(cp),
		})
	}
	if len(rows) > 0 {
		if err := s.activity.RecordBatch(ctx, traceID, activity.Entry{
			Action:     activity.ActionCounterpartyBatchCreate,
			TargetKind: "counterparty",
			TargetID:   "batch",
			After:      map[string]any{"created": result.SucceededCount, "skipped": result.SkippedCount},
		}, rows); err != nil {
			return result, err
		}
	}
	return result, nil
}

// BatchDelete removes counterparties row by row, reporting partial success.
// Rows with linked vouchers are skipped with a reason.
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
		if err := s.deletable(ctx, id); err != nil {
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
			Action:     activity.ActionCounterpartyDelete,
			TargetKind: "counterparty",
			TargetID:   strconv.FormatInt(id, 10),
			Before:     counterpartySnapshot(before),
		})
	}
	if len(rows) > 0 {
		if err := s.activity.RecordBatch(ctx, traceID, activity.Entry{
			Action:     activity.ActionCounterpartyBatchDelete,
			TargetKind: "counterparty",
			TargetID:   "batch",
			After:      map[string]any{"deleted": result.SucceededCount, "skipped": result.SkippedCount},
		}, rows); err != nil {
			return result, err
		}
	}
	return result, nil
}

// CreateAlias maps raw text to a counterparty. Alias text is unique across
// the system, so a second mapping for the same text is rejected.
func (s *Service) CreateAlias(ctx context.Context, text string, counterpartyID int64) (Alias, error) {
	if _, err := s.repo.Get(ctx, counterpartyID); err != nil {
		return Alias{}, err
	}
	alias, err := s.repo.CreateAlias(ctx, text, counterpartyID)
	if err != nil {
		return Alias{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionAliasCreate,
		TargetKind: "alias",
		TargetID:   strconv.FormatInt(alias.ID, 10),
		After:      aliasSnapshot(alias),
	}); err != nil {
		return Alias{}, err
	}
	return alias, nil
}

// DeleteAlias removes one alias mapping.
func (s *Service) DeleteAlias(ctx context.Context, aliasID int64) error {
	before, err := s.repo.GetAlias(ctx, aliasID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAlias(ctx, aliasID); err != nil {
		return err
	}
	return s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionAliasDelete,
		TargetKind: "alias",
		TargetID:   strconv.FormatInt(aliasID, 10),
		Before:     aliasSnapshot(before),
	})
}

// ListAliases returns aliases for one counterparty.
func (s *Service) ListAliases(ctx context.Context, counterpartyID int64) ([]Alias, error) {
	return s.repo.ListAliases(ctx, counterpartyID)
}

// MapUnmatched promotes a previously-unmatched raw name into an alias,
// optionally creating the target counterparty first. This is the only write
// path out of the matcher pipeline and is audited as its own action.
func (s *Service) MapUnmatched(ctx context.Context, in MapUnmatchedInput) (Alias, error) {
	if in.AliasText == "" {
		return Alias{}, errors.New("counterparty: alias text required")
	}
	targetID := int64(0)
	switch {
	case in.TargetID != nil:
		cp, err := s.repo.Get(ctx, *in.TargetID)
		if err != nil {
			return Alias{}, err
		}
		targetID = cp.ID
	case in.NewName != "":
		kind := in.NewKind
		if kind == "" {
			kind = KindBoth
		}
		cp, err := s.Create(ctx, CreateInput{Name: in.NewName, Kind: kind})
		if err != nil {
			return Alias{}, err
		}
		targetID = cp.ID
	default:
		return Alias{}, ErrMappingTarget
	}
	alias, err := s.repo.CreateAlias(ctx, in.AliasText, targetID)
	if err != nil {
		return Alias{}, err
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionAliasMap,
		TargetKind: "alias",
		TargetID:   strconv.FormatInt(alias.ID, 10),
		After:      aliasSnapshot(alias),
	}); err != nil {
		return Alias{}, err
	}
	return alias, nil
}

func (s *Service) deletable(ctx context.Context, id int64) error {
	linked, err := s.repo.HasVoucherLinks(ctx, id)
	if err != nil {
		return err
	}
	if linked {
		return ErrHasVouchers
	}
	aliased, err := s.repo.HasAliases(ctx, id)
	if err != nil {
		return err
	}
	if aliased {
		return ErrHasAliases
	}
	return nil
}

func counterpartySnapshot(cp Counterparty) map[string]any {
	return map[string]any{
		"name":     cp.Name,
		"kind":     string(cp.Kind),
		"active":   cp.Active,
		"favorite": cp.Favorite,
	}
}

func aliasSnapshot(alias Alias) map[string]any {
	return map[string]any{
		"text":            alias.Text,
		"counterparty_id": alias.CounterpartyID,
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrNameTaken):
		return "name already exists"
	case errors.Is(err, ErrAliasTaken):
		return "alias already mapped"
	case errors.Is(err, ErrHasVouchers):
		return "has linked vouchers"
	case errors.Is(err, ErrHasAliases):
		return "has aliases"
	default:
		return err.Error()
	}
}
