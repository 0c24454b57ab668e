package activity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Service coordinates the append-only activity ledger.
type Service struct {
	repo       Repository
	logger     *slog.Logger
	allowClear bool
	now        func() time.Time
}

// NewService constructs a Service. allowClear must stay false in production;
// the bulk-clear operation exists for development resets only.
func NewService(repo Repository, logger *slog.Logger, allowClear bool) *Service {
	return &Service{repo: repo, logger: logger, allowClear: allowClear, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Record appends a single audit entry. A missing trace id is generated so
// single mutations still group as a one-row trace.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if entry.Action == "" {
		return errors.New("activity: action required")
	}
	if entry.TraceID == uuid.Nil {
		entry.TraceID = shared.NewTraceID()
	}
	if entry.Actor == "" {
		entry.Actor = shared.ActorFromContext(ctx)
	}
	if entry.ItemCount <= 0 {
		entry.ItemCount = 1
	}
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	if _, err := s.repo.Insert(ctx, entry); err != nil {
		s.logger.Error("record activity", slog.String("action", string(entry.Action)), slog.Any("error", err))
		return err
	}
	return nil
}

// RecordBatch appends per-row entries plus one summary entry, all under one
// trace id. The summary carries ItemCount = len(rows) so the rollup view can
// show a single line per batch.
func (s *Service) RecordBatch(ctx context.Context, traceID uuid.UUID, summary Entry, rows []Entry) error {
	if traceID == uuid.Nil {
		traceID = shared.NewTraceID()
	}
	actor := summary.Actor
	if actor == "" {
		actor = shared.ActorFromContext(ctx)
	}
	at := s.now()
	entries := make([]Entry, 0, len(rows)+1)
	for _, row := range rows {
		row.TraceID = traceID
		row.Actor = actor
		row.ItemCount = 1
		if row.At.IsZero() {
			row.At = at
		}
		entries = append(entries, row)
	}
	summary.TraceID = traceID
	summary.Actor = actor
	summary.ItemCount = len(rows)
	if summary.ItemCount == 0 {
		summary.ItemCount = 1
	}
	if summary.At.IsZero() {
		summary.At = at
	}
	entries = append(entries, summary)
	if err := s.repo.InsertBatch(ctx, entries); err != nil {
		s.logger.Error("record activity batch", slog.String("action", string(summary.Action)), slog.Any("error", err))
		return err
	}
	return nil
}

// List returns entries matching the filters with pagination metadata.
func (s *Service) List(ctx context.Context, f Filters) ([]Entry, shared.Pagination, error) {
	entries, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(f.Page, f.PerPage, total), nil
}

// ListTraces returns the rollup view: one representative entry per trace.
func (s *Service) ListTraces(ctx context.Context, f Filters) ([]Entry, error) {
	return s.repo.ListTraces(ctx, f)
}

// GetByTrace returns the drill-down entries for one trace ordered by timestamp.
func (s *Service) GetByTrace(ctx context.Context, traceID uuid.UUID) ([]Entry, error) {
	entries, err := s.repo.ListByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrTraceNotFound
	}
	return entries, nil
}

// Clear wipes the ledger. Refused unless the service was built with
// allowClear, which only non-production wiring sets.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	if !s.allowClear {
		return 0, ErrClearForbidden
	}
	deleted, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Warn("activity ledger cleared", slog.Int64("deleted", deleted))
	return deleted, nil
}
