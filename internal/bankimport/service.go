package bankimport

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// matchWorkers bounds the auto-match fan-out over statement lines.
const matchWorkers = 8

// Counterparties resolves raw statement descriptions against the register.
type Counterparties interface {
	Snapshot(ctx context.Context) (*counterparty.Snapshot, error)
	Matcher() *counterparty.Matcher
	MarkAliasesUsed(ctx context.Context, rawTexts []string) error
}

// Transactions materializes confirmed lines into the allocation ledger.
type Transactions interface {
	CreateTransaction(ctx context.Context, in allocation.CreateTransactionInput) (allocation.Transaction, error)
}

// TaskEnqueuer hands auto-matching off to the worker queue.
type TaskEnqueuer interface {
	EnqueueBankImportMatch(ctx context.Context, jobID int64) error
}

// Service drives the bank statement import pipeline: submit parses, the
// worker auto-matches, reviewers override lines, confirm creates transactions.
type Service struct {
	repo           Repository
	counterparties Counterparties
	transactions   Transactions
	enqueue        TaskEnqueuer
	activity       *activity.Service
	logger         *slog.Logger
	now            func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, counterparties Counterparties, transactions Transactions, enqueue TaskEnqueuer, activitySvc *activity.Service, logger *slog.Logger) *Service {
	return &Service{
		repo:           repo,
		counterparties: counterparties,
		transactions:   transactions,
		enqueue:        enqueue,
		activity:       activitySvc,
		logger:         logger,
		now:            time.Now,
	}
}

// Submit parses the statement, stores its lines and queues auto-matching.
func (s *Service) Submit(ctx context.Context, fileName string, raws []RawLine) (Job, error) {
	lines := make([]Line, 0, len(raws))
	for i, raw := range raws {
		// Data starts on line 2, below the header.
		lines = append(lines, NormalizeLine(raw, i+2))
	}
	job, err := s.repo.CreateJob(ctx, Job{
		FileName:    fileName,
		Status:      StatusPending,
		SubmittedBy: shared.ActorFromContext(ctx),
	}, lines)
	if err != nil {
		return Job{}, err
	}
	if err := s.enqueue.EnqueueBankImportMatch(ctx, job.ID); err != nil {
		return Job{}, err
	}
	s.logger.Info("bank statement submitted",
		slog.Int64("job_id", job.ID),
		slog.String("file", fileName),
		slog.Int("lines", len(lines)))
	return job, nil
}

// GetJob returns one job with its lines.
func (s *Service) GetJob(ctx context.Context, id int64) (Job, []Line, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return Job{}, nil, err
	}
	lines, err := s.repo.ListLines(ctx, id)
	if err != nil {
		return Job{}, nil, err
	}
	return job, lines, nil
}

// ListJobs returns recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListJobs(ctx, limit)
}

// AutoMatch runs the matcher over every pending line. Safe to re-run; lines
// already confirmed or ignored keep their state.
func (s *Service) AutoMatch(ctx context.Context, jobID int64) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusConfirmed {
		return ErrAlreadyConfirmed
	}
	lines, err := s.repo.ListLines(ctx, jobID)
	if err != nil {
		return err
	}
	snap, err := s.counterparties.Snapshot(ctx)
	if err != nil {
		return err
	}
	matcher := s.counterparties.Matcher()

	results := make([]counterparty.MatchResult, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(matchWorkers)
	for i, line := range lines {
		if line.Status != LineStatusPending && line.Status != LineStatusMatched {
			continue
		}
		i, line := i, line
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = matcher.Match(line.RawText, matchScope(line.Direction), snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	matched := 0
	for i, line := range lines {
		if line.Status != LineStatusPending && line.Status != LineStatusMatched {
			continue
		}
		res := results[i]
		status := LineStatusPending
		if res.CounterpartyID != nil {
			status = LineStatusMatched
			matched++
		}
		if err := s.repo.UpdateLineMatch(ctx, line.ID, res.CounterpartyID, res.Confidence, status); err != nil {
			return err
		}
	}
	if err := s.repo.SetJobStatus(ctx, jobID, StatusMatched); err != nil {
		return err
	}
	s.logger.Info("bank statement matched",
		slog.Int64("job_id", jobID),
		slog.Int("matched", matched),
		slog.Int("lines", len(lines)))
	return nil
}

// UpdateLine overrides the counterparty or status of one line.
func (s *Service) UpdateLine(ctx context.Context, jobID, lineID int64, in UpdateLineInput) (Line, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return Line{}, err
	}
	if job.Status == StatusConfirmed {
		return Line{}, ErrAlreadyConfirmed
	}
	line, err := s.repo.GetLine(ctx, jobID, lineID)
	if err != nil {
		return Line{}, err
	}
	if in.CounterpartyID != nil {
		// Manual assignment is authoritative.
		if err := s.repo.UpdateLineMatch(ctx, line.ID, in.CounterpartyID, 1.0, LineStatusMatched); err != nil {
			return Line{}, err
		}
	}
	if in.Status != nil {
		switch *in.Status {
		case LineStatusPending, LineStatusMatched, LineStatusIgnored:
		default:
			return Line{}, ErrInvalidStatus
		}
		if err := s.repo.UpdateLineStatus(ctx, line.ID, *in.Status); err != nil {
			return Line{}, err
		}
	}
	return s.repo.GetLine(ctx, jobID, lineID)
}

// Confirm creates one transaction per matched line, optionally running each
// through auto-allocation. Unmatched and ignored lines are skipped; a job
// confirms once.
func (s *Service) Confirm(ctx context.Context, jobID int64, autoAllocate bool) (ConfirmResult, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if job.Status == StatusConfirmed {
		return ConfirmResult{}, ErrAlreadyConfirmed
	}
	lines, err := s.repo.ListLines(ctx, jobID)
	if err != nil {
		return ConfirmResult{}, err
	}

	var (
		result       ConfirmResult
		matchedNames []string
	)
	for _, line := range lines {
		if line.Status != LineStatusMatched || line.CounterpartyID == nil {
			result.Skipped++
			continue
		}
		tx, err := s.transactions.CreateTransaction(ctx, allocation.CreateTransactionInput{
			Direction:      line.Direction,
			CounterpartyID: *line.CounterpartyID,
			Date:           line.Date,
			Amount:         line.Amount,
			Source:         allocation.SourceBankImport,
			Memo:           line.RawText,
			AutoAllocate:   autoAllocate,
		})
		if err != nil {
			return result, err
		}
		if err := s.repo.SetLineTransaction(ctx, line.ID, tx.ID); err != nil {
			return result, err
		}
		result.Created++
		matchedNames = append(matchedNames, line.RawText)
	}
	if err := s.repo.SetJobStatus(ctx, jobID, StatusConfirmed); err != nil {
		return result, err
	}
	if len(matchedNames) > 0 {
		if err := s.counterparties.MarkAliasesUsed(ctx, matchedNames); err != nil {
			s.logger.Warn("mark aliases used", slog.Any("error", err))
		}
	}
	if err := s.activity.Record(ctx, activity.Entry{
		Action:     activity.ActionBankImportConfirm,
		TargetKind: "bank_import",
		TargetID:   strconv.FormatInt(jobID, 10),
		ItemCount:  result.Created,
		After: map[string]any{
			"created": result.Created,
			"skipped": result.Skipped,
		},
	}); err != nil {
		return result, err
	}
	return result, nil
}

// matchScope maps the money direction to the counterparty side it settles
// with: deposits settle sales, withdrawals settle purchases.
func matchScope(d allocation.Direction) counterparty.Kind {
	if d == allocation.DirectionDeposit {
		return counterparty.KindBuyer
	}
	return counterparty.KindSeller
}
