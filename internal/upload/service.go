package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

// VoucherLedger is the slice of the voucher service the orchestrator needs:
// row classification, row application and conflict escalation.
type VoucherLedger interface {
	Classify(ctx context.Context, row voucher.NormalizedRow) (voucher.Disposition, *voucher.Voucher, error)
	ApplyRow(ctx context.Context, row voucher.NormalizedRow, d voucher.Disposition, existing *voucher.Voucher) (voucher.Voucher, error)
	SubmitChangeRequest(ctx context.Context, voucherID int64, patch voucher.RowPatch) (voucher.ChangeRequest, error)
}

// Counterparties resolves raw names against the counterparty register.
type Counterparties interface {
	Snapshot(ctx context.Context) (*counterparty.Snapshot, error)
	Matcher() *counterparty.Matcher
	MarkAliasesUsed(ctx context.Context, rawTexts []string) error
}

// TaskEnqueuer hands processing off to the worker queue.
type TaskEnqueuer interface {
	EnqueueUploadProcess(ctx context.Context, jobID uuid.UUID) error
}

// Service orchestrates upload jobs: submit queues a job, the worker drives it
// through the matcher and the diff engine, confirm applies the result.
type Service struct {
	repo           Repository
	vouchers       VoucherLedger
	counterparties Counterparties
	enqueue        TaskEnqueuer
	activity       *activity.Service
	logger         *slog.Logger
	now            func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, vouchers VoucherLedger, counterparties Counterparties, enqueue TaskEnqueuer, activitySvc *activity.Service, logger *slog.Logger) *Service {
	return &Service{
		repo:           repo,
		vouchers:       vouchers,
		counterparties: counterparties,
		enqueue:        enqueue,
		activity:       activitySvc,
		logger:         logger,
		now:            time.Now,
	}
}

// Submit persists a queued job for the parsed file and enqueues processing.
func (s *Service) Submit(ctx context.Context, fileName string, rows []RawRow) (Job, error) {
	job := Job{
		ID:          uuid.New(),
		Type:        TypeLedger,
		Status:      StatusQueued,
		FileName:    fileName,
		Rows:        rows,
		SubmittedBy: shared.ActorFromContext(ctx),
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return Job{}, err
	}
	if err := s.enqueue.EnqueueUploadProcess(ctx, job.ID); err != nil {
		_ = s.repo.Fail(ctx, job.ID, "could not enqueue processing")
		return Job{}, fmt.Errorf("upload: enqueue: %w", err)
	}
	s.logger.Info("upload submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("file", fileName),
		slog.Int("rows", len(rows)))
	return job, nil
}

// Get returns one job with its preview and summary.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.List(ctx, limit)
}

// Delete removes a finished or queued job. Running jobs cannot be deleted;
// there is no mid-run cancel.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusRunning {
		return ErrJobRunning
	}
	return s.repo.Delete(ctx, id)
}

// Preview classifies the file synchronously without persisting anything.
func (s *Service) Preview(ctx context.Context, rows []RawRow) ([]PreviewRow, Summary, error) {
	snap, err := s.counterparties.Snapshot(ctx)
	if err != nil {
		return nil, Summary{}, err
	}
	var (
		preview []PreviewRow
		summary Summary
	)
	for i, raw := range rows {
		classified, err := s.classifyRow(ctx, raw, i, snap)
		if err != nil {
			return nil, Summary{}, err
		}
		preview = append(preview, classified)
		summary.Add(classified.Disposition)
	}
	return preview, summary, nil
}

// Process is the worker entry point. It walks every row through the matcher
// and the diff engine, updating progress as it goes. Row problems count into
// the summary; only infrastructure failures fail the job.
func (s *Service) Process(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusQueued && job.Status != StatusRunning {
		// Terminal already, nothing to redo on a queue redelivery.
		return nil
	}
	if err := s.repo.MarkRunning(ctx, id); err != nil {
		return err
	}

	snap, err := s.counterparties.Snapshot(ctx)
	if err != nil {
		return s.fail(ctx, id, err)
	}

	var (
		preview  []PreviewRow
		summary  Summary
		reported int
	)
	for i, raw := range job.Rows {
		classified, err := s.classifyRow(ctx, raw, i, snap)
		if err != nil {
			return s.fail(ctx, id, err)
		}
		preview = append(preview, classified)
		summary.Add(classified.Disposition)

		if pct := (i + 1) * 100 / len(job.Rows); pct >= reported+10 {
			reported = pct
			if err := s.repo.SetProgress(ctx, id, pct); err != nil {
				return s.fail(ctx, id, err)
			}
		}
	}
	if err := s.repo.Complete(ctx, id, summary, preview); err != nil {
		return err
	}
	s.logger.Info("upload processed",
		slog.String("job_id", id.String()),
		slog.Int("rows", summary.Total),
		slog.Int("errors", summary.Errors))
	return nil
}

// Confirm applies a succeeded job once. New and update rows persist, locked
// rows are always skipped, conflict rows become change requests unless
// excludeConflicts is false, in which case they stay pending in the job.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, excludeConflicts bool) (ConfirmResult, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	if job.Status != StatusSucceeded {
		return ConfirmResult{}, ErrJobNotReady
	}
	if job.Confirmed {
		return ConfirmResult{}, ErrAlreadyConfirmed
	}

	var (
		result       ConfirmResult
		auditRows    []activity.Entry
		matchedNames []string
	)
	for _, row := range job.Preview {
		// Classify against the live ledger: it may have moved since the
		// preview was computed.
		d, existing, err := s.vouchers.Classify(ctx, row.NormalizedRow)
		if err != nil {
			return result, err
		}
		switch d {
		case voucher.DispositionNew, voucher.DispositionUpdate:
			applied, err := s.vouchers.ApplyRow(ctx, row.NormalizedRow, d, existing)
			switch {
			case errors.Is(err, voucher.ErrPeriodLocked):
				// The period locked between classification and apply.
				result.SkippedLocked++
				continue
			case errors.Is(err, voucher.ErrDuplicateKey):
				result.Skipped++
				continue
			case err != nil:
				return result, err
			}
			result.Applied++
			matchedNames = append(matchedNames, row.RawName)
			action := activity.ActionVoucherCreate
			if d == voucher.DispositionUpdate {
				action = activity.ActionVoucherUpdate
			}
			auditRows = append(auditRows, activity.Entry{
				Action:     action,
				TargetKind: "voucher",
				TargetID:   strconv.FormatInt(applied.ID, 10),
				After: map[string]any{
					"number": applied.Number,
					"amount": applied.Amount.String(),
				},
			})
		case voucher.DispositionConflict:
			if !excludeConflicts {
				result.LeftPending++
				continue
			}
			if _, err := s.vouchers.SubmitChangeRequest(ctx, existing.ID, voucher.RowPatch{
				TradeDate: row.TradeDate,
				Quantity:  row.Quantity,
				Amount:    row.Amount,
				Memo:      row.Memo,
			}); err != nil {
				return result, err
			}
			result.ChangeRequests++
			matchedNames = append(matchedNames, row.RawName)
		case voucher.DispositionLocked:
			result.SkippedLocked++
		default:
			result.Skipped++
		}
	}

	if err := s.repo.MarkConfirmed(ctx, id); err != nil {
		return result, err
	}
	if len(matchedNames) > 0 {
		if err := s.counterparties.MarkAliasesUsed(ctx, matchedNames); err != nil {
			s.logger.Warn("mark aliases used", slog.Any("error", err))
		}
	}
	if err := s.activity.RecordBatch(ctx, shared.NewTraceID(), activity.Entry{
		Action:     activity.ActionUploadConfirm,
		TargetKind: "upload_job",
		TargetID:   id.String(),
		After: map[string]any{
			"applied":         result.Applied,
			"change_requests": result.ChangeRequests,
			"skipped_locked":  result.SkippedLocked,
		},
	}, auditRows); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) classifyRow(ctx context.Context, raw RawRow, index int, snap *counterparty.Snapshot) (PreviewRow, error) {
	// Data starts on line 2, below the header.
	row := NormalizeRow(raw, index+2)
	if len(row.Problems) == 0 {
		res := s.counterparties.Matcher().Match(row.RawName, matchScope(row.Kind), snap)
		row.CounterpartyID = res.CounterpartyID
		row.MatchConfidence = res.Confidence
	}
	d, existing, err := s.vouchers.Classify(ctx, row)
	if err != nil {
		return PreviewRow{}, err
	}
	out := PreviewRow{NormalizedRow: row, Disposition: d}
	if existing != nil {
		out.VoucherID = &existing.ID
	}
	return out, nil
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, cause error) error {
	if err := s.repo.Fail(ctx, id, cause.Error()); err != nil {
		s.logger.Error("mark upload failed", slog.String("job_id", id.String()), slog.Any("error", err))
	}
	return cause
}

// matchScope maps the voucher side to the counterparty side it trades with.
func matchScope(k voucher.Kind) counterparty.Kind {
	if k == voucher.KindSales {
		return counterparty.KindBuyer
	}
	return counterparty.KindSeller
}
