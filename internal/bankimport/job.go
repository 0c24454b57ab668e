package bankimport

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/skp10216/dwt-price-center-sub002/jobs"
)

// MatchJob consumes statement auto-match tasks.
type MatchJob struct {
	service *Service
	logger  *slog.Logger
}

// NewMatchJob constructs a job handler.
func NewMatchJob(service *Service, logger *slog.Logger) *MatchJob {
	return &MatchJob{service: service, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *MatchJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.BankImportMatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.JobID == 0 {
		return asynq.SkipRetry
	}
	if err := j.service.AutoMatch(ctx, payload.JobID); err != nil {
		j.logger.Error("bank import match", slog.Int64("job_id", payload.JobID), slog.Any("error", err))
		return err
	}
	return nil
}
