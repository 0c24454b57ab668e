package upload

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/skp10216/dwt-price-center-sub002/jobs"
)

// ProcessJob consumes upload processing tasks.
type ProcessJob struct {
	service *Service
	logger  *slog.Logger
}

// NewProcessJob constructs a job handler.
func NewProcessJob(service *Service, logger *slog.Logger) *ProcessJob {
	return &ProcessJob{service: service, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *ProcessJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.UploadProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return asynq.SkipRetry
	}
	if err := j.service.Process(ctx, jobID); err != nil {
		j.logger.Error("upload process", slog.String("job_id", payload.JobID), slog.Any("error", err))
		return err
	}
	return nil
}
