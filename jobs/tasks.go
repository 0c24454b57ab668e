package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue every background job runs on.
	QueueDefault = "default"
	// TaskUploadProcess walks an uploaded ledger file through matching and
	// classification.
	TaskUploadProcess = "upload:process"
	// TaskBankImportMatch auto-matches the lines of a parsed bank statement.
	TaskBankImportMatch = "bank_import:match"
)

// UploadProcessPayload identifies the upload job to process.
type UploadProcessPayload struct {
	JobID string `json:"job_id"`
}

// BankImportMatchPayload identifies the bank import job to auto-match.
type BankImportMatchPayload struct {
	JobID int64 `json:"job_id"`
}

// NewUploadProcessTask constructs an Asynq task.
func NewUploadProcessTask(payload UploadProcessPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUploadProcess, data), nil
}

// NewBankImportMatchTask constructs an Asynq task.
func NewBankImportMatchTask(payload BankImportMatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBankImportMatch, data), nil
}
