package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeProcessWebhookEvent JobType = "process_webhook_event"
	JobTypeReconcileAirport    JobType = "reconcile_airport"
	JobTypeArchivePayload      JobType = "archive_webhook_payload"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	RetryAt     *time.Time             `json:"retry_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	// Terminal is set when the last failure must not be retried.
	Terminal bool `json:"terminal,omitempty"`
}

// WebhookEventJobPayload points a worker at a stored webhook event row.
type WebhookEventJobPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

// ToMap converts the payload to a map for storage
func (p WebhookEventJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
	}
}

// WebhookEventJobPayloadFromMap creates a payload from a map
func WebhookEventJobPayloadFromMap(data map[string]interface{}) (*WebhookEventJobPayload, error) {
	var payload WebhookEventJobPayload
	return &payload, fromMap(data, &payload)
}

// ReconcileAirportJobPayload asks for a sweep of every active agreement at one airport.
type ReconcileAirportJobPayload struct {
	AirportID uint `json:"airport_id"`
}

func (p ReconcileAirportJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"airport_id": p.AirportID,
	}
}

func ReconcileAirportJobPayloadFromMap(data map[string]interface{}) (*ReconcileAirportJobPayload, error) {
	var payload ReconcileAirportJobPayload
	return &payload, fromMap(data, &payload)
}

// ArchivePayloadJobPayload asks for the raw body of a webhook event to be archived.
type ArchivePayloadJobPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

func (p ArchivePayloadJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
	}
}

func ArchivePayloadJobPayloadFromMap(data map[string]interface{}) (*ArchivePayloadJobPayload, error) {
	var payload ArchivePayloadJobPayload
	return &payload, fromMap(data, &payload)
}

// fromMap round-trips through JSON so numeric payload values decode into
// their typed fields whatever form Redis handed back.
func fromMap(data map[string]interface{}, dst interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, dst)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && !j.Terminal && j.RetryCount < j.MaxRetries
}

// RetryDelay is the wait before retry number attempt (0-based): 60s, 120s, 240s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(60<<uint(attempt)) * time.Second
}

// MarkAsProcessing marks the job as processing
func (j *Job) MarkAsProcessing() {
	j.Status = JobStatusProcessing
	now := time.Now()
	j.ProcessedAt = &now
	j.UpdatedAt = now
}

// MarkAsCompleted marks the job as completed
func (j *Job) MarkAsCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.ErrorMsg = ""
}

// MarkAsFailed marks the job as failed. A terminal failure is never retried.
func (j *Job) MarkAsFailed(errorMsg string, terminal bool) {
	j.Status = JobStatusFailed
	j.ErrorMsg = errorMsg
	j.Terminal = terminal
	j.UpdatedAt = time.Now()
}

// MarkAsRetrying schedules the job for its next attempt at retryAt.
func (j *Job) MarkAsRetrying(retryAt time.Time) {
	j.Status = JobStatusRetrying
	j.RetryCount++
	j.RetryAt = &retryAt
	j.UpdatedAt = time.Now()
}
