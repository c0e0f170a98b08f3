package models

import "time"

// JobStatus represents the processing status of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Progress checkpoints reported while a job is processing.
const (
	ProgressValidated   = 25
	ProgressCategorized = 50
	ProgressTagged      = 75
	ProgressDone        = 100
)

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// IsTerminal returns true for completed and failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobProcessing || next == JobCompleted || next == JobFailed
	}
	return false
}

// ProcessingJob tracks one ingest/processing attempt for a video.
type ProcessingJob struct {
	ID           string    `json:"job_id" dynamodbav:"job_id"`
	VideoID      string    `json:"video_id" dynamodbav:"video_id"`
	Status       JobStatus `json:"status" dynamodbav:"status"`
	Progress     int       `json:"progress" dynamodbav:"progress"`
	ErrorMessage string    `json:"error" dynamodbav:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
}
