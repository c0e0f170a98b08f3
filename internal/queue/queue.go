// Package queue hands per-video processing tasks to workers, either an
// in-process pool or an SQS queue drained by the worker binary.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amillerrr/clip-pipeline/internal/contentid"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Task asks a worker to run the processing job JobID for VideoID.
type Task struct {
	JobID   string             `json:"jobId"`
	VideoID string             `json:"videoId"`
	Hints   models.IngestHints `json:"hints"`
}

// Validate checks required fields.
func (t Task) Validate() error {
	if t.JobID == "" {
		return models.ErrMissingJobID
	}
	if t.VideoID == "" {
		return models.ErrMissingVideoID
	}
	if !contentid.Valid(t.VideoID) {
		return fmt.Errorf("malformed video id %q", t.VideoID)
	}
	return nil
}

// Decode parses and validates a task message body.
func Decode(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	return t, nil
}

// Handler runs one task.
type Handler func(ctx context.Context, t Task) error

// Dispatcher accepts tasks for asynchronous processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}
