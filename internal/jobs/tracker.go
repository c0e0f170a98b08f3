// Package jobs drives ProcessingJob state: queued, processing, then
// completed or failed.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Tracker applies legal transitions to jobs and persists each one.
type Tracker struct {
	store storage.JobStore
	log   *slog.Logger
	now   func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(store storage.JobStore, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates a queued job for videoID.
func (t *Tracker) Enqueue(ctx context.Context, videoID string) (*models.ProcessingJob, error) {
	if videoID == "" {
		return nil, models.ErrMissingVideoID
	}
	now := t.now()
	job := &models.ProcessingJob{
		ID:        uuid.NewString(),
		VideoID:   videoID,
		Status:    models.JobQueued,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	t.log.InfoContext(ctx, "Job queued", "jobId", job.ID, "videoId", videoID)
	return job, nil
}

// Start moves a queued job to processing.
func (t *Tracker) Start(ctx context.Context, job *models.ProcessingJob) error {
	if job.Status != models.JobQueued {
		return fmt.Errorf("%w: start from %s", models.ErrInvalidTransition, job.Status)
	}
	return t.apply(ctx, job, models.JobProcessing, job.Progress, "")
}

// Checkpoint records progress on a processing job. Progress never decreases.
func (t *Tracker) Checkpoint(ctx context.Context, job *models.ProcessingJob, progress int) error {
	if job.Status != models.JobProcessing {
		return fmt.Errorf("%w: checkpoint while %s", models.ErrInvalidTransition, job.Status)
	}
	if progress < job.Progress || progress > models.ProgressDone {
		return fmt.Errorf("%w: progress %d after %d", models.ErrInvalidTransition, progress, job.Progress)
	}
	return t.apply(ctx, job, models.JobProcessing, progress, "")
}

// Complete finishes a processing job at 100%.
func (t *Tracker) Complete(ctx context.Context, job *models.ProcessingJob) error {
	if job.Status != models.JobProcessing {
		return fmt.Errorf("%w: complete from %s", models.ErrInvalidTransition, job.Status)
	}
	return t.apply(ctx, job, models.JobCompleted, models.ProgressDone, "")
}

// Fail marks a job failed with cause, keeping the last checkpoint.
func (t *Tracker) Fail(ctx context.Context, job *models.ProcessingJob, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.apply(ctx, job, models.JobFailed, job.Progress, msg)
}

func (t *Tracker) apply(ctx context.Context, job *models.ProcessingJob, next models.JobStatus, progress int, msg string) error {
	if !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, job.Status, next)
	}

	updated := *job
	updated.Status = next
	updated.Progress = progress
	updated.ErrorMessage = msg
	updated.UpdatedAt = t.now()

	if err := t.store.UpdateJob(ctx, &updated, job.Status); err != nil {
		return err
	}
	*job = updated

	t.log.DebugContext(ctx, "Job updated",
		"jobId", job.ID,
		"videoId", job.VideoID,
		"status", job.Status,
		"progress", job.Progress,
	)
	return nil
}

// Status returns a job by its external id. Malformed ids are rejected before
// touching the store.
func (t *Tracker) Status(ctx context.Context, rawID string) (*models.ProcessingJob, error) {
	if rawID == "" {
		return nil, models.ErrMissingJobID
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidJobID, rawID)
	}
	return t.store.GetJob(ctx, id.String())
}

// LatestForVideo returns the newest job created for videoID.
func (t *Tracker) LatestForVideo(ctx context.Context, videoID string) (*models.ProcessingJob, error) {
	if videoID == "" {
		return nil, models.ErrMissingVideoID
	}
	return t.store.LatestJobForVideo(ctx, videoID)
}
