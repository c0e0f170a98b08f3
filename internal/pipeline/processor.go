// Package pipeline chains the per-video steps: categorization, linking,
// metadata sync and derived assets, reporting progress on the video's job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/assets"
	"github.com/amillerrr/clip-pipeline/internal/idlock"
	"github.com/amillerrr/clip-pipeline/internal/jobs"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/internal/prober"
	"github.com/amillerrr/clip-pipeline/internal/queue"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

var tracer = otel.Tracer("clip-pipeline/pipeline")

// MediaProber probes a file until it yields stream metadata.
type MediaProber interface {
	ProbeUntilReady(ctx context.Context, path string) (*prober.Result, error)
}

// Mirror copies a video's derived assets somewhere else.
type Mirror interface {
	Mirror(ctx context.Context, videoID, dir string) error
}

// ProcessorConfig holds Processor dependencies. Mirror is optional.
type ProcessorConfig struct {
	Store             storage.Store
	Tracker           *jobs.Tracker
	Locks             idlock.Locker
	Linker            *linker.Linker
	Prober            MediaProber
	Assets            *assets.Generator
	Mirror            Mirror
	ThumbnailFraction float64
	Logger            *slog.Logger
}

// Processor runs the processing job of one video.
type Processor struct {
	store    storage.Store
	tracker  *jobs.Tracker
	locks    idlock.Locker
	linker   *linker.Linker
	layout   linker.Layout
	prober   MediaProber
	assets   *assets.Generator
	mirror   Mirror
	fraction float64
	log      *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = idlock.NewLocal()
	}
	return &Processor{
		store:    cfg.Store,
		tracker:  cfg.Tracker,
		locks:    locks,
		linker:   cfg.Linker,
		layout:   cfg.Linker.Layout(),
		prober:   cfg.Prober,
		assets:   cfg.Assets,
		mirror:   cfg.Mirror,
		fraction: cfg.ThumbnailFraction,
		log:      log,
	}
}

// Handle loads the task's job and processes it. Tasks whose job already
// finished are acknowledged without running again.
func (p *Processor) Handle(ctx context.Context, t queue.Task) error {
	job, err := p.tracker.Status(ctx, t.JobID)
	if err != nil {
		return err
	}
	if job.VideoID != t.VideoID {
		return fmt.Errorf("%w: job %s belongs to video %s", models.ErrJobParseFailed, job.ID, job.VideoID)
	}
	if job.Status.IsTerminal() {
		p.log.InfoContext(ctx, "Job already finished, skipping", "jobId", job.ID, "status", job.Status)
		return nil
	}
	return p.Process(ctx, job, t.Hints)
}

// Process runs job to completion. It is not interrupted by cancellation of
// ctx once the job has started. Any step error fails the job with the
// progress of the last checkpoint reached.
func (p *Processor) Process(ctx context.Context, job *models.ProcessingJob, hints models.IngestHints) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "process-video")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("video.id", job.VideoID),
	)

	unlock, err := p.locks.Lock(ctx, job.VideoID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.tracker.Start(ctx, job); err != nil {
		return err
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	start := time.Now()

	p.log.InfoContext(ctx, "Processing video", "jobId", job.ID, "videoId", job.VideoID)

	if err := p.run(ctx, job, hints); err != nil {
		span.RecordError(err)
		metrics.RecordFailure()
		if failErr := p.tracker.Fail(ctx, job, err); failErr != nil {
			p.log.ErrorContext(ctx, "Failed to mark job as failed",
				"jobId", job.ID,
				"error", failErr,
			)
		}
		return err
	}

	if err := p.tracker.Complete(ctx, job); err != nil {
		return err
	}
	duration := time.Since(start)
	metrics.ProcessingDuration.Observe(duration.Seconds())
	metrics.RecordSuccess()

	p.log.InfoContext(ctx, "Video processed successfully",
		"jobId", job.ID,
		"videoId", job.VideoID,
		"durationSeconds", duration.Seconds(),
	)
	return nil
}

func (p *Processor) run(ctx context.Context, job *models.ProcessingJob, hints models.IngestHints) error {
	rec, err := p.store.GetVideo(ctx, job.VideoID)
	if err != nil {
		return err
	}
	if err := p.tracker.Checkpoint(ctx, job, models.ProgressValidated); err != nil {
		return err
	}

	if err := p.applyGame(ctx, rec.VideoID, hints.Game); err != nil {
		return err
	}
	if err := p.tracker.Checkpoint(ctx, job, models.ProgressCategorized); err != nil {
		return err
	}

	if err := p.applyTags(ctx, rec.VideoID, hints.Tags); err != nil {
		return err
	}
	if err := p.tracker.Checkpoint(ctx, job, models.ProgressTagged); err != nil {
		return err
	}

	if err := p.applyOwner(ctx, rec.VideoID, hints.OwnerID); err != nil {
		return err
	}

	return p.derive(ctx, rec)
}

// ApplyHints sets game, tags and owner on an existing video without a job.
func (p *Processor) ApplyHints(ctx context.Context, videoID string, hints models.IngestHints) error {
	unlock, err := p.locks.Lock(ctx, videoID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.applyGame(ctx, videoID, hints.Game); err != nil {
		return err
	}
	if err := p.applyTags(ctx, videoID, hints.Tags); err != nil {
		return err
	}
	return p.applyOwner(ctx, videoID, hints.OwnerID)
}

func (p *Processor) applyGame(ctx context.Context, videoID, name string) error {
	if name == "" {
		return nil
	}
	game, err := p.store.FindOrCreateGame(ctx, name)
	if err != nil {
		return fmt.Errorf("game %q: %w", name, err)
	}
	if err := p.store.SetGame(ctx, videoID, game.ID); err != nil {
		return err
	}
	p.log.InfoContext(ctx, "Linked video to game", "videoId", videoID, "game", game.Name)
	return nil
}

func (p *Processor) applyTags(ctx context.Context, videoID string, names []string) error {
	for _, name := range names {
		tag, err := p.store.FindOrCreateTag(ctx, name)
		if err != nil {
			return fmt.Errorf("tag %q: %w", name, err)
		}
		if err := p.store.AttachTag(ctx, videoID, tag.ID); err != nil {
			return err
		}
	}
	if len(names) > 0 {
		p.log.InfoContext(ctx, "Tagged video", "videoId", videoID, "tags", names)
	}
	return nil
}

func (p *Processor) applyOwner(ctx context.Context, videoID string, ownerID *int64) error {
	if ownerID == nil {
		return nil
	}
	return p.store.SetOwner(ctx, videoID, *ownerID)
}

// derive ensures the served link, syncs metadata and produces the poster
// and preview.
func (p *Processor) derive(ctx context.Context, rec *models.VideoRecord) error {
	src := p.layout.SourcePath(rec.Path)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: source %s: %v", models.ErrVideoNotFound, rec.Path, err)
	}
	if _, err := p.linker.LinkOne(ctx, src, rec.LinkName()); err != nil {
		return err
	}

	meta, err := p.SyncOne(ctx, rec, false)
	if err != nil {
		return err
	}

	served := p.ServedPath(rec)
	dir := p.layout.DerivedPath(rec.VideoID)
	offset := assets.PosterOffset(meta.Duration, p.fraction)
	if _, err := p.assets.Poster(ctx, served, dir, offset, false); err != nil {
		return err
	}
	if _, err := p.assets.Preview(ctx, served, dir, meta.Duration, false); err != nil {
		return err
	}

	if p.mirror != nil {
		if err := p.mirror.Mirror(ctx, rec.VideoID, dir); err != nil {
			return fmt.Errorf("%w: mirror: %v", models.ErrAssetFailed, err)
		}
	}
	return nil
}

// ServedPath returns the video's link in the served directory. Probing and
// asset generation read through it, so a broken link fails them.
func (p *Processor) ServedPath(rec *models.VideoRecord) string {
	return p.layout.LinkPath(rec.VideoID, "", rec.Extension)
}

// LockVideo takes the video's lock without waiting. It returns
// models.ErrLocked while a job or another batch holds it.
func (p *Processor) LockVideo(ctx context.Context, videoID string) (func(), error) {
	return p.locks.TryLock(ctx, videoID)
}

// SyncOne probes the video through its served link and stores the result.
// Metadata that is already probed is returned as is unless force is set.
func (p *Processor) SyncOne(ctx context.Context, rec *models.VideoRecord, force bool) (*models.VideoMetadata, error) {
	meta, err := p.store.GetMetadata(ctx, rec.VideoID)
	if err != nil {
		return nil, err
	}
	if meta.Probed() && !force {
		return meta, nil
	}

	res, err := p.prober.ProbeUntilReady(ctx, p.ServedPath(rec))
	if err != nil {
		return nil, err
	}

	summary, err := prober.Summarize(res.Streams)
	if err != nil && !errors.Is(err, models.ErrNoVideoStream) {
		return nil, err
	}
	if err != nil {
		p.log.WarnContext(ctx, "No video stream found", "videoId", rec.VideoID, "path", rec.Path)
	}

	if err := p.store.UpdateProbe(ctx, rec.VideoID, summary.Duration, summary.Width, summary.Height, res.Raw); err != nil {
		return nil, err
	}
	meta.Duration = summary.Duration
	meta.Width = summary.Width
	meta.Height = summary.Height
	meta.Info = res.Raw

	p.log.InfoContext(ctx, "Synced metadata",
		"videoId", rec.VideoID,
		"duration", summary.Duration,
		"width", summary.Width,
		"height", summary.Height,
		"codec", summary.VideoCodec,
	)
	return meta, nil
}
