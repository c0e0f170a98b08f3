package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/amillerrr/clip-pipeline/internal/assets"
	"github.com/amillerrr/clip-pipeline/internal/ingest"
	"github.com/amillerrr/clip-pipeline/internal/jobs"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/lockfile"
	"github.com/amillerrr/clip-pipeline/internal/queue"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// ServiceConfig holds Service dependencies.
type ServiceConfig struct {
	Store      storage.Store
	Engine     *ingest.Engine
	Processor  *Processor
	Tracker    *jobs.Tracker
	Dispatcher queue.Dispatcher
	Linker     *linker.Linker
	Assets     *assets.Generator
	DataDir    string
	Logger     *slog.Logger
}

// Service is the entry point for ingest and batch maintenance operations.
type Service struct {
	store      storage.Store
	engine     *ingest.Engine
	proc       *Processor
	tracker    *jobs.Tracker
	dispatcher queue.Dispatcher
	linker     *linker.Linker
	layout     linker.Layout
	assets     *assets.Generator
	dataDir    string
	log        *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      cfg.Store,
		engine:     cfg.Engine,
		proc:       cfg.Processor,
		tracker:    cfg.Tracker,
		dispatcher: cfg.Dispatcher,
		linker:     cfg.Linker,
		layout:     cfg.Linker.Layout(),
		assets:     cfg.Assets,
		dataDir:    cfg.DataDir,
		log:        log,
	}
}

// IngestResult reports what IngestFile did.
type IngestResult struct {
	VideoID string `json:"videoId"`
	JobID   string `json:"jobId,omitempty"`
	Created bool   `json:"created"`
}

// IngestFile records a single file. A new video gets a queued job that is
// handed to the dispatcher; hints for an existing video are applied
// directly.
func (s *Service) IngestFile(ctx context.Context, path string, hints models.IngestHints) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "ingest-file")
	defer span.End()

	rec, created, err := s.engine.ScanOne(ctx, path)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res := &IngestResult{VideoID: rec.VideoID, Created: created}

	if !created {
		_, err := s.tracker.LatestForVideo(ctx, rec.VideoID)
		switch {
		case err == nil:
			if err := s.proc.ApplyHints(ctx, rec.VideoID, hints); err != nil {
				return res, err
			}
			s.log.InfoContext(ctx, "Video already ingested, applied hints", "videoId", rec.VideoID)
			return res, nil
		case !errors.Is(err, models.ErrJobNotFound):
			return res, err
		}
		// An earlier ingest recorded the video but never queued its job.
		s.log.WarnContext(ctx, "Video has no processing job, queueing one", "videoId", rec.VideoID)
	}

	job, err := s.tracker.Enqueue(ctx, rec.VideoID)
	if err != nil {
		return res, err
	}
	res.JobID = job.ID

	task := queue.Task{JobID: job.ID, VideoID: rec.VideoID, Hints: hints}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		if failErr := s.tracker.Fail(ctx, job, err); failErr != nil {
			s.log.ErrorContext(ctx, "Failed to mark job as failed", "jobId", job.ID, "error", failErr)
		}
		return res, err
	}
	return res, nil
}

// ScanAll runs a scan of the video root or a directory below it.
func (s *Service) ScanAll(ctx context.Context, subdir string) (*ingest.ScanReport, error) {
	return s.engine.ScanAll(ctx, subdir)
}

// RepairLinks recreates missing or stale served links.
func (s *Service) RepairLinks(ctx context.Context) (*ingest.LinkReport, error) {
	return s.engine.RepairLinks(ctx)
}

// BatchReport counts the outcome of a batch over videos.
type BatchReport struct {
	Checked int
	Created int
	Skipped int
	Errors  int
}

func (r *BatchReport) tally(created bool, err error) {
	r.Checked++
	switch {
	case err != nil:
		r.Errors++
	case created:
		r.Created++
	default:
		r.Skipped++
	}
}

// SyncMetadata probes videos whose metadata has not been probed yet, or
// re-probes videoID alone when it is set.
func (s *Service) SyncMetadata(ctx context.Context, videoID string) (*BatchReport, error) {
	ctx, span := tracer.Start(ctx, "sync-metadata")
	defer span.End()

	report := &BatchReport{}
	if videoID != "" {
		rec, err := s.store.GetVideo(ctx, videoID)
		if err != nil {
			return nil, err
		}
		unlock, err := s.proc.LockVideo(ctx, videoID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		_, err = s.proc.SyncOne(ctx, rec, true)
		report.tally(err == nil, err)
		return report, err
	}

	pending, err := s.store.ListUnprobed(ctx)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "Syncing metadata", "pending", len(pending))

	for _, md := range pending {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: sync interrupted", models.ErrContextCanceled)
		}
		rec, err := s.store.GetVideo(ctx, md.VideoID)
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to sync metadata", "videoId", md.VideoID, "error", err)
			report.tally(false, err)
			continue
		}
		synced, err := s.locked(ctx, "sync-metadata", rec.VideoID, func() (bool, error) {
			_, err := s.proc.SyncOne(ctx, rec, false)
			return err == nil, err
		})
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to sync metadata", "videoId", md.VideoID, "error", err)
		}
		report.tally(synced, err)
	}
	return report, nil
}

// locked runs fn while holding the video's lock. A video that is being
// processed is skipped: fn does not run and no error is reported.
func (s *Service) locked(ctx context.Context, op, videoID string, fn func() (bool, error)) (bool, error) {
	unlock, err := s.proc.LockVideo(ctx, videoID)
	if errors.Is(err, models.ErrLocked) {
		s.log.InfoContext(ctx, "Video is busy, skipping", "op", op, "videoId", videoID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer unlock()
	return fn()
}

// eachAvailable calls fn for every available video with its metadata while
// holding the video's lock. Errors from fn are logged and counted, never
// returned.
func (s *Service) eachAvailable(ctx context.Context, op string, fn func(rec *models.VideoRecord, meta *models.VideoMetadata) (bool, error)) (*BatchReport, error) {
	videos, err := s.store.ListAvailableVideos(ctx)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{}
	for i := range videos {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %s interrupted", models.ErrContextCanceled, op)
		}
		rec := &videos[i]
		created, err := s.locked(ctx, op, rec.VideoID, func() (bool, error) {
			meta, err := s.store.GetMetadata(ctx, rec.VideoID)
			if err != nil {
				return false, err
			}
			return fn(rec, meta)
		})
		if err != nil {
			s.log.ErrorContext(ctx, "Batch step failed", "op", op, "videoId", rec.VideoID, "error", err)
		}
		report.tally(created, err)
	}

	s.log.InfoContext(ctx, "Batch complete",
		"op", op,
		"checked", report.Checked,
		"created", report.Created,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)
	return report, nil
}

// GeneratePosters creates poster.jpg for every available video at
// fraction of its duration.
func (s *Service) GeneratePosters(ctx context.Context, regenerate bool, fraction float64) (*BatchReport, error) {
	ctx, span := tracer.Start(ctx, "generate-posters")
	defer span.End()

	return s.eachAvailable(ctx, assets.KindPoster, func(rec *models.VideoRecord, meta *models.VideoMetadata) (bool, error) {
		offset := assets.PosterOffset(meta.Duration, fraction)
		return s.assets.Poster(ctx, s.proc.ServedPath(rec), s.layout.DerivedPath(rec.VideoID), offset, regenerate)
	})
}

// GeneratePreviews creates the looping preview for every available video.
func (s *Service) GeneratePreviews(ctx context.Context, regenerate bool) (*BatchReport, error) {
	ctx, span := tracer.Start(ctx, "generate-previews")
	defer span.End()

	return s.eachAvailable(ctx, assets.KindPreview, func(rec *models.VideoRecord, meta *models.VideoMetadata) (bool, error) {
		return s.assets.Preview(ctx, s.proc.ServedPath(rec), s.layout.DerivedPath(rec.VideoID), meta.Duration, regenerate)
	})
}

// CreateWebVariants transcodes mkv videos into a browser-playable mp4 and
// links it as sub-identifier 1.
func (s *Service) CreateWebVariants(ctx context.Context) (*BatchReport, error) {
	ctx, span := tracer.Start(ctx, "create-web-variants")
	defer span.End()

	return s.eachAvailable(ctx, assets.KindWeb, func(rec *models.VideoRecord, _ *models.VideoMetadata) (bool, error) {
		if !strings.EqualFold(rec.Extension, ".mkv") {
			return false, nil
		}
		name := linker.LinkName(rec.VideoID, ingest.WebSubID, ".mp4")
		out := filepath.Join(s.layout.DerivedPath(rec.VideoID), name)

		created, err := s.assets.WebVariant(ctx, s.proc.ServedPath(rec), out)
		if err != nil {
			return false, err
		}
		if _, err := s.linker.LinkOne(ctx, out, name); err != nil {
			return created, err
		}
		return created, nil
	})
}

// AutoTag tags every video with the name of the folder holding it.
func (s *Service) AutoTag(ctx context.Context) (*BatchReport, error) {
	videos, err := s.store.ListVideos(ctx)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{}
	for _, v := range videos {
		folder := v.FolderName()
		if folder == "" {
			continue
		}
		s.log.InfoContext(ctx, "Auto-tagging video from folder", "videoId", v.VideoID, "tag", folder)
		tag, err := s.store.FindOrCreateTag(ctx, folder)
		if err == nil {
			err = s.store.AttachTag(ctx, v.VideoID, tag.ID)
		}
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to auto-tag video", "videoId", v.VideoID, "error", err)
		}
		report.tally(err == nil, err)
	}
	return report, nil
}

// BulkOptions configures BulkImport.
type BulkOptions struct {
	Subdir   string
	AutoTag  bool
	Fraction float64
}

// BulkReport collects the results of each BulkImport step.
type BulkReport struct {
	Scan     *ingest.ScanReport
	Metadata *BatchReport
	Posters  *BatchReport
	Previews *BatchReport
	Tags     *BatchReport
	Timing   map[string]time.Duration
}

// BulkImport runs scan, metadata sync, posters, previews and optionally
// auto-tagging while holding the data directory lock. It returns
// models.ErrLocked when another run holds it.
func (s *Service) BulkImport(ctx context.Context, opts BulkOptions) (*BulkReport, error) {
	ctx, span := tracer.Start(ctx, "bulk-import")
	defer span.End()

	lock, err := lockfile.Acquire(s.dataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.log.ErrorContext(ctx, "Failed to remove lock file", "path", lock.Path(), "error", err)
		}
	}()

	report := &BulkReport{Timing: make(map[string]time.Duration)}
	step := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		report.Timing[name] = time.Since(start)
		return err
	}

	if err := step("scan_videos", func() (err error) {
		report.Scan, err = s.engine.ScanAll(ctx, opts.Subdir)
		return err
	}); err != nil {
		return report, err
	}
	if err := step("sync_metadata", func() (err error) {
		report.Metadata, err = s.SyncMetadata(ctx, "")
		return err
	}); err != nil {
		return report, err
	}
	if err := step("create_posters", func() (err error) {
		report.Posters, err = s.GeneratePosters(ctx, false, opts.Fraction)
		return err
	}); err != nil {
		return report, err
	}
	if err := step("create_previews", func() (err error) {
		report.Previews, err = s.GeneratePreviews(ctx, false)
		return err
	}); err != nil {
		return report, err
	}
	if opts.AutoTag {
		if err := step("auto_tagging", func() (err error) {
			report.Tags, err = s.AutoTag(ctx)
			return err
		}); err != nil {
			return report, err
		}
	}

	timing := make(map[string]float64, len(report.Timing))
	for k, v := range report.Timing {
		timing[k] = v.Seconds()
	}
	s.log.InfoContext(ctx, "Finished bulk import", "timing", timing)
	return report, nil
}
