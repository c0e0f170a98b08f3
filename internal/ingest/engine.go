// Package ingest discovers videos under the video root, records them by
// content identifier and keeps the served links and availability in step
// with the filesystem.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/contentid"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

var tracer = otel.Tracer("clip-pipeline/ingest")

// Config holds Engine settings.
type Config struct {
	Extensions     []string
	DefaultPrivate bool
	Logger         *slog.Logger
}

// Engine scans the video root.
type Engine struct {
	videos         storage.VideoStore
	linker         *linker.Linker
	layout         linker.Layout
	extensions     map[string]bool
	defaultPrivate bool
	log            *slog.Logger
	identify       func(path string) (string, error)
}

// New creates an Engine.
func New(videos storage.VideoStore, lk *linker.Linker, cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = true
	}
	return &Engine{
		videos:         videos,
		linker:         lk,
		layout:         lk.Layout(),
		extensions:     exts,
		defaultPrivate: cfg.DefaultPrivate,
		log:            log,
		identify:       contentid.Compute,
	}
}

// Supported reports whether path has an allowlisted extension.
func (e *Engine) Supported(path string) bool {
	return e.extensions[strings.ToLower(filepath.Ext(path))]
}

// ScanReport summarizes a ScanAll run.
type ScanReport struct {
	Files       int
	Created     int
	Duplicates  int
	Backfilled  int
	Linked      int
	Unavailable int
	Errors      int
	Duration    time.Duration
}

// ScanAll walks the video root, or subdir below it, records new files,
// backfills existing ones, links new records and marks vanished records
// unavailable. Only a failure to read the scan root aborts the run.
func (e *Engine) ScanAll(ctx context.Context, subdir string) (*ScanReport, error) {
	ctx, span := tracer.Start(ctx, "scan-all")
	defer span.End()

	start := time.Now()
	report := &ScanReport{}

	root := filepath.Join(e.layout.VideoRoot, subdir)
	if root != filepath.Clean(e.layout.VideoRoot) {
		if _, err := e.layout.Rel(root); err != nil {
			return nil, err
		}
	}

	files, err := e.discover(ctx, root)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report.Files = len(files)
	e.log.InfoContext(ctx, "Scanning for videos", "root", root, "files", len(files))

	seen := make(map[string]string, len(files))
	var created []*models.VideoRecord

	for _, abs := range files {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: scan interrupted", models.ErrContextCanceled)
		}

		rel, _ := e.layout.Rel(abs)
		id, err := e.identify(abs)
		if err != nil {
			e.log.ErrorContext(ctx, "Failed to identify video", "path", rel, "error", err)
			report.Errors++
			continue
		}

		if first, dup := seen[id]; dup {
			e.log.InfoContext(ctx, "Found duplicate video, skipping", "videoId", id, "path", rel, "firstSeen", first)
			metrics.DuplicatesSkipped.Inc()
			report.Duplicates++
			continue
		}
		seen[id] = rel

		rec, isNew, backfilled, err := e.record(ctx, id, abs, rel)
		if err != nil {
			e.log.ErrorContext(ctx, "Failed to record video", "videoId", id, "path", rel, "error", err)
			report.Errors++
			continue
		}
		if isNew {
			created = append(created, rec)
			report.Created++
		}
		if backfilled {
			report.Backfilled++
		}
	}

	if len(created) == 0 {
		e.log.InfoContext(ctx, "No new videos found", "checked", len(files))
	} else {
		linked, failed := e.linkAll(ctx, created, false)
		report.Linked += linked
		report.Errors += failed
	}

	unavailable, failed := e.reconcile(ctx)
	report.Unavailable = unavailable
	report.Errors += failed

	report.Duration = time.Since(start)
	metrics.ScanDuration.Observe(report.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("scan.files", report.Files),
		attribute.Int("scan.created", report.Created),
		attribute.Int("scan.duplicates", report.Duplicates),
		attribute.Int("scan.unavailable", report.Unavailable),
	)
	e.log.InfoContext(ctx, "Scan complete",
		"files", report.Files,
		"created", report.Created,
		"duplicates", report.Duplicates,
		"backfilled", report.Backfilled,
		"unavailable", report.Unavailable,
		"errors", report.Errors,
		"duration", report.Duration.String(),
	)
	return report, nil
}

// ScanOne records a single file. It reports whether the record is new.
func (e *Engine) ScanOne(ctx context.Context, path string) (*models.VideoRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "scan-one")
	defer span.End()

	rel, err := e.layout.Rel(path)
	if err != nil {
		return nil, false, err
	}
	abs := e.layout.SourcePath(rel)

	info, err := os.Stat(abs)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", models.ErrUnsupportedFile, rel, err)
	}
	if !info.Mode().IsRegular() || !e.Supported(abs) {
		return nil, false, fmt.Errorf("%w: %s", models.ErrUnsupportedFile, rel)
	}

	e.log.InfoContext(ctx, "Scanning file", "path", rel)
	id, err := e.identify(abs)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.String("video.id", id))

	rec, isNew, _, err := e.record(ctx, id, abs, rel)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		if _, err := e.linker.LinkOne(ctx, abs, rec.LinkName()); err != nil {
			return rec, true, err
		}
	}
	return rec, isNew, nil
}

// record creates the record for id or backfills the existing one.
func (e *Engine) record(ctx context.Context, id, abs, rel string) (rec *models.VideoRecord, isNew, backfilled bool, err error) {
	existing, err := e.videos.GetVideo(ctx, id)
	switch {
	case err == nil:
		backfilled, err = e.backfill(ctx, existing, abs)
		return existing, false, backfilled, err
	case !errors.Is(err, models.ErrVideoNotFound):
		return nil, false, false, err
	}

	created, modified, err := fileTimes(abs)
	if err != nil {
		return nil, false, false, err
	}
	rec = &models.VideoRecord{
		VideoID:   id,
		Extension: filepath.Ext(abs),
		Path:      rel,
		Available: true,
		CreatedAt: &created,
		UpdatedAt: &modified,
	}
	meta := &models.VideoMetadata{
		VideoID: id,
		Title:   rec.Stem(),
		Private: e.defaultPrivate,
	}
	if err := e.videos.CreateVideo(ctx, rec, meta); err != nil {
		if errors.Is(err, models.ErrVideoExists) {
			// lost a race with a concurrent ingest of the same content
			existing, getErr := e.videos.GetVideo(ctx, id)
			if getErr != nil {
				return nil, false, false, getErr
			}
			return existing, false, false, nil
		}
		return nil, false, false, err
	}

	e.log.InfoContext(ctx, "Adding new video",
		"videoId", id,
		"path", rel,
		"created", created.Format(time.RFC3339),
		"updated", modified.Format(time.RFC3339),
	)
	metrics.VideosIngested.Inc()
	return rec, true, false, nil
}

func (e *Engine) backfill(ctx context.Context, v *models.VideoRecord, abs string) (bool, error) {
	changed := false
	if !v.Available {
		e.log.InfoContext(ctx, "Updating video, available=true", "videoId", v.VideoID)
		if err := e.videos.SetAvailable(ctx, v.VideoID, true); err != nil {
			return false, err
		}
		v.Available = true
		changed = true
	}
	if v.CreatedAt == nil || v.UpdatedAt == nil {
		created, modified, err := fileTimes(abs)
		if err != nil {
			return changed, err
		}
		e.log.InfoContext(ctx, "Backfilling video timestamps", "videoId", v.VideoID)
		if err := e.videos.BackfillTimestamps(ctx, v.VideoID, created, modified); err != nil {
			return changed, err
		}
		if v.CreatedAt == nil {
			v.CreatedAt = &created
		}
		if v.UpdatedAt == nil {
			v.UpdatedAt = &modified
		}
		changed = true
	}
	return changed, nil
}

// discover lists allowlisted regular files under root in lexical order.
func (e *Engine) discover(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot open video root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("video root %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			e.log.WarnContext(ctx, "Skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && path == filepath.Clean(e.layout.ProcessedRoot) {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() && e.Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot open video root: %w", err)
	}
	return files, nil
}

func (e *Engine) linkAll(ctx context.Context, recs []*models.VideoRecord, repair bool) (linked, failed int) {
	batch, err := e.linker.Open()
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to open link directory", "error", err)
		return 0, len(recs)
	}
	defer batch.Close()

	for _, rec := range recs {
		src := e.layout.SourcePath(rec.Path)
		res, err := batch.Link(ctx, src, rec.LinkName(), repair)
		if err != nil {
			e.log.ErrorContext(ctx, "Failed to link video", "videoId", rec.VideoID, "error", err)
			failed++
			continue
		}
		if res != linker.Existing {
			linked++
		}
	}
	return linked, failed
}

// reconcile marks available records whose source file is gone.
func (e *Engine) reconcile(ctx context.Context) (unavailable, failed int) {
	videos, err := e.videos.ListAvailableVideos(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to list videos for verification", "error", err)
		return 0, 1
	}
	e.log.InfoContext(ctx, "Verifying video files still exist", "count", len(videos))

	for _, v := range videos {
		path := e.layout.SourcePath(v.Path)
		if _, err := os.Stat(path); err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		e.log.WarnContext(ctx, "Video was not found", "videoId", v.VideoID, "path", path)
		if err := e.videos.SetAvailable(ctx, v.VideoID, false); err != nil {
			e.log.ErrorContext(ctx, "Failed to mark video unavailable", "videoId", v.VideoID, "error", err)
			failed++
			continue
		}
		metrics.VideosUnavailable.Inc()
		unavailable++
	}
	return unavailable, failed
}

// LinkReport summarizes a RepairLinks run.
type LinkReport struct {
	Checked  int
	Created  int
	Replaced int
	Errors   int
}

// RepairLinks recreates missing or stale links for every available video
// and for any web variant already produced.
func (e *Engine) RepairLinks(ctx context.Context) (*LinkReport, error) {
	videos, err := e.videos.ListAvailableVideos(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := e.linker.Open()
	if err != nil {
		return nil, err
	}
	defer batch.Close()

	report := &LinkReport{}
	tally := func(res linker.Result, err error, videoID string) {
		report.Checked++
		switch {
		case err != nil:
			e.log.ErrorContext(ctx, "Failed to repair link", "videoId", videoID, "error", err)
			report.Errors++
		case res == linker.Created:
			report.Created++
		case res == linker.Replaced:
			report.Replaced++
		}
	}

	for _, v := range videos {
		res, err := batch.Link(ctx, e.layout.SourcePath(v.Path), v.LinkName(), true)
		tally(res, err, v.VideoID)

		web := filepath.Join(e.layout.DerivedPath(v.VideoID), linker.LinkName(v.VideoID, WebSubID, ".mp4"))
		if _, err := os.Stat(web); err == nil {
			res, err := batch.Link(ctx, web, linker.LinkName(v.VideoID, WebSubID, ".mp4"), true)
			tally(res, err, v.VideoID)
		}
	}

	e.log.InfoContext(ctx, "Link repair complete",
		"checked", report.Checked,
		"created", report.Created,
		"replaced", report.Replaced,
		"errors", report.Errors,
	)
	return report, nil
}

// WebSubID is the sub-identifier of the browser-playable mp4 variant.
const WebSubID = "1"
