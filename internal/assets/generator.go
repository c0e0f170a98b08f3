// Package assets produces derived images and clips for videos.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Derived asset file names.
const (
	PosterName  = "poster.jpg"
	PreviewName = "preview-loop.webm"
)

// Preview clip shape.
const (
	PreviewClipSeconds = 1.5
	PreviewHeight      = 240
	PreviewFPS         = 15
)

// Asset kinds used in logs and metrics.
const (
	KindPoster  = "poster"
	KindPreview = "preview"
	KindWeb     = "web"
)

// Generator creates derived assets, skipping ones that already exist.
type Generator struct {
	runner Runner
	log    *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(runner Runner, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{runner: runner, log: log}
}

// PosterOffset returns the poster time in whole seconds for a duration and a
// fraction of it in (0,1]. Unknown durations and out of range fractions give 0.
func PosterOffset(duration, fraction float64) int {
	if duration <= 0 || fraction <= 0 || fraction > 1 {
		return 0
	}
	return int(duration * fraction)
}

// Exists reports whether the named asset is present in dir.
func Exists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && info.Mode().IsRegular()
}

// Poster extracts a single frame at offset seconds into dir/poster.jpg.
// It reports whether a file was written.
func (g *Generator) Poster(ctx context.Context, input, dir string, offset int, regenerate bool) (bool, error) {
	target := filepath.Join(dir, PosterName)
	return g.produce(ctx, KindPoster, target, regenerate, func(out string) []string {
		return []string{
			"-y",
			"-ss", strconv.Itoa(offset),
			"-i", input,
			"-vframes", "1",
			"-q:v", "2",
			out,
		}
	})
}

// Preview writes a short clip played forward then backward to dir/preview-loop.webm.
func (g *Generator) Preview(ctx context.Context, input, dir string, duration float64, regenerate bool) (bool, error) {
	target := filepath.Join(dir, PreviewName)
	start := 0.0
	if duration > 4*PreviewClipSeconds {
		start = duration / 4
	}

	filter := fmt.Sprintf(
		"[0:v]fps=%d,scale=-2:%d,split[fwd][bwd];[bwd]reverse[rev];[fwd][rev]concat=n=2:v=1:a=0[out]",
		PreviewFPS, PreviewHeight,
	)

	return g.produce(ctx, KindPreview, target, regenerate, func(out string) []string {
		return []string{
			"-y",
			"-ss", strconv.FormatFloat(start, 'f', 2, 64),
			"-t", strconv.FormatFloat(PreviewClipSeconds, 'f', 2, 64),
			"-i", input,
			"-filter_complex", filter,
			"-map", "[out]",
			"-an",
			"-c:v", "libvpx-vp9",
			"-b:v", "0",
			"-crf", "40",
			"-deadline", "realtime",
			out,
		}
	})
}

// WebVariant transcodes input into a browser-playable mp4 at out.
func (g *Generator) WebVariant(ctx context.Context, input, out string) (bool, error) {
	return g.produce(ctx, KindWeb, out, false, func(tmp string) []string {
		return []string{
			"-y",
			"-i", input,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "23",
			"-c:a", "aac",
			"-movflags", "+faststart",
			tmp,
		}
	})
}

// produce runs build into a temporary sibling of target and renames it into
// place, so target only ever holds complete output.
func (g *Generator) produce(ctx context.Context, kind, target string, regenerate bool, build func(out string) []string) (bool, error) {
	if !regenerate {
		if _, err := os.Stat(target); err == nil {
			g.log.DebugContext(ctx, "Skipping existing asset", "kind", kind, "path", target)
			metrics.RecordAsset(kind, false)
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: %v", models.ErrAssetFailed, err)
		}
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrAssetFailed, err)
	}

	// Each run writes its own temp file; ffmpeg overwrites it with -y.
	ext := filepath.Ext(target)
	f, err := os.CreateTemp(dir, ".tmp-"+strings.TrimSuffix(filepath.Base(target), ext)+"-*"+ext)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrAssetFailed, err)
	}
	tmp := f.Name()
	_ = f.Close()

	g.log.InfoContext(ctx, "Creating asset", "kind", kind, "path", target)
	if err := g.runner.Run(ctx, kind, build(tmp)...); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("%w: %s: %v", models.ErrAssetFailed, kind, err)
	}

	if info, err := os.Stat(tmp); err != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("%w: %s produced no output", models.ErrAssetFailed, kind)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("%w: %v", models.ErrAssetFailed, err)
	}

	metrics.RecordAsset(kind, true)
	return true, nil
}
