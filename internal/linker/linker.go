// Package linker maintains the flat served directory of relative symlinks
// that point at videos nested anywhere under the video root.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Directory names under the processed root.
const (
	LinksDir   = "video_links"
	DerivedDir = "derived"
)

// Layout resolves pipeline paths.
type Layout struct {
	VideoRoot     string
	ProcessedRoot string
}

// LinkName returns "<id>[-<subid>]<ext>".
func LinkName(id, subid, ext string) string {
	if subid != "" {
		return id + "-" + subid + ext
	}
	return id + ext
}

// LinksPath returns the served directory.
func (l Layout) LinksPath() string {
	return filepath.Join(l.ProcessedRoot, LinksDir)
}

// LinkPath returns the served path of a video or one of its variants.
func (l Layout) LinkPath(id, subid, ext string) string {
	return filepath.Join(l.LinksPath(), LinkName(id, subid, ext))
}

// DerivedPath returns the derived asset directory of a video.
func (l Layout) DerivedPath(id string) string {
	return filepath.Join(l.ProcessedRoot, DerivedDir, id)
}

// SourcePath returns the absolute location of a path relative to the video root.
func (l Layout) SourcePath(rel string) string {
	return filepath.Join(l.VideoRoot, rel)
}

// Rel returns path relative to the video root, rejecting paths outside it.
func (l Layout) Rel(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.VideoRoot, path)
	}
	rel, err := filepath.Rel(l.VideoRoot, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", models.ErrPathOutsideRoot, path)
	}
	return rel, nil
}

// RelativeTarget returns the symlink target that reaches src from a link at
// dst: one "../" per directory of dst below the common prefix, followed by the
// rest of src. Both paths are made absolute first.
func RelativeTarget(src, dst string) (string, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}

	sep := string(filepath.Separator)
	srcParts := strings.Split(absSrc, sep)
	dstParts := strings.Split(absDst, sep)

	common := 0
	for common < len(srcParts)-1 && common < len(dstParts)-1 && srcParts[common] == dstParts[common] {
		common++
	}

	ups := len(dstParts) - 1 - common
	return strings.Repeat(".."+sep, ups) + strings.Join(srcParts[common:], sep), nil
}

// Result describes what Link did.
type Result int

const (
	Existing Result = iota
	Created
	Replaced
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Replaced:
		return "replaced"
	}
	return "existing"
}

// Linker creates links in the served directory.
type Linker struct {
	layout Layout
	log    *slog.Logger
}

// New creates a Linker for layout.
func New(layout Layout, log *slog.Logger) *Linker {
	if log == nil {
		log = slog.Default()
	}
	return &Linker{layout: layout, log: log}
}

// Layout returns the linker's path layout.
func (l *Linker) Layout() Layout {
	return l.layout
}

// Batch holds the served directory open so many links are created relative
// to one directory handle.
type Batch struct {
	l   *Linker
	dir *dirHandle
}

// Open creates the served directory if needed and opens it for a batch.
func (l *Linker) Open() (*Batch, error) {
	if err := os.MkdirAll(l.layout.LinksPath(), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLinkFailed, err)
	}
	dir, err := openDir(l.layout.LinksPath())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrLinkFailed, l.layout.LinksPath(), err)
	}
	return &Batch{l: l, dir: dir}, nil
}

// Close releases the directory handle.
func (b *Batch) Close() error {
	return b.dir.close()
}

// Link points name in the served directory at src. An existing link is left
// alone unless repair is set and it points somewhere else.
func (b *Batch) Link(ctx context.Context, src, name string, repair bool) (Result, error) {
	dst := filepath.Join(b.l.layout.LinksPath(), name)
	target, err := RelativeTarget(src, dst)
	if err != nil {
		return Existing, fmt.Errorf("%w: %v", models.ErrLinkFailed, err)
	}

	current, err := b.dir.readlink(name)
	switch {
	case err == nil:
		if current == target || !repair {
			b.l.log.DebugContext(ctx, "Link exists already", "link", dst, "target", current)
			metrics.LinksCreated.WithLabelValues(Existing.String()).Inc()
			return Existing, nil
		}
		if err := b.dir.unlink(name); err != nil {
			return Existing, fmt.Errorf("%w: remove stale %s: %v", models.ErrLinkFailed, dst, err)
		}
		if err := b.dir.symlink(target, name); err != nil {
			return Existing, fmt.Errorf("%w: %v", models.ErrLinkFailed, err)
		}
		b.l.log.InfoContext(ctx, "Replaced stale link", "link", dst, "oldTarget", current, "target", target)
		metrics.LinksCreated.WithLabelValues(Replaced.String()).Inc()
		return Replaced, nil

	case isNotExist(err):
		b.l.log.InfoContext(ctx, "Linking", "target", target, "link", dst)
		if err := b.dir.symlink(target, name); err != nil {
			if isExist(err) {
				b.l.log.InfoContext(ctx, "Link exists already", "link", dst)
				return Existing, nil
			}
			return Existing, fmt.Errorf("%w: %v", models.ErrLinkFailed, err)
		}
		metrics.LinksCreated.WithLabelValues(Created.String()).Inc()
		return Created, nil

	case isNotLink(err):
		b.l.log.WarnContext(ctx, "Served path exists and is not a link, leaving it", "path", dst)
		return Existing, nil
	}

	return Existing, fmt.Errorf("%w: %v", models.ErrLinkFailed, err)
}

// LinkOne links a single file in its own batch.
func (l *Linker) LinkOne(ctx context.Context, src, name string) (Result, error) {
	b, err := l.Open()
	if err != nil {
		return Existing, err
	}
	defer b.Close()
	return b.Link(ctx, src, name, false)
}

// Resolves reports whether the served link exists and points at a readable file.
func (l *Linker) Resolves(name string) bool {
	info, err := os.Stat(filepath.Join(l.layout.LinksPath(), name))
	return err == nil && info.Mode().IsRegular()
}

var errNotLink = errors.New("not a symlink")
