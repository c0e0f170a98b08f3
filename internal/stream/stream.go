// Package stream serves linked videos over HTTP byte ranges.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/contentid"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// DefaultChunkSize is the response length when no Range header is sent.
const DefaultChunkSize = 10240

var tracer = otel.Tracer("clip-pipeline/stream")

// ByteRange is a satisfiable span of a file of Size bytes.
type ByteRange struct {
	Start  int64
	Length int64
	Size   int64
}

// End returns the offset of the last byte in the range.
func (r ByteRange) End() int64 {
	return r.Start + r.Length - 1
}

// ContentRange returns the Content-Range header value.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End(), r.Size)
}

var rangeSpec = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// ParseRange resolves a Range header against a file of size bytes. A missing
// or unparsable header yields the first chunk bytes. A start at or past the
// end of the file, or an end before the start, returns
// models.ErrRangeNotSatisfiable.
func ParseRange(header string, size, chunk int64) (ByteRange, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	m := rangeSpec.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil || (m[1] == "" && m[2] == "") {
		if size <= 0 {
			return ByteRange{}, models.ErrRangeNotSatisfiable
		}
		return ByteRange{Start: 0, Length: min(chunk, size), Size: size}, nil
	}

	var start int64
	if m[1] != "" {
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return ByteRange{Start: 0, Length: min(chunk, size), Size: size}, nil
		}
		start = v
	}
	if start >= size {
		return ByteRange{}, models.ErrRangeNotSatisfiable
	}

	if m[2] == "" {
		return ByteRange{Start: start, Length: size - start, Size: size}, nil
	}

	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		end = size - 1
	}
	if end < start {
		return ByteRange{}, models.ErrRangeNotSatisfiable
	}
	if end > size-1 {
		end = size - 1
	}
	return ByteRange{Start: start, Length: end + 1 - start, Size: size}, nil
}

var subIDPattern = regexp.MustCompile(`^[0-9]+$`)

// Handler streams files from the served link directory.
type Handler struct {
	videos storage.VideoStore
	layout linker.Layout
	chunk  int64
	log    *slog.Logger
}

// NewHandler creates a Handler. A non-positive chunk uses DefaultChunkSize.
func NewHandler(videos storage.VideoStore, layout linker.Layout, chunk int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Handler{videos: videos, layout: layout, chunk: chunk, log: log}
}

// Resolve returns the served path of a video or of its variant subid.
func (h *Handler) Resolve(ctx context.Context, videoID, subid string) (string, error) {
	if !contentid.Valid(videoID) {
		return "", fmt.Errorf("%w: %q", models.ErrMissingVideoID, videoID)
	}
	if subid != "" {
		if !subIDPattern.MatchString(subid) {
			return "", fmt.Errorf("%w: bad subid %q", models.ErrMissingVideoID, subid)
		}
		return h.layout.LinkPath(videoID, subid, ".mp4"), nil
	}

	rec, err := h.videos.GetVideo(ctx, videoID)
	if err != nil {
		return "", err
	}
	if !rec.Available {
		return "", fmt.Errorf("%w: %s is unavailable", models.ErrVideoNotFound, videoID)
	}
	return h.layout.LinkPath(videoID, "", rec.Extension), nil
}

// Serve writes the requested range of a video as a 206 response.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, videoID, subid string) {
	ctx, span := tracer.Start(r.Context(), "stream-video")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	w.Header().Set("Accept-Ranges", "bytes")

	path, err := h.Resolve(ctx, videoID, subid)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.fail(ctx, w, fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID))
			return
		}
		h.fail(ctx, w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	br, err := ParseRange(r.Header.Get("Range"), info.Size(), h.chunk)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size()))
		h.fail(ctx, w, err)
		return
	}

	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		h.fail(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", storage.ContentType(path))
	w.Header().Set("Content-Range", br.ContentRange())
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if r.Method == http.MethodHead {
		return
	}
	n, err := io.CopyN(w, f, br.Length)
	metrics.StreamBytes.Add(float64(n))
	if err != nil {
		h.log.WarnContext(ctx, "Stream interrupted", "videoId", videoID, "sent", n, "error", err)
	}
	span.SetAttributes(
		attribute.Int64("stream.start", br.Start),
		attribute.Int64("stream.bytes", n),
	)
}

// StatusFor maps pipeline errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, models.ErrInvalidJobID),
		errors.Is(err, models.ErrMissingJobID),
		errors.Is(err, models.ErrMissingVideoID),
		errors.Is(err, models.ErrUnsupportedFile),
		errors.Is(err, models.ErrPathOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrVideoNotFound),
		errors.Is(err, models.ErrMetadataNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrLocked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "Failed to stream video", "error", err)
	} else {
		msg = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
