package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/assets"
	"github.com/amillerrr/clip-pipeline/internal/auth"
	"github.com/amillerrr/clip-pipeline/internal/contentid"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/internal/pipeline"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/internal/stream"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

var tracer = otel.Tracer("clip-pipeline/api")

// MaxRequestBodySize caps JSON request bodies.
const MaxRequestBodySize = 1 << 20

// Ingester records a single file and schedules its processing.
type Ingester interface {
	IngestFile(ctx context.Context, path string, hints models.IngestHints) (*pipeline.IngestResult, error)
}

// JobReader looks up processing jobs.
type JobReader interface {
	Status(ctx context.Context, rawID string) (*models.ProcessingJob, error)
	LatestForVideo(ctx context.Context, videoID string) (*models.ProcessingJob, error)
}

// Streamer serves byte ranges of a video.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, videoID, subid string)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	log      *slog.Logger
	ingester Ingester
	jobs     JobReader
	videos   storage.VideoStore
	streamer Streamer
	layout   linker.Layout
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Logger   *slog.Logger
	Ingester Ingester
	Jobs     JobReader
	Videos   storage.VideoStore
	Streamer Streamer
	Layout   linker.Layout
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		log:      log,
		ingester: cfg.Ingester,
		jobs:     cfg.Jobs,
		videos:   cfg.Videos,
		streamer: cfg.Streamer,
		layout:   cfg.Layout,
	}
}

func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeFailure maps err onto a status code. Internal errors are logged and
// their text is not sent to the client.
func (h *Handlers) writeFailure(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	status := stream.StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, msg, "error", err)
		h.writeError(ctx, w, status, msg)
		return
	}
	h.writeError(ctx, w, status, err.Error())
}

// IngestRequest is the body of POST /api/ingest.
type IngestRequest struct {
	Path    string   `json:"path"`
	Game    string   `json:"game,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	OwnerID *int64   `json:"ownerId,omitempty"`
}

// IngestHandler records one file and queues its processing.
func (h *Handlers) IngestHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(r.Context(), "ingest-request")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "path is required")
		return
	}

	caller := ""
	if claims, ok := auth.GetClaimsFromContext(ctx); ok {
		caller = claims.Subject
	}

	hints := models.IngestHints{Game: strings.TrimSpace(req.Game), Tags: req.Tags, OwnerID: req.OwnerID}
	res, err := h.ingester.IngestFile(ctx, req.Path, hints)
	if err != nil {
		span.RecordError(err)
		h.writeFailure(ctx, w, err, "Failed to ingest file")
		return
	}

	metrics.IngestsAccepted.Inc()
	span.SetAttributes(attribute.String("video.id", res.VideoID))
	h.log.InfoContext(ctx, "Ingest accepted",
		"requestId", requestID,
		"caller", caller,
		"path", req.Path,
		"videoId", res.VideoID,
		"jobId", res.JobID,
		"created", res.Created,
	)
	h.writeJSON(ctx, w, http.StatusAccepted, res)
}

// GetJobHandler returns a job by id.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := h.jobs.Status(ctx, mux.Vars(r)["jobID"])
	if err != nil {
		h.writeFailure(ctx, w, err, "Failed to load job")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, job)
}

// GetVideoJobHandler returns the most recent job of a video.
func (h *Handlers) GetVideoJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := mux.Vars(r)["videoID"]
	if !contentid.Valid(videoID) {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid video id")
		return
	}
	job, err := h.jobs.LatestForVideo(ctx, videoID)
	if err != nil {
		h.writeFailure(ctx, w, err, "Failed to load job")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, job)
}

// StreamHandler serves a byte range of a video or of one of its variants.
func (h *Handlers) StreamHandler(w http.ResponseWriter, r *http.Request) {
	h.streamer.Serve(w, r, mux.Vars(r)["videoID"], r.URL.Query().Get("subid"))
}

// PosterHandler serves the poster image once it has been generated.
func (h *Handlers) PosterHandler(w http.ResponseWriter, r *http.Request) {
	h.serveAsset(w, r, assets.PosterName)
}

// PreviewHandler serves the looping preview once it has been generated.
func (h *Handlers) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	h.serveAsset(w, r, assets.PreviewName)
}

func (h *Handlers) serveAsset(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	videoID := mux.Vars(r)["videoID"]
	if !contentid.Valid(videoID) {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid video id")
		return
	}
	if _, err := h.videos.GetVideo(ctx, videoID); err != nil {
		h.writeFailure(ctx, w, err, "Failed to load video")
		return
	}

	path := filepath.Join(h.layout.DerivedPath(videoID), name)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	}
	if err != nil {
		h.writeFailure(ctx, w, err, "Failed to open asset")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeFailure(ctx, w, err, "Failed to open asset")
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
