// Package storage persists video records, metadata, categories and jobs.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// VideoStore persists VideoRecords. Records are never deleted by the pipeline.
type VideoStore interface {
	GetVideo(ctx context.Context, videoID string) (*models.VideoRecord, error)
	ListVideos(ctx context.Context) ([]models.VideoRecord, error)
	ListAvailableVideos(ctx context.Context) ([]models.VideoRecord, error)
	// CreateVideo stores a record and its empty metadata in one commit.
	CreateVideo(ctx context.Context, video *models.VideoRecord, meta *models.VideoMetadata) error
	SetAvailable(ctx context.Context, videoID string, available bool) error
	// BackfillTimestamps sets created/updated only where they are null.
	BackfillTimestamps(ctx context.Context, videoID string, createdAt, updatedAt time.Time) error
	SetOwner(ctx context.Context, videoID string, ownerID int64) error
	SetGame(ctx context.Context, videoID string, gameID int64) error
}

// MetadataStore persists VideoMetadata.
type MetadataStore interface {
	GetMetadata(ctx context.Context, videoID string) (*models.VideoMetadata, error)
	ListMetadata(ctx context.Context) ([]models.VideoMetadata, error)
	// ListUnprobed returns metadata of available videos without prober output.
	ListUnprobed(ctx context.Context) ([]models.VideoMetadata, error)
	UpdateProbe(ctx context.Context, videoID string, duration float64, width, height int, info json.RawMessage) error
}

// CategoryStore resolves games and tags by slug.
type CategoryStore interface {
	FindOrCreateGame(ctx context.Context, name string) (*models.Game, error)
	FindOrCreateTag(ctx context.Context, name string) (*models.Tag, error)
	// AttachTag is a no-op when the tag is already attached.
	AttachTag(ctx context.Context, videoID string, tagID int64) error
	VideoTags(ctx context.Context, videoID string) ([]models.Tag, error)
}

// JobStore persists ProcessingJobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	LatestJobForVideo(ctx context.Context, videoID string) (*models.ProcessingJob, error)
	// UpdateJob writes job if its stored status is still from.
	UpdateJob(ctx context.Context, job *models.ProcessingJob, from models.JobStatus) error
}

// Store is the relational side of the pipeline.
type Store interface {
	VideoStore
	MetadataStore
	CategoryStore
	Ping(ctx context.Context) error
}

// DefaultQueryTimeout bounds single store calls made outside a request.
const DefaultQueryTimeout = 10 * time.Second
