package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Memory is an in-process Store and JobStore, used by tests and by STORE=memory.
type Memory struct {
	mu        sync.RWMutex
	videos    map[string]models.VideoRecord
	meta      map[string]models.VideoMetadata
	games     map[string]models.Game
	tags      map[string]models.Tag
	videoTags map[string]map[int64]struct{}
	jobs      map[string]models.ProcessingJob
	nextID    int64
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		videos:    make(map[string]models.VideoRecord),
		meta:      make(map[string]models.VideoMetadata),
		games:     make(map[string]models.Game),
		tags:      make(map[string]models.Tag),
		videoTags: make(map[string]map[int64]struct{}),
		jobs:      make(map[string]models.ProcessingJob),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) GetVideo(ctx context.Context, videoID string) (*models.VideoRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID)
	}
	return &v, nil
}

func (m *Memory) listVideos(filter func(models.VideoRecord) bool) []models.VideoRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.VideoRecord, 0, len(m.videos))
	for _, v := range m.videos {
		if filter(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Memory) ListVideos(ctx context.Context) ([]models.VideoRecord, error) {
	return m.listVideos(func(models.VideoRecord) bool { return true }), nil
}

func (m *Memory) ListAvailableVideos(ctx context.Context) ([]models.VideoRecord, error) {
	return m.listVideos(func(v models.VideoRecord) bool { return v.Available }), nil
}

func (m *Memory) CreateVideo(ctx context.Context, video *models.VideoRecord, meta *models.VideoMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.videos[video.VideoID]; ok {
		return fmt.Errorf("%w: %s", models.ErrVideoExists, video.VideoID)
	}
	m.videos[video.VideoID] = *video
	if meta != nil {
		m.meta[video.VideoID] = *meta
	}
	return nil
}

func (m *Memory) update(videoID string, fn func(v *models.VideoRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID)
	}
	fn(&v)
	m.videos[videoID] = v
	return nil
}

func (m *Memory) SetAvailable(ctx context.Context, videoID string, available bool) error {
	return m.update(videoID, func(v *models.VideoRecord) { v.Available = available })
}

func (m *Memory) BackfillTimestamps(ctx context.Context, videoID string, createdAt, updatedAt time.Time) error {
	return m.update(videoID, func(v *models.VideoRecord) {
		if v.CreatedAt == nil {
			v.CreatedAt = &createdAt
		}
		if v.UpdatedAt == nil {
			v.UpdatedAt = &updatedAt
		}
	})
}

func (m *Memory) SetOwner(ctx context.Context, videoID string, ownerID int64) error {
	return m.update(videoID, func(v *models.VideoRecord) { v.OwnerID = &ownerID })
}

func (m *Memory) SetGame(ctx context.Context, videoID string, gameID int64) error {
	return m.update(videoID, func(v *models.VideoRecord) { v.GameID = &gameID })
}

func (m *Memory) GetMetadata(ctx context.Context, videoID string) (*models.VideoMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.meta[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrMetadataNotFound, videoID)
	}
	return &md, nil
}

func (m *Memory) ListMetadata(ctx context.Context) ([]models.VideoMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.VideoMetadata, 0, len(m.meta))
	for _, md := range m.meta {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out, nil
}

func (m *Memory) ListUnprobed(ctx context.Context) ([]models.VideoMetadata, error) {
	all, _ := m.ListMetadata(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := all[:0]
	for _, md := range all {
		if !md.Probed() && m.videos[md.VideoID].Available {
			out = append(out, md)
		}
	}
	return out, nil
}

func (m *Memory) UpdateProbe(ctx context.Context, videoID string, duration float64, width, height int, info json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.meta[videoID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrMetadataNotFound, videoID)
	}
	md.Duration = duration
	md.Width = width
	md.Height = height
	md.Info = append(json.RawMessage(nil), info...)
	m.meta[videoID] = md
	return nil
}

func (m *Memory) FindOrCreateGame(ctx context.Context, name string) (*models.Game, error) {
	slug := models.Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("empty game name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.games[slug]; ok {
		return &g, nil
	}
	m.nextID++
	g := models.Game{ID: m.nextID, Name: strings.TrimSpace(name), Slug: slug}
	m.games[slug] = g
	return &g, nil
}

func (m *Memory) FindOrCreateTag(ctx context.Context, name string) (*models.Tag, error) {
	slug := models.Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("empty tag name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tags[slug]; ok {
		return &t, nil
	}
	m.nextID++
	t := models.Tag{ID: m.nextID, Name: strings.TrimSpace(name), Slug: slug}
	m.tags[slug] = t
	return &t, nil
}

func (m *Memory) AttachTag(ctx context.Context, videoID string, tagID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.videos[videoID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID)
	}
	set, ok := m.videoTags[videoID]
	if !ok {
		set = make(map[int64]struct{})
		m.videoTags[videoID] = set
	}
	set[tagID] = struct{}{}
	return nil
}

func (m *Memory) VideoTags(ctx context.Context, videoID string) ([]models.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Tag
	for _, t := range m.tags {
		if _, ok := m.videoTags[videoID][t.ID]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return &j, nil
}

func (m *Memory) LatestJobForVideo(ctx context.Context, videoID string) (*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.ProcessingJob
	for _, j := range m.jobs {
		if j.VideoID != videoID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			j := j
			latest = &j
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no job for video %s", models.ErrJobNotFound, videoID)
	}
	return latest, nil
}

func (m *Memory) UpdateJob(ctx context.Context, job *models.ProcessingJob, from models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, job.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: stored status is %s, not %s", models.ErrInvalidTransition, cur.Status, from)
	}
	m.jobs[job.ID] = *job
	return nil
}

var (
	_ Store    = (*Memory)(nil)
	_ JobStore = (*Memory)(nil)
)
