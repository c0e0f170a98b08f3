package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

func TestMemory_BackfillKeepsExisting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	orig := time.Unix(100, 0)

	if err := m.CreateVideo(ctx, &models.VideoRecord{VideoID: "a", CreatedAt: &orig}, nil); err != nil {
		t.Fatal(err)
	}
	later := time.Unix(500, 0)
	if err := m.BackfillTimestamps(ctx, "a", later, later); err != nil {
		t.Fatal(err)
	}

	v, _ := m.GetVideo(ctx, "a")
	if !v.CreatedAt.Equal(orig) {
		t.Errorf("CreatedAt = %v, want %v", v.CreatedAt, orig)
	}
	if v.UpdatedAt == nil || !v.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", v.UpdatedAt, later)
	}
}

func TestMemory_CreateVideoTwice(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.CreateVideo(ctx, &models.VideoRecord{VideoID: "a"}, nil)
	if err := m.CreateVideo(ctx, &models.VideoRecord{VideoID: "a"}, nil); !errors.Is(err, models.ErrVideoExists) {
		t.Errorf("CreateVideo() error = %v, want %v", err, models.ErrVideoExists)
	}
}

func TestMemory_ListUnprobed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = m.CreateVideo(ctx, &models.VideoRecord{VideoID: id, Available: id != "c"}, &models.VideoMetadata{VideoID: id})
	}
	_ = m.UpdateProbe(ctx, "a", 10, 1920, 1080, json.RawMessage(`[{}]`))

	got, _ := m.ListUnprobed(ctx)
	if len(got) != 1 || got[0].VideoID != "b" {
		t.Errorf("ListUnprobed() = %+v, want only b", got)
	}
}

func TestMemory_FindOrCreateBySlug(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, _ := m.FindOrCreateTag(ctx, "Clutch Plays")
	b, _ := m.FindOrCreateTag(ctx, "clutch---plays!")
	if a.ID != b.ID {
		t.Errorf("tags %d and %d differ, want same slug to resolve to one tag", a.ID, b.ID)
	}
	if b.Name != "Clutch Plays" {
		t.Errorf("Name = %q, want first-seen name", b.Name)
	}
}

func TestMemory_UpdateJobChecksStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := &models.ProcessingJob{ID: "j", VideoID: "a", Status: models.JobQueued}
	_ = m.CreateJob(ctx, job)

	next := *job
	next.Status = models.JobProcessing
	if err := m.UpdateJob(ctx, &next, models.JobQueued); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateJob(ctx, &next, models.JobQueued); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("stale UpdateJob() error = %v, want %v", err, models.ErrInvalidTransition)
	}
}

func TestMemory_LatestJobForVideo(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	_ = m.CreateJob(ctx, &models.ProcessingJob{ID: "old", VideoID: "a", CreatedAt: base})
	_ = m.CreateJob(ctx, &models.ProcessingJob{ID: "new", VideoID: "a", CreatedAt: base.Add(time.Second)})
	_ = m.CreateJob(ctx, &models.ProcessingJob{ID: "other", VideoID: "b", CreatedAt: base.Add(time.Hour)})

	j, err := m.LatestJobForVideo(ctx, "a")
	if err != nil || j.ID != "new" {
		t.Errorf("LatestJobForVideo() = %v, %v, want new", j, err)
	}
	if _, err := m.LatestJobForVideo(ctx, "z"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("LatestJobForVideo() unknown error = %v", err)
	}
}
