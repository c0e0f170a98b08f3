package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/clip-pipeline/internal/assets"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/lockfile"
	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

type writeRunner struct{}

func (writeRunner) Run(ctx context.Context, op string, args ...string) error {
	return os.WriteFile(args[len(args)-1], []byte(op), 0o644)
}

const probeJSON = `{"streams":[{"index":0,"codec_type":"video","codec_name":"h264","duration":"10.0","width":1280,"height":720,"r_frame_rate":"30/1"}]}`

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths = config.PathsConfig{
		DataDir:      filepath.Join(root, "data"),
		VideoDir:     filepath.Join(root, "videos"),
		ProcessedDir: filepath.Join(root, "processed"),
	}
	cfg.Database = config.DatabaseConfig{Store: config.StoreMemory, JobStore: config.StoreMemory}
	cfg.Worker.PoolSize = 1
	cfg.Media.ThumbnailLocation = 50
	cfg.Media.ProbeRetryInterval = time.Millisecond
	cfg.App = config.AppConfig{DefaultPrivate: true, Extensions: config.DefaultExtensions}
	require.NoError(t, os.MkdirAll(cfg.Paths.VideoDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.DataDir, 0o755))
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, logger.Discard(), Options{
		Runner: writeRunner{},
		ProbeCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte(probeJSON), nil
		},
	})
	require.NoError(t, err)
	return a
}

func TestNew_MemoryPipelineProcessesIngest(t *testing.T) {
	cfg := memoryConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.VideoDir, "clip.mp4"), []byte("frames"), 0o644))

	res, err := a.Service.IngestFile(ctx, "clip.mp4", models.IngestHints{Game: "Halo"})
	require.NoError(t, err)
	require.True(t, res.Created)

	// Close drains the pool, so the job has finished afterwards.
	require.NoError(t, a.Close(ctx))

	job, err := a.Tracker.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, models.ProgressDone, job.Progress)
	assert.True(t, assets.Exists(a.Layout.DerivedPath(res.VideoID), assets.PosterName))
	assert.True(t, a.Linker.Resolves(res.VideoID+".mp4"))
}

func TestNew_UnreachableDatabase(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Database = config.DatabaseConfig{Store: config.StorePostgres, URL: "postgres://127.0.0.1:1/none?connect_timeout=1"}

	_, err := New(context.Background(), cfg, logger.Discard(), Options{})
	assert.Error(t, err)
}

func TestScheduledImport_SkipsWhenLocked(t *testing.T) {
	cfg := memoryConfig(t)
	a := newTestApp(t, cfg)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.VideoDir, "clip.mp4"), []byte("frames"), 0o644))

	held, err := lockfile.Acquire(cfg.Paths.DataDir)
	require.NoError(t, err)
	a.scheduledImport(context.Background())

	videos, err := a.Store.ListVideos(context.Background())
	require.NoError(t, err)
	assert.Empty(t, videos, "import must not run while the lock is held")

	require.NoError(t, held.Release())
	a.scheduledImport(context.Background())

	videos, err = a.Store.ListVideos(context.Background())
	require.NoError(t, err)
	assert.Len(t, videos, 1)
}

func TestRunScheduledImports_StopsOnCancel(t *testing.T) {
	a := newTestApp(t, memoryConfig(t))
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunScheduledImports(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunScheduledImports did not return after cancel")
	}
}
