package assets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// fakeRunner writes a small file to the last argument, like ffmpeg would.
type fakeRunner struct {
	calls []fakeCall
	err   error
}

type fakeCall struct {
	op   string
	args []string
}

func (f *fakeRunner) Run(ctx context.Context, op string, args ...string) error {
	f.calls = append(f.calls, fakeCall{op: op, args: args})
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(args[len(args)-1], []byte(op), 0o644)
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestPosterOffset(t *testing.T) {
	tests := []struct {
		duration, fraction float64
		want               int
	}{
		{100, 0.1, 10},
		{59.9, 0.5, 29},
		{100, 0, 0},
		{0, 0.5, 0},
		{100, 1.5, 0},
		{-1, 0.5, 0},
	}

	for _, tt := range tests {
		if got := PosterOffset(tt.duration, tt.fraction); got != tt.want {
			t.Errorf("PosterOffset(%v, %v) = %d, want %d", tt.duration, tt.fraction, got, tt.want)
		}
	}
}

func TestPoster_Idempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "derived", "abc")
	runner := &fakeRunner{}
	g := NewGenerator(runner, logger.Discard())
	ctx := context.Background()

	created, err := g.Poster(ctx, "/links/abc.mp4", dir, 7, false)
	if err != nil {
		t.Fatalf("Poster() error = %v", err)
	}
	if !created {
		t.Fatal("Poster() created = false on first call")
	}
	if got := argAfter(runner.calls[0].args, "-ss"); got != "7" {
		t.Errorf("-ss = %q, want 7", got)
	}

	posterPath := filepath.Join(dir, PosterName)
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(posterPath, old, old); err != nil {
		t.Fatal(err)
	}

	created, err = g.Poster(ctx, "/links/abc.mp4", dir, 7, false)
	if err != nil {
		t.Fatalf("Poster() second call error = %v", err)
	}
	if created {
		t.Error("Poster() created = true on second call without regenerate")
	}
	info, _ := os.Stat(posterPath)
	if !info.ModTime().Equal(old) {
		t.Errorf("poster mtime changed to %v, want %v", info.ModTime(), old)
	}
	if len(runner.calls) != 1 {
		t.Errorf("runner calls = %d, want 1", len(runner.calls))
	}

	created, err = g.Poster(ctx, "/links/abc.mp4", dir, 7, true)
	if err != nil {
		t.Fatalf("Poster() regenerate error = %v", err)
	}
	if !created || len(runner.calls) != 2 {
		t.Errorf("Poster() regenerate created = %v, calls = %d", created, len(runner.calls))
	}
	info, _ = os.Stat(posterPath)
	if info.ModTime().Equal(old) {
		t.Error("poster mtime unchanged after regenerate")
	}
}

func TestPreview_WritesLoopClip(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	g := NewGenerator(runner, logger.Discard())

	created, err := g.Preview(context.Background(), "/links/abc.mkv", dir, 60, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if !created || !Exists(dir, PreviewName) {
		t.Fatal("Preview() did not create preview-loop.webm")
	}

	args := runner.calls[0].args
	if got := argAfter(args, "-ss"); got != "15.00" {
		t.Errorf("-ss = %q, want 15.00", got)
	}
	if argAfter(args, "-filter_complex") == "" {
		t.Error("missing -filter_complex")
	}
}

func TestProduce_FailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(&fakeRunner{err: errors.New("boom")}, logger.Discard())

	_, err := g.Poster(context.Background(), "/links/x.mp4", dir, 0, false)
	if !errors.Is(err, models.ErrAssetFailed) {
		t.Errorf("Poster() error = %v, want %v", err, models.ErrAssetFailed)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dir has %d entries after failure, want 0", len(entries))
	}
}

// silentRunner succeeds without writing anything.
type silentRunner struct{}

func (silentRunner) Run(ctx context.Context, op string, args ...string) error { return nil }

func TestProduce_EmptyOutputFails(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(silentRunner{}, logger.Discard())

	_, err := g.Preview(context.Background(), "/links/x.mp4", dir, 10, false)
	if !errors.Is(err, models.ErrAssetFailed) {
		t.Errorf("Preview() error = %v, want %v", err, models.ErrAssetFailed)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dir has %d entries after empty output, want 0", len(entries))
	}
}

func TestProduce_RunsUseSeparateTempFiles(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	g := NewGenerator(runner, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Preview(ctx, "/links/abc.mp4", dir, 10, true); err != nil {
			t.Fatalf("Preview() error = %v", err)
		}
	}

	first := runner.calls[0].args[len(runner.calls[0].args)-1]
	second := runner.calls[1].args[len(runner.calls[1].args)-1]
	if first == second {
		t.Errorf("both runs wrote to %s", first)
	}
	for _, out := range []string{first, second} {
		if filepath.Dir(out) != dir || filepath.Ext(out) != ".webm" {
			t.Errorf("temp output %s, want a .webm in %s", out, dir)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != PreviewName {
		t.Errorf("dir entries = %v, want only %s", entries, PreviewName)
	}
}

func TestWebVariant(t *testing.T) {
	out := filepath.Join(t.TempDir(), "abc", "abc-1.mp4")
	runner := &fakeRunner{}
	g := NewGenerator(runner, logger.Discard())

	created, err := g.WebVariant(context.Background(), "/links/abc.mkv", out)
	if err != nil || !created {
		t.Fatalf("WebVariant() = %v, %v", created, err)
	}
	created, err = g.WebVariant(context.Background(), "/links/abc.mkv", out)
	if err != nil || created {
		t.Errorf("WebVariant() second call = %v, %v, want skip", created, err)
	}
}
