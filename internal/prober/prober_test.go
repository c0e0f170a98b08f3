package prober

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

const sampleOutput = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
     "r_frame_rate": "60000/1001", "duration": "12.500000"},
    {"index": 1, "codec_type": "audio", "codec_name": "aac"}
  ]
}`

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Raise(key, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "raise")
}

func (s *recordingSink) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "clear")
}

func TestSummarize_DurationPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		stream Stream
		want   float64
	}{
		{"duration field", Stream{CodecType: "video", Duration: "12.5", Tags: map[string]string{"DURATION": "00:00:30.0"}}, 12.5},
		{"duration tag", Stream{CodecType: "video", Tags: map[string]string{"DURATION": "01:02:03.500000000"}}, 3723.5},
		{"neither", Stream{CodecType: "video", Tags: map[string]string{"ENCODER": "x"}}, 0},
		{"no tags", Stream{CodecType: "video"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Summarize([]Stream{tt.stream})
			if err != nil {
				t.Fatalf("Summarize() error = %v", err)
			}
			if s.Duration != tt.want {
				t.Errorf("Duration = %v, want %v", s.Duration, tt.want)
			}
		})
	}
}

func TestSummarize_NoVideoStream(t *testing.T) {
	_, err := Summarize([]Stream{{CodecType: "audio", CodecName: "aac"}})
	if !errors.Is(err, models.ErrNoVideoStream) {
		t.Errorf("Summarize() error = %v, want %v", err, models.ErrNoVideoStream)
	}
}

func TestSummarize_FirstVideoStreamWins(t *testing.T) {
	s, err := Summarize([]Stream{
		{CodecType: "audio", CodecName: "opus"},
		{CodecType: "video", CodecName: "vp9", Width: 1280, Height: 720, RFrameRate: "30/1"},
		{CodecType: "video", CodecName: "mjpeg", Width: 320, Height: 240},
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Width != 1280 || s.Height != 720 || s.VideoCodec != "vp9" || s.AudioCodec != "opus" || s.FrameRate != 30 {
		t.Errorf("Summarize() = %+v", s)
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"30/1", 30},
		{"30000/1001", 30},
		{"60000/1001", 60},
		{"24000/1001", 24},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"abc/1", 0},
	}

	for _, tt := range tests {
		if got := ParseFrameRate(tt.in); got != tt.want {
			t.Errorf("ParseFrameRate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationTag(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"00:00:10.5", 10.5},
		{"01:00:00", 3600},
		{"02:30", 150},
		{"42.25", 42.25},
		{"", 0},
		{"aa:bb:cc", 0},
		{"1:2:3:4", 0},
	}

	for _, tt := range tests {
		if got := ParseDurationTag(tt.in); got != tt.want {
			t.Errorf("ParseDurationTag(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProbe_ParsesOutput(t *testing.T) {
	var gotArgs []string
	p := New(Config{
		Logger: logger.Discard(),
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotArgs = append([]string{name}, args...)
			return []byte(sampleOutput), nil
		},
	})

	res, err := p.Probe(context.Background(), "/videos/a.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if len(res.Streams) != 2 {
		t.Fatalf("len(Streams) = %d, want 2", len(res.Streams))
	}
	if len(res.Raw) == 0 || res.Raw[0] != '[' {
		t.Errorf("Raw = %s, want a JSON array", res.Raw)
	}
	if gotArgs[0] != "ffprobe" || gotArgs[len(gotArgs)-1] != "/videos/a.mp4" {
		t.Errorf("command = %v", gotArgs)
	}

	s, _ := Summarize(res.Streams)
	if s.FrameRate != 60 || s.Duration != 12.5 {
		t.Errorf("Summarize() = %+v", s)
	}
}

func TestProbeUntilReady_RetriesAndClearsWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.mkv")
	if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	calls := 0
	p := New(Config{
		RetryInterval: time.Millisecond,
		Logger:        logger.Discard(),
		Sink:          sink,
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("exit status 1")
			}
			return []byte(sampleOutput), nil
		},
	})

	res, err := p.ProbeUntilReady(context.Background(), path)
	if err != nil {
		t.Fatalf("ProbeUntilReady() error = %v", err)
	}
	if res == nil || calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || sink.events[0] != "raise" || sink.events[1] != "clear" {
		t.Errorf("sink events = %v, want [raise clear]", sink.events)
	}
}

func TestProbeUntilReady_NoWarningOnFirstSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	p := New(Config{
		Logger: logger.Discard(),
		Sink:   sink,
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte(sampleOutput), nil
		},
	})

	if _, err := p.ProbeUntilReady(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if len(sink.events) != 0 {
		t.Errorf("sink events = %v, want none", sink.events)
	}
}

func TestProbeUntilReady_MissingFile(t *testing.T) {
	p := New(Config{Logger: logger.Discard()})

	_, err := p.ProbeUntilReady(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"))
	if !errors.Is(err, models.ErrProbeFailed) {
		t.Errorf("ProbeUntilReady() error = %v, want %v", err, models.ErrProbeFailed)
	}
}

func TestProbeUntilReady_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{
		RetryInterval: time.Millisecond,
		Logger:        logger.Discard(),
		Run: func(context.Context, string, ...string) ([]byte, error) {
			cancel()
			return nil, errors.New("exit status 1")
		},
	})

	_, err := p.ProbeUntilReady(ctx, path)
	if !errors.Is(err, models.ErrContextCanceled) {
		t.Errorf("ProbeUntilReady() error = %v, want %v", err, models.ErrContextCanceled)
	}
}
