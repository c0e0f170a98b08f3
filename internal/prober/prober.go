// Package prober extracts stream metadata from video files with ffprobe.
package prober

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/diagnostics"
	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// CorruptVideoWarning is surfaced to operators while a file keeps failing to probe.
const CorruptVideoWarning = "There may be a corrupt video in your video directory. See your logs for more info!"

// DefaultRetryInterval is the wait between probe attempts.
const DefaultRetryInterval = 60 * time.Second

var tracer = otel.Tracer("clip-pipeline/prober")

// CommandFunc runs an external command and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand runs the command with os/exec.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Config holds prober configuration.
type Config struct {
	Binary        string
	RetryInterval time.Duration
	Logger        *slog.Logger
	Sink          diagnostics.Sink
	Run           CommandFunc
}

// Prober runs ffprobe against video files.
type Prober struct {
	binary   string
	interval time.Duration
	log      *slog.Logger
	sink     diagnostics.Sink
	run      CommandFunc
}

// New creates a Prober, filling unset fields with defaults.
func New(cfg Config) *Prober {
	p := &Prober{
		binary:   cfg.Binary,
		interval: cfg.RetryInterval,
		log:      cfg.Logger,
		sink:     cfg.Sink,
		run:      cfg.Run,
	}
	if p.binary == "" {
		p.binary = "ffprobe"
	}
	if p.interval <= 0 {
		p.interval = DefaultRetryInterval
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.sink == nil {
		p.sink = diagnostics.Discard{}
	}
	if p.run == nil {
		p.run = ExecCommand
	}
	return p
}

// Result is the parsed output of one probe.
type Result struct {
	Streams []Stream
	// Raw is the JSON encoding of the stream list, stored verbatim as metadata info.
	Raw json.RawMessage
}

type probeOutput struct {
	Streams []json.RawMessage `json:"streams"`
}

// Probe runs ffprobe once.
func (p *Prober) Probe(ctx context.Context, path string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()
	span.SetAttributes(attribute.String("video.path", path))

	out, err := p.run(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		path,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	return Parse(out)
}

// Parse decodes ffprobe -show_streams JSON output.
func Parse(out []byte) (*Result, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}
	if len(po.Streams) == 0 {
		return nil, fmt.Errorf("%w: no streams reported", models.ErrProbeFailed)
	}

	streams := make([]Stream, len(po.Streams))
	for i, raw := range po.Streams {
		if err := json.Unmarshal(raw, &streams[i]); err != nil {
			return nil, fmt.Errorf("%w: stream %d: %v", models.ErrProbeFailed, i, err)
		}
	}

	raw, err := json.Marshal(po.Streams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	return &Result{Streams: streams, Raw: raw}, nil
}

// ProbeUntilReady probes path until it succeeds or ctx ends. Files still being
// written or corrupt containers fail transiently; while that lasts an operator
// warning is raised on the sink and it is cleared once a probe succeeds.
func (p *Prober) ProbeUntilReady(ctx context.Context, path string) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	key := diagnostics.KeyCorruptVideo + ":" + path
	raised := false

	op := func() (*Result, error) {
		res, err := p.Probe(ctx, path)
		if err != nil {
			if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
				return nil, backoff.Permanent(fmt.Errorf("%w: %v", models.ErrProbeFailed, statErr))
			}
			return nil, err
		}
		return res, nil
	}

	notify := func(err error, next time.Duration) {
		metrics.ProbeRetries.Inc()
		if !raised {
			p.sink.Raise(key, CorruptVideoWarning)
			raised = true
		}
		p.log.WarnContext(ctx, "There may be a corrupt file in your video directory, or it is still being written",
			"path", path,
			"error", err,
		)
		p.log.WarnContext(ctx, "To find the offending file run: stat "+path)
		p.log.WarnContext(ctx, "Retrying probe", "path", path, "retryIn", next.String())
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.interval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrContextCanceled, err)
		}
		return nil, err
	}

	if raised {
		p.sink.Clear(key)
	}
	return res, nil
}
