package assets

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/internal/metrics"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

var tracer = otel.Tracer("clip-pipeline/assets")

// stderrTail is how many trailing stderr lines are kept for error messages.
const stderrTail = 5

// Runner executes one transcoding operation.
type Runner interface {
	Run(ctx context.Context, op string, args ...string) error
}

// FFmpeg runs the ffmpeg binary.
type FFmpeg struct {
	Binary string
	Logger *slog.Logger
}

// NewFFmpeg creates an FFmpeg runner.
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary, Logger: logger}
}

// Run executes ffmpeg with args, streaming stderr into the log.
func (f *FFmpeg) Run(ctx context.Context, op string, args ...string) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-"+op)
	defer span.End()
	span.SetAttributes(attribute.String("ffmpeg.operation", op))

	start := time.Now()
	defer func() {
		metrics.FFmpegDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	cmd := exec.CommandContext(ctx, f.Binary, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start ffmpeg: %v", models.ErrFFmpegFailed, err)
	}

	var wg sync.WaitGroup
	var tail []string
	wg.Add(2)

	go func() {
		defer wg.Done()
		tail = f.monitorOutput(ctx, stderrPipe)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	wg.Wait()
	cmdErr := cmd.Wait()

	if cmdErr != nil {
		span.RecordError(cmdErr)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: context canceled", models.ErrFFmpegFailed)
		}
		if len(tail) > 0 {
			return fmt.Errorf("%w: %v: %s", models.ErrFFmpegFailed, cmdErr, strings.Join(tail, " | "))
		}
		return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, cmdErr)
	}

	return nil
}

// monitorOutput logs ffmpeg output and returns the last few lines.
func (f *FFmpeg) monitorOutput(ctx context.Context, r io.Reader) []string {
	var tail []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(tail) == stderrTail {
			tail = tail[1:]
		}
		tail = append(tail, line)

		if f.Logger == nil {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			f.Logger.DebugContext(ctx, "FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			f.Logger.WarnContext(ctx, "FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil && f.Logger != nil {
		f.Logger.WarnContext(ctx, "FFmpeg output scanner error", "error", err)
	}
	return tail
}
