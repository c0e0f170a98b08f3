// Package cli implements clipctl, the operator command line for the clip
// pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amillerrr/clip-pipeline/internal/app"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// DrainTimeout bounds waiting for queued processing before exit.
const DrainTimeout = 30 * time.Minute

// Env supplies the command dependencies.
type Env struct {
	LoadConfig func() (*config.Config, error)
	Open       func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app.App, error)
	Logger     func(cfg *config.Config) *slog.Logger
}

// DefaultEnv reads configuration from the environment and runs the real
// ffmpeg and ffprobe binaries.
func DefaultEnv() Env {
	return Env{
		LoadConfig: config.LoadCLI,
		Open: func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app.App, error) {
			return app.New(ctx, cfg, log, app.Options{})
		},
		Logger: func(cfg *config.Config) *slog.Logger {
			return logger.NewWithWriter(os.Stderr, cfg.Observability.LogLevel)
		},
	}
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

// NewRootCommand builds the clipctl command tree.
func NewRootCommand(env Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "clipctl",
		Short:         "Operate the clip ingest pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	r := &runner{env: env}
	root.AddCommand(
		r.scanAllCmd(),
		r.scanOneCmd(),
		r.syncMetadataCmd(),
		r.generatePostersCmd(),
		r.generatePreviewsCmd(),
		r.bulkImportCmd(),
		r.repairLinksCmd(),
		r.createWebVideosCmd(),
		r.issueTokenCmd(),
		r.migrateCmd(),
	)
	return root
}

// Execute runs clipctl and exits non-zero on failure.
func Execute() {
	_ = godotenv.Load()

	root := NewRootCommand(DefaultEnv())
	if err := root.Execute(); err != nil {
		report(root.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func report(w io.Writer, err error) {
	if errors.Is(err, models.ErrLocked) {
		errColor.Fprintln(w, "Another scan is already running.")
		warnColor.Fprintln(w, err.Error())
		return
	}
	errColor.Fprintf(w, "Error: %v\n", err)
}

type runner struct {
	env Env
}

// withApp loads configuration, builds the pipeline, runs fn and drains any
// processing fn queued before returning.
func (r *runner) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := r.env.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := r.env.Open(ctx, cfg, r.env.Logger(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	runErr := fn(ctx, a)

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	if err := a.Close(drainCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
