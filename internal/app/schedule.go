package app

import (
	"context"
	"errors"
	"time"

	"github.com/amillerrr/clip-pipeline/internal/pipeline"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// RunScheduledImports runs a bulk import every interval until ctx is done.
// A run that finds another import holding the lock is skipped.
func (a *App) RunScheduledImports(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		a.Logger.Info("Scheduled imports disabled")
		return
	}
	a.Logger.Info("Scheduled imports enabled", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scheduledImport(ctx)
		}
	}
}

func (a *App) scheduledImport(ctx context.Context) {
	report, err := a.Service.BulkImport(ctx, pipeline.BulkOptions{
		AutoTag:  a.Config.Scan.AutoTag,
		Fraction: a.Config.ThumbnailFraction(),
	})
	switch {
	case errors.Is(err, models.ErrLocked):
		a.Logger.InfoContext(ctx, "Skipping scheduled import, another import is running")
	case err != nil:
		a.Logger.ErrorContext(ctx, "Scheduled import failed", "error", err)
	default:
		a.Logger.InfoContext(ctx, "Scheduled import finished",
			"created", report.Scan.Created,
			"unavailable", report.Scan.Unavailable,
		)
	}
}
