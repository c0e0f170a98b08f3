package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/amillerrr/clip-pipeline/internal/app"
	"github.com/amillerrr/clip-pipeline/internal/auth"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/ingest"
	"github.com/amillerrr/clip-pipeline/internal/lockfile"
	"github.com/amillerrr/clip-pipeline/internal/pipeline"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

func printScan(w io.Writer, rep *ingest.ScanReport) {
	okColor.Fprintf(w, "Scanned %d files in %s\n", rep.Files, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  created %d, duplicates %d, backfilled %d, linked %d, unavailable %d\n",
		rep.Created, rep.Duplicates, rep.Backfilled, rep.Linked, rep.Unavailable)
	if rep.Errors > 0 {
		warnColor.Fprintf(w, "  %d files failed, see logs\n", rep.Errors)
	}
}

func printBatch(w io.Writer, what string, rep *pipeline.BatchReport) {
	if rep == nil {
		return
	}
	okColor.Fprintf(w, "%s: checked %d, created %d, skipped %d\n", what, rep.Checked, rep.Created, rep.Skipped)
	if rep.Errors > 0 {
		warnColor.Fprintf(w, "  %d failed, see logs\n", rep.Errors)
	}
}

func (r *runner) scanAllCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "scan-all",
		Short: "Record every video under the video directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				lock, err := lockfile.Acquire(a.Config.Paths.DataDir)
				if err != nil {
					return err
				}
				defer lock.Release()

				rep, err := a.Service.ScanAll(ctx, root)
				if err != nil {
					return err
				}
				printScan(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "directory below the video directory to scan")
	return cmd
}

func (r *runner) scanOneCmd() *cobra.Command {
	var (
		path    string
		game    string
		tags    string
		ownerID int64
	)
	cmd := &cobra.Command{
		Use:   "scan-one",
		Short: "Record one video and process it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hints := models.IngestHints{Game: game, Tags: models.ParseTags(tags)}
			if cmd.Flags().Changed("owner-id") {
				hints.OwnerID = &ownerID
			}
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.IngestFile(ctx, path, hints)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if res.Created {
					okColor.Fprintf(w, "Recorded %s, job %s\n", res.VideoID, res.JobID)
				} else {
					warnColor.Fprintf(w, "Already recorded as %s\n", res.VideoID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "video file, relative to the video directory")
	cmd.Flags().StringVar(&game, "game", "", "game name")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated tag names")
	cmd.Flags().Int64Var(&ownerID, "owner-id", 0, "owning user id")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func (r *runner) syncMetadataCmd() *cobra.Command {
	var videoID string
	cmd := &cobra.Command{
		Use:   "sync-metadata",
		Short: "Probe videos that have no stream metadata yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Service.SyncMetadata(ctx, videoID)
				printBatch(cmd.OutOrStdout(), "Metadata", rep)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&videoID, "video", "", "re-probe a single video id")
	return cmd
}

func (r *runner) generatePostersCmd() *cobra.Command {
	var (
		regenerate bool
		fraction   float64
	)
	cmd := &cobra.Command{
		Use:   "generate-posters",
		Short: "Create poster images for available videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fraction < 0 || fraction > 1 {
				return fmt.Errorf("--skip-fraction must be between 0 and 1, got %v", fraction)
			}
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				f := fraction
				if !cmd.Flags().Changed("skip-fraction") {
					f = a.Config.ThumbnailFraction()
				}
				rep, err := a.Service.GeneratePosters(ctx, regenerate, f)
				printBatch(cmd.OutOrStdout(), "Posters", rep)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "replace existing posters")
	cmd.Flags().Float64Var(&fraction, "skip-fraction", 0, "poster offset as a fraction of duration")
	return cmd
}

func (r *runner) generatePreviewsCmd() *cobra.Command {
	var regenerate bool
	cmd := &cobra.Command{
		Use:   "generate-previews",
		Short: "Create looping previews for available videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Service.GeneratePreviews(ctx, regenerate)
				printBatch(cmd.OutOrStdout(), "Previews", rep)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "replace existing previews")
	return cmd
}

func (r *runner) bulkImportCmd() *cobra.Command {
	var (
		root    string
		autoTag bool
	)
	cmd := &cobra.Command{
		Use:   "bulk-import",
		Short: "Scan, probe and create assets for every video",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Service.BulkImport(ctx, pipeline.BulkOptions{
					Subdir:   root,
					AutoTag:  autoTag,
					Fraction: a.Config.ThumbnailFraction(),
				})
				if rep == nil {
					return err
				}
				w := cmd.OutOrStdout()
				if rep.Scan != nil {
					printScan(w, rep.Scan)
				}
				printBatch(w, "Metadata", rep.Metadata)
				printBatch(w, "Posters", rep.Posters)
				printBatch(w, "Previews", rep.Previews)
				printBatch(w, "Tags", rep.Tags)

				steps := make([]string, 0, len(rep.Timing))
				for name := range rep.Timing {
					steps = append(steps, name)
				}
				sort.Strings(steps)
				for _, name := range steps {
					fmt.Fprintf(w, "  %-16s %s\n", name, rep.Timing[name].Round(time.Millisecond))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "directory below the video directory to scan")
	cmd.Flags().BoolVar(&autoTag, "auto-tag", false, "tag videos with their folder name")
	return cmd
}

func (r *runner) repairLinksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-links",
		Short: "Recreate missing or stale links in the served directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Service.RepairLinks(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				okColor.Fprintf(w, "Links: checked %d, created %d, replaced %d\n", rep.Checked, rep.Created, rep.Replaced)
				if rep.Errors > 0 {
					warnColor.Fprintf(w, "  %d failed, see logs\n", rep.Errors)
				}
				return nil
			})
		},
	}
}

func (r *runner) createWebVideosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-web-videos",
		Short: "Transcode mkv videos into browser playable mp4 variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Service.CreateWebVariants(ctx)
				printBatch(cmd.OutOrStdout(), "Web videos", rep)
				return err
			})
		},
	}
}

func (r *runner) issueTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a service token for calling the ingest endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.env.LoadConfig()
			if err != nil {
				return err
			}
			secret, err := cfg.GetJWTSecret()
			if err != nil {
				return err
			}
			svc, err := auth.NewJWTService(secret)
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "crud-service", "calling service name")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

func (r *runner) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.env.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Store != config.StorePostgres {
				warnColor.Fprintf(cmd.OutOrStdout(), "Store %q has no schema to migrate\n", cfg.Database.Store)
				return nil
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := storage.OpenPostgres(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.EnsureSchema(ctx, db); err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}
