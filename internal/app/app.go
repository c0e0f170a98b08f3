// Package app assembles the pipeline from configuration. The server, the
// queue worker and the CLI all build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/clip-pipeline/internal/assets"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/diagnostics"
	"github.com/amillerrr/clip-pipeline/internal/idlock"
	"github.com/amillerrr/clip-pipeline/internal/ingest"
	"github.com/amillerrr/clip-pipeline/internal/jobs"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/pipeline"
	"github.com/amillerrr/clip-pipeline/internal/prober"
	"github.com/amillerrr/clip-pipeline/internal/queue"
	"github.com/amillerrr/clip-pipeline/internal/storage"
)

// AWSConfigTimeout bounds loading the shared AWS configuration.
const AWSConfigTimeout = 10 * time.Second

// DiagnosticsBuffer is the number of warning events held before new ones
// are dropped.
const DiagnosticsBuffer = 64

// App holds the wired pipeline.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Jobs      storage.JobStore
	Layout    linker.Layout
	Linker    *linker.Linker
	Engine    *ingest.Engine
	Tracker   *jobs.Tracker
	Processor *pipeline.Processor
	Service   *pipeline.Service
	Board     *diagnostics.Board

	S3Client  *s3.Client
	SQSClient *sqs.Client

	db     *sql.DB
	redis  *redis.Client
	pool   *queue.Pool
	cancel context.CancelFunc
}

// Options adjust how the pipeline is assembled.
type Options struct {
	// Runner replaces the ffmpeg binary.
	Runner assets.Runner
	// ProbeCommand replaces running ffprobe.
	ProbeCommand prober.CommandFunc
}

// New builds the pipeline described by cfg. Processing is dispatched to SQS
// when a queue URL is configured and to an in-process pool otherwise.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if cfg.NeedsAWS() {
		if err := a.initAWS(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.initStores(ctx); err != nil {
		return nil, err
	}

	var locks idlock.Locker = idlock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locks = idlock.NewRedis(a.redis, idlock.DefaultTTL, log)
		log.Info("Using redis video locks", "addr", cfg.Redis.Addr)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	warnings := diagnostics.NewQueue(DiagnosticsBuffer)
	a.Board = diagnostics.NewBoard(log)
	go a.Board.Run(runCtx, warnings)

	a.Layout = linker.Layout{VideoRoot: cfg.Paths.VideoDir, ProcessedRoot: cfg.Paths.ProcessedDir}
	a.Linker = linker.New(a.Layout, log)
	a.Engine = ingest.New(a.Store, a.Linker, ingest.Config{
		Extensions:     cfg.App.Extensions,
		DefaultPrivate: cfg.App.DefaultPrivate,
		Logger:         log,
	})
	a.Tracker = jobs.NewTracker(a.Jobs, log)

	mediaProber := prober.New(prober.Config{
		Binary:        cfg.Media.FFprobePath,
		RetryInterval: cfg.Media.ProbeRetryInterval,
		Logger:        log,
		Sink:          warnings,
		Run:           opts.ProbeCommand,
	})
	runner := opts.Runner
	if runner == nil {
		runner = assets.NewFFmpeg(cfg.Media.FFmpegPath, log)
	}
	generator := assets.NewGenerator(runner, log)

	var mirror pipeline.Mirror
	if a.S3Client != nil && cfg.AWS.ProcessedBucket != "" {
		mirror = storage.NewAssetMirror(a.S3Client, cfg.AWS.ProcessedBucket, log)
	}

	a.Processor = pipeline.NewProcessor(pipeline.ProcessorConfig{
		Store:             a.Store,
		Tracker:           a.Tracker,
		Locks:             locks,
		Linker:            a.Linker,
		Prober:            mediaProber,
		Assets:            generator,
		Mirror:            mirror,
		ThumbnailFraction: cfg.ThumbnailFraction(),
		Logger:            log,
	})

	var dispatcher queue.Dispatcher
	if cfg.UsesQueue() {
		dispatcher = queue.NewSQSQueue(a.SQSClient, cfg.AWS.SQSQueueURL, log)
	} else {
		a.pool, err = queue.NewPool(cfg.Worker.PoolSize, a.Processor.Handle, log)
		if err != nil {
			return nil, err
		}
		dispatcher = a.pool
	}

	a.Service = pipeline.NewService(pipeline.ServiceConfig{
		Store:      a.Store,
		Engine:     a.Engine,
		Processor:  a.Processor,
		Tracker:    a.Tracker,
		Dispatcher: dispatcher,
		Linker:     a.Linker,
		Assets:     generator,
		DataDir:    cfg.Paths.DataDir,
		Logger:     log,
	})
	return a, nil
}

func (a *App) initAWS(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	a.S3Client = s3.NewFromConfig(awsCfg)
	a.SQSClient = sqs.NewFromConfig(awsCfg)
	if a.Config.Database.JobStore == config.StoreDynamoDB {
		a.Jobs, err = storage.NewDynamoJobStore(dynamodb.NewFromConfig(awsCfg), a.Config.AWS.DynamoDBTable)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initStores(ctx context.Context) error {
	switch {
	case a.Config.Database.Store == config.StoreMemory:
		a.Store = storage.NewMemory()
	default:
		db, err := storage.OpenPostgres(ctx, a.Config.Database.URL)
		if err != nil {
			return err
		}
		a.db = db
		if err := storage.EnsureSchema(ctx, db); err != nil {
			return err
		}
		a.Store = storage.NewPostgres(db)
	}

	if a.Jobs != nil {
		return nil
	}
	js, ok := a.Store.(storage.JobStore)
	if !ok {
		return errors.New("configured store cannot hold processing jobs")
	}
	a.Jobs = js
	return nil
}

// Close drains in-process work and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

