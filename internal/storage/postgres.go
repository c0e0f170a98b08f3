package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// OpenPostgres opens a database/sql pool on the pgx driver and pings it.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		video_id   TEXT PRIMARY KEY,
		extension  TEXT NOT NULL,
		path       TEXT NOT NULL,
		available  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		owner_id   BIGINT,
		game_id    BIGINT,
		folder_id  BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS video_info (
		video_id    TEXT PRIMARY KEY REFERENCES videos(video_id),
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		private     BOOLEAN NOT NULL DEFAULT TRUE,
		duration    DOUBLE PRECISION NOT NULL DEFAULT 0,
		width       INTEGER NOT NULL DEFAULT 0,
		height      INTEGER NOT NULL DEFAULT 0,
		info        JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS games (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS video_tags (
		video_id TEXT NOT NULL REFERENCES videos(video_id),
		tag_id   BIGINT NOT NULL REFERENCES tags(id),
		PRIMARY KEY (video_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS processing_jobs (
		id            UUID PRIMARY KEY,
		video_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		progress      INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS processing_jobs_video_idx ON processing_jobs (video_id, created_at DESC)`,
}

// EnsureSchema creates the pipeline tables if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Postgres implements Store and JobStore on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const videoColumns = `video_id, extension, path, available, created_at, updated_at, owner_id, game_id, folder_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*models.VideoRecord, error) {
	var (
		v                         models.VideoRecord
		created, updated          sql.NullTime
		ownerID, gameID, folderID sql.NullInt64
	)
	if err := row.Scan(&v.VideoID, &v.Extension, &v.Path, &v.Available, &created, &updated, &ownerID, &gameID, &folderID); err != nil {
		return nil, err
	}
	if created.Valid {
		v.CreatedAt = &created.Time
	}
	if updated.Valid {
		v.UpdatedAt = &updated.Time
	}
	v.OwnerID = nullInt(ownerID)
	v.GameID = nullInt(gameID)
	v.FolderID = nullInt(folderID)
	return &v, nil
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (p *Postgres) GetVideo(ctx context.Context, videoID string) (*models.VideoRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_id = $1`, videoID)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return v, nil
}

func (p *Postgres) queryVideos(ctx context.Context, query string, args ...any) ([]models.VideoRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var out []models.VideoRecord
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (p *Postgres) ListVideos(ctx context.Context) ([]models.VideoRecord, error) {
	return p.queryVideos(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY path`)
}

func (p *Postgres) ListAvailableVideos(ctx context.Context) ([]models.VideoRecord, error) {
	return p.queryVideos(ctx, `SELECT `+videoColumns+` FROM videos WHERE available ORDER BY path`)
}

func (p *Postgres) CreateVideo(ctx context.Context, video *models.VideoRecord, meta *models.VideoMetadata) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO videos (`+videoColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (video_id) DO NOTHING`,
		video.VideoID, video.Extension, video.Path, video.Available,
		video.CreatedAt, video.UpdatedAt, video.OwnerID, video.GameID, video.FolderID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrVideoExists, video.VideoID)
	}

	if meta != nil {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO video_info (video_id, title, description, private) VALUES ($1,$2,$3,$4)`,
			video.VideoID, meta.Title, meta.Description, meta.Private,
		); err != nil {
			return fmt.Errorf("failed to insert video info: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *Postgres) exec(ctx context.Context, videoID, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update video %s: %w", videoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID)
	}
	return nil
}

func (p *Postgres) SetAvailable(ctx context.Context, videoID string, available bool) error {
	return p.exec(ctx, videoID, `UPDATE videos SET available = $2 WHERE video_id = $1`, videoID, available)
}

func (p *Postgres) BackfillTimestamps(ctx context.Context, videoID string, createdAt, updatedAt time.Time) error {
	return p.exec(ctx, videoID,
		`UPDATE videos SET created_at = COALESCE(created_at, $2), updated_at = COALESCE(updated_at, $3) WHERE video_id = $1`,
		videoID, createdAt, updatedAt)
}

func (p *Postgres) SetOwner(ctx context.Context, videoID string, ownerID int64) error {
	return p.exec(ctx, videoID, `UPDATE videos SET owner_id = $2 WHERE video_id = $1`, videoID, ownerID)
}

func (p *Postgres) SetGame(ctx context.Context, videoID string, gameID int64) error {
	return p.exec(ctx, videoID, `UPDATE videos SET game_id = $2 WHERE video_id = $1`, videoID, gameID)
}

const metadataColumns = `video_id, title, description, private, duration, width, height, info`

func scanMetadata(row rowScanner) (*models.VideoMetadata, error) {
	var (
		m    models.VideoMetadata
		info []byte
	)
	if err := row.Scan(&m.VideoID, &m.Title, &m.Description, &m.Private, &m.Duration, &m.Width, &m.Height, &info); err != nil {
		return nil, err
	}
	if len(info) > 0 {
		m.Info = json.RawMessage(info)
	}
	return &m, nil
}

func (p *Postgres) GetMetadata(ctx context.Context, videoID string) (*models.VideoMetadata, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM video_info WHERE video_id = $1`, videoID)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrMetadataNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return m, nil
}

func (p *Postgres) queryMetadata(ctx context.Context, query string) ([]models.VideoMetadata, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	var out []models.VideoMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *Postgres) ListMetadata(ctx context.Context) ([]models.VideoMetadata, error) {
	return p.queryMetadata(ctx, `SELECT `+metadataColumns+` FROM video_info ORDER BY video_id`)
}

func (p *Postgres) ListUnprobed(ctx context.Context) ([]models.VideoMetadata, error) {
	return p.queryMetadata(ctx, `SELECT i.video_id, i.title, i.description, i.private, i.duration, i.width, i.height, i.info
		FROM video_info i JOIN videos v ON v.video_id = i.video_id
		WHERE i.info IS NULL AND v.available ORDER BY i.video_id`)
}

func (p *Postgres) UpdateProbe(ctx context.Context, videoID string, duration float64, width, height int, info json.RawMessage) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE video_info SET duration = $2, width = $3, height = $4, info = $5 WHERE video_id = $1`,
		videoID, duration, width, height, []byte(info))
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrMetadataNotFound, videoID)
	}
	return nil
}

// findOrCreate upserts by slug and returns the stored row, keeping the
// first-seen display name.
func (p *Postgres) findOrCreate(ctx context.Context, table, name string) (int64, string, string, error) {
	slug := models.Slugify(name)
	if slug == "" {
		return 0, "", "", fmt.Errorf("empty %s name %q", strings.TrimSuffix(table, "s"), name)
	}
	var (
		id          int64
		stored, got string
	)
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO `+table+` (name, slug) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id, name, slug`,
		strings.TrimSpace(name), slug,
	).Scan(&id, &stored, &got)
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to find or create %s: %w", table, err)
	}
	return id, stored, got, nil
}

func (p *Postgres) FindOrCreateGame(ctx context.Context, name string) (*models.Game, error) {
	id, stored, slug, err := p.findOrCreate(ctx, "games", name)
	if err != nil {
		return nil, err
	}
	return &models.Game{ID: id, Name: stored, Slug: slug}, nil
}

func (p *Postgres) FindOrCreateTag(ctx context.Context, name string) (*models.Tag, error) {
	id, stored, slug, err := p.findOrCreate(ctx, "tags", name)
	if err != nil {
		return nil, err
	}
	return &models.Tag{ID: id, Name: stored, Slug: slug}, nil
}

func (p *Postgres) AttachTag(ctx context.Context, videoID string, tagID int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO video_tags (video_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		videoID, tagID)
	if err != nil {
		return fmt.Errorf("failed to attach tag: %w", err)
	}
	return nil
}

func (p *Postgres) VideoTags(ctx context.Context, videoID string) ([]models.Tag, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.slug FROM tags t JOIN video_tags vt ON vt.tag_id = t.id
		WHERE vt.video_id = $1 ORDER BY t.slug`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var out []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const jobColumns = `id, video_id, status, progress, error_message, created_at, updated_at`

func scanJob(row rowScanner) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	if err := row.Scan(&j.ID, &j.VideoID, &j.Status, &j.Progress, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processing_jobs (`+jobColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		job.ID, job.VideoID, string(job.Status), job.Progress, job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (p *Postgres) LatestJobForVideo(ctx context.Context, videoID string) (*models.ProcessingJob, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE video_id = $1 ORDER BY created_at DESC LIMIT 1`, videoID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no job for video %s", models.ErrJobNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return j, nil
}

func (p *Postgres) UpdateJob(ctx context.Context, job *models.ProcessingJob, from models.JobStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = $3, progress = $4, error_message = $5, updated_at = $6
		WHERE id = $1 AND status = $2`,
		job.ID, string(from), string(job.Status), job.Progress, job.ErrorMessage, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s is no longer %s", models.ErrInvalidTransition, job.ID, from)
	}
	return nil
}

var (
	_ Store    = (*Postgres)(nil)
	_ JobStore = (*Postgres)(nil)
)
