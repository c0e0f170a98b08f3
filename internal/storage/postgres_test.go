package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

const testID = "0123456789abcdef0123456789abcdef"

var videoCols = []string{"video_id", "extension", "path", "available", "created_at", "updated_at", "owner_id", "game_id", "folder_id"}

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, EnsureSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateVideo(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO videos").
		WithArgs(testID, ".mp4", "a/b.mp4", true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO video_info").
		WithArgs(testID, "b", "", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.CreateVideo(context.Background(),
		&models.VideoRecord{VideoID: testID, Extension: ".mp4", Path: "a/b.mp4", Available: true, CreatedAt: &now, UpdatedAt: &now},
		&models.VideoMetadata{VideoID: testID, Title: "b", Private: true},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateVideoExisting(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO videos").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.CreateVideo(context.Background(), &models.VideoRecord{VideoID: testID, Extension: ".mp4"}, nil)
	assert.ErrorIs(t, err, models.ErrVideoExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetVideo(t *testing.T) {
	p, mock := newMock(t)
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .* FROM videos WHERE video_id").
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows(videoCols).
			AddRow(testID, ".mkv", "x/y.mkv", false, nil, updated, nil, int64(3), nil))

	v, err := p.GetVideo(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, ".mkv", v.Extension)
	assert.False(t, v.Available)
	assert.Nil(t, v.CreatedAt)
	require.NotNil(t, v.UpdatedAt)
	assert.True(t, v.UpdatedAt.Equal(updated))
	assert.Nil(t, v.OwnerID)
	require.NotNil(t, v.GameID)
	assert.Equal(t, int64(3), *v.GameID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetVideoNotFound(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery("SELECT .* FROM videos").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(videoCols))

	_, err := p.GetVideo(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrVideoNotFound)
}

func TestPostgres_BackfillOnlyFillsNulls(t *testing.T) {
	p, mock := newMock(t)
	created := time.Unix(1700000000, 0).UTC()
	updated := created.Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("created_at = COALESCE(created_at, $2), updated_at = COALESCE(updated_at, $3)")).
		WithArgs(testID, created, updated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.BackfillTimestamps(context.Background(), testID, created, updated))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetAvailableMissing(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec("UPDATE videos SET available").
		WithArgs("gone", false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.SetAvailable(context.Background(), "gone", false)
	assert.ErrorIs(t, err, models.ErrVideoNotFound)
}

func TestPostgres_FindOrCreateGame(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery("INSERT INTO games").
		WithArgs("Rocket League", "rocket-league").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug"}).AddRow(int64(7), "Rocket League", "rocket-league"))

	g, err := p.FindOrCreateGame(context.Background(), "  Rocket League ")
	require.NoError(t, err)
	assert.Equal(t, &models.Game{ID: 7, Name: "Rocket League", Slug: "rocket-league"}, g)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindOrCreateTagEmpty(t *testing.T) {
	p, _ := newMock(t)
	_, err := p.FindOrCreateTag(context.Background(), " -- ")
	assert.Error(t, err)
}

func TestPostgres_AttachTagIdempotent(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT DO NOTHING")).
		WithArgs(testID, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.AttachTag(context.Background(), testID, 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJobStale(t *testing.T) {
	p, mock := newMock(t)
	job := &models.ProcessingJob{ID: "5f0c2d3e-8a4b-4c1d-9e2f-0a1b2c3d4e5f", Status: models.JobProcessing, UpdatedAt: time.Now()}

	mock.ExpectExec("UPDATE processing_jobs").
		WithArgs(job.ID, "queued", "processing", 0, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.UpdateJob(context.Background(), job, models.JobQueued)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LatestJobForVideo(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery("SELECT .* FROM processing_jobs WHERE video_id").
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "video_id", "status", "progress", "error_message", "created_at", "updated_at"}).
			AddRow("5f0c2d3e-8a4b-4c1d-9e2f-0a1b2c3d4e5f", testID, "failed", 50, "boom", now, now))

	j, err := p.LatestJobForVideo(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, j.Status)
	assert.Equal(t, 50, j.Progress)
	assert.Equal(t, "boom", j.ErrorMessage)
}
