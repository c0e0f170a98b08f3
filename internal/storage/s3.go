package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

var tracer = otel.Tracer("clip-pipeline/storage")

// MaxConcurrentUploads bounds parallel PutObject calls per mirror run.
const MaxConcurrentUploads = 8

// S3API is the subset of the S3 client used by AssetMirror.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AssetMirror copies a video's derived assets to the processed bucket under
// derived/<videoID>/.
type AssetMirror struct {
	client S3API
	bucket string
	log    *slog.Logger
}

// NewAssetMirror creates an AssetMirror.
func NewAssetMirror(client S3API, bucket string, log *slog.Logger) *AssetMirror {
	if log == nil {
		log = slog.Default()
	}
	return &AssetMirror{client: client, bucket: bucket, log: log}
}

// Mirror uploads every finished file in dir. Temporary outputs are skipped.
func (m *AssetMirror) Mirror(ctx context.Context, videoID, dir string) error {
	ctx, span := tracer.Start(ctx, "mirror-assets")
	defer span.End()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read asset dir: %w", err)
	}

	var (
		uploaded atomic.Int64
		bytes    atomic.Int64
		firstErr atomic.Pointer[error]
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, MaxConcurrentUploads)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		if firstErr.Load() != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return fmt.Errorf("%w: during asset mirror", models.ErrContextCanceled)
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := m.put(ctx, videoID, filepath.Join(dir, name))
			if err != nil {
				firstErr.CompareAndSwap(nil, &err)
				return
			}
			uploaded.Add(1)
			bytes.Add(n)
		}(entry.Name())
	}
	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		span.RecordError(*errPtr)
		return *errPtr
	}

	span.SetAttributes(
		attribute.Int64("files.uploaded", uploaded.Load()),
		attribute.Int64("bytes.total", bytes.Load()),
	)
	m.log.InfoContext(ctx, "Mirrored derived assets",
		"videoId", videoID,
		"filesUploaded", uploaded.Load(),
		"totalBytes", bytes.Load(),
	)
	return nil
}

func (m *AssetMirror) put(ctx context.Context, videoID, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	key := fmt.Sprintf("derived/%s/%s", videoID, filepath.Base(path))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentType(path)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	m.log.DebugContext(ctx, "Uploaded asset", "key", key)
	return info.Size(), nil
}

// ContentType returns the MIME type served for a video or derived asset.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
