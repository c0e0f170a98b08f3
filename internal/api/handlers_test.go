package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amillerrr/clip-pipeline/internal/auth"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/health"
	"github.com/amillerrr/clip-pipeline/internal/jobs"
	"github.com/amillerrr/clip-pipeline/internal/linker"
	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/internal/pipeline"
	"github.com/amillerrr/clip-pipeline/internal/storage"
	"github.com/amillerrr/clip-pipeline/internal/stream"
	"github.com/amillerrr/clip-pipeline/pkg/models"
)

const testVideoID = "0123456789abcdef0123456789abcdef"

type fakeIngester struct {
	gotPath  string
	gotHints models.IngestHints
	res      *pipeline.IngestResult
	err      error
}

func (f *fakeIngester) IngestFile(ctx context.Context, path string, hints models.IngestHints) (*pipeline.IngestResult, error) {
	f.gotPath = path
	f.gotHints = hints
	return f.res, f.err
}

type testServer struct {
	handler  http.Handler
	ingester *fakeIngester
	tracker  *jobs.Tracker
	layout   linker.Layout
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	layout := linker.Layout{VideoRoot: filepath.Join(root, "videos"), ProcessedRoot: filepath.Join(root, "processed")}
	if err := os.MkdirAll(layout.VideoRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(layout.VideoRoot, "clip.mp4")
	if err := os.WriteFile(src, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	lk := linker.New(layout, logger.Discard())
	if _, err := lk.LinkOne(context.Background(), src, testVideoID+".mp4"); err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemory()
	if err := store.CreateVideo(context.Background(), &models.VideoRecord{
		VideoID: testVideoID, Extension: ".mp4", Path: "clip.mp4", Available: true,
	}, nil); err != nil {
		t.Fatal(err)
	}

	tracker := jobs.NewTracker(store, logger.Discard())
	ing := &fakeIngester{}
	jwtSvc, _ := auth.NewJWTService([]byte("api-test-secret"))
	token, _ := jwtSvc.GenerateToken("crud-service", time.Hour)
	rl := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	cfg := &config.Config{}
	cfg.CORS.AllowedOrigins = []string{"https://clips.example.com"}

	handlers := NewHandlers(&HandlersConfig{
		Logger:   logger.Discard(),
		Ingester: ing,
		Jobs:     tracker,
		Videos:   store,
		Streamer: stream.NewHandler(store, layout, 4, logger.Discard()),
		Layout:   layout,
	})
	router := NewRouter(&ServerConfig{
		Config:        cfg,
		Logger:        logger.Discard(),
		Handlers:      handlers,
		JWTService:    jwtSvc,
		RateLimiter:   rl,
		HealthChecker: health.NewChecker(health.DefaultConfig("clipd", logger.Discard())),
	})

	return &testServer{handler: router, ingester: ing, tracker: tracker, layout: layout, token: token}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func TestIngestHandler(t *testing.T) {
	s := newTestServer(t)
	owner := int64(7)
	s.ingester.res = &pipeline.IngestResult{VideoID: testVideoID, JobID: "job-1", Created: true}

	body, _ := json.Marshal(IngestRequest{Path: "clip.mp4", Game: " Halo ", Tags: []string{"ace"}, OwnerID: &owner})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.token)

	rr := s.do(req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d (%s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var got pipeline.IngestResult
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != *s.ingester.res {
		t.Errorf("response = %+v, want %+v", got, *s.ingester.res)
	}
	if s.ingester.gotPath != "clip.mp4" {
		t.Errorf("path = %q, want clip.mp4", s.ingester.gotPath)
	}
	if s.ingester.gotHints.Game != "Halo" || *s.ingester.gotHints.OwnerID != 7 {
		t.Errorf("hints = %+v", s.ingester.gotHints)
	}
}

func TestIngestHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		auth     bool
		body     string
		err      error
		wantCode int
	}{
		{"no token", false, `{"path":"clip.mp4"}`, nil, http.StatusUnauthorized},
		{"bad json", true, `not json`, nil, http.StatusBadRequest},
		{"missing path", true, `{"game":"halo"}`, nil, http.StatusBadRequest},
		{"outside root", true, `{"path":"../etc/passwd"}`, models.ErrPathOutsideRoot, http.StatusBadRequest},
		{"unsupported", true, `{"path":"notes.txt"}`, models.ErrUnsupportedFile, http.StatusBadRequest},
		{"store failure", true, `{"path":"clip.mp4"}`, fmt.Errorf("insert: %w", io.ErrUnexpectedEOF), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.ingester.err = tt.err
			req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(tt.body))
			if tt.auth {
				req.Header.Set("Authorization", "Bearer "+s.token)
			}

			rr := s.do(req)

			if rr.Code != tt.wantCode {
				t.Errorf("Status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantCode == http.StatusInternalServerError && strings.Contains(rr.Body.String(), "insert") {
				t.Errorf("internal error leaked to client: %s", rr.Body.String())
			}
		})
	}
}

func TestIngestHandler_WrongMethod(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(httptest.NewRequest(http.MethodGet, "/api/ingest", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestGetJobHandler(t *testing.T) {
	s := newTestServer(t)
	job, err := s.tracker.Enqueue(context.Background(), testVideoID)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"found", "/api/jobs/" + job.ID, http.StatusOK},
		{"malformed", "/api/jobs/not-a-uuid", http.StatusBadRequest},
		{"unknown", "/api/jobs/6f1c1f3e-8f33-4d2a-9a57-0c5e3f1b2a11", http.StatusNotFound},
		{"latest for video", "/api/videos/" + testVideoID + "/job", http.StatusOK},
		{"latest bad video id", "/api/videos/xyz/job", http.StatusBadRequest},
		{"latest none", "/api/videos/" + strings.Repeat("a", 32) + "/job", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.wantCode {
				t.Fatalf("Status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var got map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for _, key := range []string{"job_id", "video_id", "status", "progress", "error", "created_at", "updated_at"} {
				if _, ok := got[key]; !ok {
					t.Errorf("response missing %q: %v", key, got)
				}
			}
			if got["job_id"] != job.ID || got["status"] != string(models.JobQueued) {
				t.Errorf("response = %v", got)
			}
		})
	}
}

func TestStreamRoute(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/videos/"+testVideoID+"/stream", nil)
	req.Header.Set("Range", "bytes=4-")
	rr := s.do(req)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("Status = %d, want %d", rr.Code, http.StatusPartialContent)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 4-9/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if rr.Body.String() != "456789" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestAssetHandlers(t *testing.T) {
	s := newTestServer(t)
	derived := s.layout.DerivedPath(testVideoID)
	if err := os.MkdirAll(derived, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(derived, "poster.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantType string
		wantBody string
	}{
		{"poster ready", "/api/videos/" + testVideoID + "/poster", http.StatusOK, "image/jpeg", "jpeg"},
		{"preview pending", "/api/videos/" + testVideoID + "/preview", http.StatusAccepted, "application/json", `{"status":"processing"}`},
		{"unknown video", "/api/videos/" + strings.Repeat("b", 32) + "/poster", http.StatusNotFound, "application/json", ""},
		{"bad id", "/api/videos/xyz/poster", http.StatusBadRequest, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.wantCode {
				t.Fatalf("Status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantType != "" && rr.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", rr.Header().Get("Content-Type"), tt.wantType)
			}
			if tt.wantBody != "" && strings.TrimSpace(rr.Body.String()) != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMetricsEndpoint_InternalOnly(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "203.0.113.1:4000"
	if rr := s.do(req); rr.Code != http.StatusForbidden {
		t.Errorf("public /metrics Status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	if rr := s.do(req); rr.Code != http.StatusOK {
		t.Errorf("internal /metrics Status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestCORSMiddleware(t *testing.T) {
	allowedOrigins := []string{"https://example.com", "https://test.com"}
	middleware := CORSMiddleware(allowedOrigins)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.com")
		}
		if got := rr.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Content-Range") {
			t.Errorf("Access-Control-Expose-Headers = %q, want Content-Range exposed", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://malicious.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("Status = %d, want %d", rr.Code, http.StatusNoContent)
		}
	})
}

func TestIsInternalRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       bool
	}{
		{"localhost", "127.0.0.1:8080", true},
		{"10.x network", "10.0.0.1:12345", true},
		{"172.16.x network", "172.16.0.1:12345", true},
		{"192.168.x network", "192.168.1.1:12345", true},
		{"ipv6 loopback", "[::1]:8080", true},
		{"public IP", "203.0.113.1:12345", false},
		{"another public IP", "8.8.8.8:53", false},
		{"no port", "10.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isInternalRequest(tt.remoteAddr); got != tt.want {
				t.Errorf("isInternalRequest(%q) = %v, want %v", tt.remoteAddr, got, tt.want)
			}
		})
	}
}
