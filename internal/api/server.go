// Package api serves the pipeline's HTTP surface: job status, streaming,
// derived assets and single-file ingest.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/clip-pipeline/internal/auth"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Handlers      *Handlers
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
}

// NewRouter wires the routes onto a gorilla/mux router.
func NewRouter(cfg *ServerConfig) http.Handler {
	h := cfg.Handlers
	r := mux.NewRouter()
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", cfg.HealthChecker.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health/deep", cfg.HealthChecker.DeepHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", internalOnlyMiddleware(promhttp.Handler())).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs/{jobID}", h.GetJobHandler).Methods(http.MethodGet)
	api.HandleFunc("/videos/{videoID}/job", h.GetVideoJobHandler).Methods(http.MethodGet)
	api.HandleFunc("/videos/{videoID}/stream", h.StreamHandler).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/videos/{videoID}/poster", h.PosterHandler).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/videos/{videoID}/preview", h.PreviewHandler).Methods(http.MethodGet, http.MethodHead)

	authMiddleware := cfg.JWTService.Middleware(cfg.RateLimiter)
	api.HandleFunc("/ingest", authMiddleware(h.IngestHandler)).Methods(http.MethodPost)

	return CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(r)
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Handlers == nil || cfg.JWTService == nil || cfg.HealthChecker == nil {
		return nil, errors.New("api: handlers, jwt service and health checker are required")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           NewRouter(cfg),
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// came through the load balancer
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
