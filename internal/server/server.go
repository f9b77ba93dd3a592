package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autoops/internal/advisory"
	"autoops/internal/nvd"
	"autoops/internal/schedule"
	"autoops/internal/superops"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 60 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	Version = "2.0.0"
)

// PlatformProvider is the slice of the MSP platform the API surfaces.
type PlatformProvider interface {
	FetchDevices(ctx context.Context) ([]superops.Device, error)
	FetchPatches(ctx context.Context) ([]superops.Patch, error)
	FetchAlerts(ctx context.Context) ([]superops.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID, status, notes string) error
}

// VulnerabilityProvider is the slice of the vulnerability database the API
// surfaces.
type VulnerabilityProvider interface {
	LookupCVE(ctx context.Context, cveID string) (*nvd.Vulnerability, error)
	SearchRecentCVEs(ctx context.Context, days int) ([]nvd.Vulnerability, error)
}

// Server is the HTTP API for the automation backend.
type Server struct {
	Orchestrator *schedule.Orchestrator
	Gate         *advisory.Gate
	Platform     PlatformProvider      // nil when the MSP platform is disabled
	Vulns        VulnerabilityProvider // nil when NVD access is disabled
	Logger       *slog.Logger
	TestMode     bool

	rateLimitPerSec int
	rateLimitBurst  int
}

// NewServer creates a server instance.
func NewServer(orch *schedule.Orchestrator, gate *advisory.Gate, platform PlatformProvider, vulns VulnerabilityProvider, logger *slog.Logger, testMode bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Orchestrator:    orch,
		Gate:            gate,
		Platform:        platform,
		Vulns:           vulns,
		Logger:          logger,
		TestMode:        testMode,
		rateLimitPerSec: 10,
		rateLimitBurst:  20,
	}
}

// SetRateLimit overrides the per-IP request rate limit.
func (s *Server) SetRateLimit(perSec, burst int) {
	s.rateLimitPerSec = perSec
	s.rateLimitBurst = burst
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(s.rateLimitPerSec, s.rateLimitBurst, s.Logger))
	}

	// Routes
	r.Get("/health", s.HandleHealth)

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.HandleListSchedules)
		r.Post("/", s.HandleCreateSchedule)
		r.Post("/execute", s.HandleExecuteSchedule)
		r.Post("/cleanup", s.HandleCleanupSchedules)
		r.Get("/{scheduleID}", s.HandleGetSchedule)
		r.Delete("/{scheduleID}", s.HandleCancelSchedule)
	})

	r.Get("/inventory", s.HandleInventory)
	r.Get("/patches", s.HandlePatches)
	r.Get("/alerts", s.HandleAlerts)
	r.Post("/alerts/{alertID}/status", s.HandleUpdateAlertStatus)
	r.Get("/dashboard/stats", s.HandleDashboardStats)

	r.Get("/vulnerabilities/recent", s.HandleRecentVulnerabilities)
	r.Get("/vulnerabilities/{cveID}", s.HandleVulnerability)

	r.Post("/ai/analyze-patch", s.HandleAnalyzePatch)

	return r
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.Logger.Info("Starting server", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("Shutting down server", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}
