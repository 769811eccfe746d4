// Package api serves the engine over HTTP under /api/v1.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/eligibility"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/monitoring/health"
	"github.com/vietddude/outagewatch/internal/monitoring/monitor"
)

// Engine is what the handlers drive.
type Engine interface {
	Providers() []directory.Provider

	ListConnections(ctx context.Context) ([]*domain.Connection, error)
	GetConnection(ctx context.Context, id string) (*domain.Connection, error)
	AddConnection(ctx context.Context, providerID, zip string) (*domain.Connection, error)
	RemoveConnection(ctx context.Context, id string) error
	ToggleMonitoring(ctx context.Context, id string) (*domain.Connection, error)

	ListDetectedOutages(ctx context.Context) ([]domain.DetectedOutage, error)
	GetOutage(ctx context.Context, id string) (domain.DetectedOutage, error)
	ReportOutage(ctx context.Context, connID string, start time.Time, end *time.Time, note string) (domain.DetectedOutage, error)
	PollNow(ctx context.Context, connID string) (monitor.PollResult, error)
	CheckEligibility(ctx context.Context, outageID string) (eligibility.Result, error)
	ConfirmOutage(ctx context.Context, outageID string) (*domain.Claim, error)
	DismissOutage(ctx context.Context, outageID string) (domain.DetectedOutage, error)

	GetClaim(ctx context.Context, id string) (*domain.Claim, error)
	ListClaims(ctx context.Context, filter domain.ClaimFilter) ([]*domain.Claim, error)
	ClaimHistory(ctx context.Context, id string) ([]domain.ClaimTransition, error)
	GenerateScript(ctx context.Context, id string) (*domain.Claim, error)
	DismissClaim(ctx context.Context, id, reason string) (*domain.Claim, error)
	MarkSubmitted(ctx context.Context, id string) (*domain.Claim, error)
	MarkApproved(ctx context.Context, id, amount string) (*domain.Claim, error)
	MarkDenied(ctx context.Context, id, reason string) (*domain.Claim, error)
	GetCreditSummary(ctx context.Context) (domain.CreditSummary, error)

	Subscribe(t events.Type) (<-chan events.Event, func())
}

// Server is the HTTP API server.
type Server struct {
	engine Engine
	router *gin.Engine
	server *http.Server
	logger *slog.Logger

	health    *health.Server
	keepalive time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithHealth mounts /health, /health/detailed and /metrics on the API router.
func WithHealth(h *health.Server) Option {
	return func(s *Server) { s.health = h }
}

// WithKeepalive sets how often the event stream sends a comment line.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) { s.keepalive = d }
}

// NewServer creates a new API server.
func NewServer(engine Engine, port int, opts ...Option) *Server {
	router := gin.New()

	s := &Server{
		engine:    engine,
		router:    router,
		logger:    slog.Default().With("component", "api"),
		keepalive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Use(gin.Recovery(), s.requestLogger())

	if s.health != nil {
		router.GET("/health", gin.WrapF(s.health.HandleHealth))
		router.GET("/health/detailed", gin.WrapF(s.health.HandleDetailed))
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/providers", s.handleProviders)

		v1.GET("/connections", s.handleListConnections)
		v1.POST("/connections", s.handleAddConnection)
		v1.GET("/connections/:id", s.handleGetConnection)
		v1.DELETE("/connections/:id", s.handleRemoveConnection)
		v1.POST("/connections/:id/toggle", s.handleToggleMonitoring)
		v1.POST("/connections/:id/poll", s.handlePollNow)

		v1.GET("/outages", s.handleListOutages)
		v1.POST("/outages", s.handleReportOutage)
		v1.GET("/outages/:id", s.handleGetOutage)
		v1.GET("/outages/:id/eligibility", s.handleCheckEligibility)
		v1.POST("/outages/:id/confirm", s.handleConfirmOutage)
		v1.POST("/outages/:id/dismiss", s.handleDismissOutage)

		v1.GET("/claims", s.handleListClaims)
		v1.GET("/claims/:id", s.handleGetClaim)
		v1.GET("/claims/:id/history", s.handleClaimHistory)
		v1.POST("/claims/:id/script", s.handleGenerateScript)
		v1.POST("/claims/:id/submit", s.handleMarkSubmitted)
		v1.POST("/claims/:id/approve", s.handleMarkApproved)
		v1.POST("/claims/:id/deny", s.handleMarkDenied)
		v1.POST("/claims/:id/dismiss", s.handleDismissClaim)

		v1.GET("/summary", s.handleSummary)
		v1.GET("/events", s.handleEvents)
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
