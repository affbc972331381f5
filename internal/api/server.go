// Package api serves the agent's status over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/orchestrator"
	"ore-agent/internal/storage"
	"ore-agent/internal/stream"
)

// DefaultRoundsLimit bounds /api/v1/rounds when no limit is given.
const (
	DefaultRoundsLimit = 50
	MaxRoundsLimit     = 1000
)

// StatusSource exposes the scheduler state.
type StatusSource interface {
	Status() orchestrator.Status
}

// StreamSource exposes round stream health.
type StreamSource interface {
	IsHealthy() bool
	Stats() stream.Stats
}

// LatencySource exposes latency estimates.
type LatencySource interface {
	Snapshot() domain.LatencySnapshot
}

// PriceSource exposes the cached quote.
type PriceSource interface {
	Price() *domain.PriceQuote
}

// Options wires the server. Everything except Status is optional.
type Options struct {
	Status         StatusSource
	Stream         StreamSource
	Latency        LatencySource
	Price          PriceSource
	Outcomes       storage.OutcomeStore
	AllowedOrigins []string
	ReleaseMode    bool
	Logger         *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	opts    Options
	router  *gin.Engine
	handler http.Handler
	http    *http.Server
	logger  *slog.Logger
}

// New builds the router.
func New(opts Options) *Server {
	if opts.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		opts:   opts,
		logger: logging.Component(opts.Logger, "api"),
	}

	router := gin.New()
	router.Use(s.requestLogger())
	router.Use(errorHandler())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(observability.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/rounds", s.rounds)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router = router
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)
	return s
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func errorHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"},
		})
	})
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
