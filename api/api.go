// Package api exposes the cutout service over HTTP. It is a thin layer
// over the lifecycle engine: handlers translate requests into engine
// calls and sentinel errors into status codes, and never reach past the
// engine into the store.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/engine"
)

// maxWait caps the ?wait= long-poll window so a client cannot pin a
// handler goroutine indefinitely.
const maxWait = 60 * time.Second

// Server wires the HTTP handlers together.
type Server struct {
	eng     *engine.Engine
	arc     *archive.Service
	events  http.Handler
	logger  *slog.Logger
	origins []string
}

// Option configures the Server.
type Option func(*Server)

// WithArchive enables the failed-job archive routes.
func WithArchive(svc *archive.Service) Option {
	return func(s *Server) { s.arc = svc }
}

// WithEvents mounts the given handler on GET /v1/events. Pass a
// notify.WSHandler to stream job events over WebSocket.
func WithEvents(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCORSOrigins sets the allowed CORS origins. Empty means
// same-origin only.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates an API server over the engine.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		eng:    eng,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the assembled http.Handler with all routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	if len(s.origins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = s.origins
		cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		r.Use(cors.New(cfg))
	}

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/counts", s.jobCounts)
		v1.GET("/jobs/:jobId", s.getJob)
		v1.POST("/jobs/:jobId/cancel", s.cancelJob)

		if s.arc != nil {
			v1.GET("/archive", s.listEntries)
			v1.GET("/archive/count", s.countEntries)
			v1.GET("/archive/:entryId", s.getEntry)
			v1.POST("/archive/:entryId/replay", s.replayEntry)
			v1.POST("/archive/purge", s.purgeEntries)
		}

		if s.events != nil {
			v1.GET("/events", gin.WrapH(s.events))
		}
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
