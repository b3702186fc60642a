// Package api exposes the job manager and the synchronous conversion service
// over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dharsanguruparan/markdrop/internal/config"
	"github.com/dharsanguruparan/markdrop/internal/jobs"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/repository"
	"github.com/dharsanguruparan/markdrop/internal/signing"
)

// Presigner hands out direct links to artifacts published to object storage.
type Presigner interface {
	PresignURL(ctx context.Context, jobID, name string, expiry time.Duration) (string, error)
}

// History answers queries against the mirrored job table.
type History interface {
	Get(ctx context.Context, jobID string) (*repository.JobRow, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg       config.APIConfig
	manager   *jobs.Manager
	signer    *signing.Signer
	presigner Presigner
	history   History
	engine    *gin.Engine
}

// Option customizes a Server.
type Option func(*Server)

// WithPresigner makes signed-url prefer object storage links.
func WithPresigner(p Presigner) Option {
	return func(s *Server) { s.presigner = p }
}

// WithHistory enables the mirrored job lookups.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// New builds the router. mode is a gin mode: release, test or debug.
func New(cfg config.APIConfig, manager *jobs.Manager, signer *signing.Signer, mode string, opts ...Option) *Server {
	switch mode {
	case gin.ReleaseMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	s := &Server{cfg: cfg, manager: manager, signer: signer}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors())
	r.MaxMultipartMemory = int64(s.cfg.MaxUploadMB) << 20

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/download", s.download)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/jobs/:id/result", s.jobResult)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
		v1.POST("/jobs/:id/retry", s.retryJob)
		v1.GET("/jobs/:id/signed-url", s.signedURL)
		v1.GET("/stats", s.stats)

		v1.POST("/convert", s.convert)
	}
	return r
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	logger.CtxInfo(ctx, "api listening on %s", s.cfg.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
