// Package httpapi exposes ingestion, question answering and image
// classification over HTTP with gin.
package httpapi

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwiater/imagingrag/internal/answer"
	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/mwiater/imagingrag/internal/rag"
	"github.com/mwiater/imagingrag/internal/session"
	"github.com/mwiater/imagingrag/internal/vision"
)

//go:embed static/index.html
var indexHTML []byte

const shutdownGrace = 5 * time.Second

// Deps are the components the handlers drive.
type Deps struct {
	Config   appconfig.Config
	Index    *rag.Index
	Indexer  *rag.Indexer
	Answerer *answer.Answerer
	Sessions session.Store
	Labeler  *vision.Labeler
}

// Server routes requests to the components in Deps.
type Server struct {
	deps   Deps
	engine *gin.Engine
}

// New builds the router.
func New(deps Deps) *Server {
	if !deps.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(logging.Writer()), gin.Recovery())
	engine.MaxMultipartMemory = 4 * deps.Config.MaxImageBytes()

	s := &Server{deps: deps, engine: engine}
	engine.GET("/", s.home)
	engine.GET("/healthz", s.health)
	engine.POST("/session", s.createSession)

	remote := engine.Group("/", s.requireAPIKey)
	remote.POST("/ingest", s.ingest)
	remote.POST("/chat", s.chat)
	remote.GET("/chat/stream", s.chatStream)
	remote.POST("/classify_image", s.classifyImage)
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.deps.Config.ServerAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.LogEvent("[HTTP] listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logging.LogEvent("[HTTP] shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireAPIKey(c *gin.Context) {
	if err := s.deps.Config.RequireAPIKey(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindInvalidInput})
		return
	}
	c.Next()
}

// writeError answers with the status mapped from the error kind.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	msg := logging.Redact(err.Error())
	logging.LogEvent("[HTTP] %s %s failed: kind=%s err=%s", c.Request.Method, c.Request.URL.Path, kind, msg)
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": msg, "kind": kind})
}
