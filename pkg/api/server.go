// Package api implements the HTTP gateway: task submission, task lookup,
// and live status streaming over SSE. The gateway is the only component
// clients talk to; workers are reached exclusively through the broker.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/taskstore"
	"github.com/euglena-ai/euglena/pkg/version"
)

// TaskStore is the slice of the task store the gateway needs. Satisfied by
// *taskstore.Store.
type TaskStore interface {
	CreateTask(ctx context.Context, env *contract.TaskEnvelope) (bool, error)
	GetTask(ctx context.Context, correlationID string) (*taskstore.Task, error)
	ListRecent(ctx context.Context, limit int) ([]*taskstore.Task, error)
}

// Publisher sends one JSON message to a queue. Satisfied by *broker.Client.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// Pinger reports a dependency's liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP gateway.
type Server struct {
	cfg       *config.Config
	store     TaskStore
	publisher Publisher
	hub       *Hub
	auth      *authenticator
	health    Pinger
	log       *slog.Logger
}

// NewServer wires the gateway. health may be nil to skip dependency checks.
func NewServer(cfg *config.Config, store TaskStore, publisher Publisher, health Pinger) (*Server, error) {
	auth, err := newAuthenticator(cfg.Server)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		hub:       NewHub(),
		auth:      auth,
		health:    health,
		log:       slog.With("component", "api"),
	}, nil
}

// StatusHub exposes the fanout hub so the status consumer can feed it.
func (s *Server) StatusHub() *Hub { return s.hub }

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log), securityHeaders())

	r.GET("/healthz", s.healthz)
	r.GET("/version", s.version)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1", s.auth.middleware())
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/stream", s.streamTask)
	}
	return r
}

// Run serves until the context is cancelled, then drains with a timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("Gateway listening", "addr", s.cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":   version.AppName,
		"commit": version.GitCommit,
	})
}

// requestLogger logs one line per request in the structured format.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
