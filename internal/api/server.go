// Package api exposes the admin HTTP surface: health, runtime status, and
// manual cancellation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/httpmw"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/delayqueue"
	"github.com/sentra-ai/sentra/internal/runs"
	"github.com/sentra-ai/sentra/internal/tasks"
)

// SocialContextProvider reports the adapter connection state.
type SocialContextProvider interface {
	IsConnected() bool
}

// Server is the admin HTTP server.
type Server struct {
	cfg     func() *config.Config
	tasks   *tasks.Registry
	runs    *runs.Registry
	queue   delayqueue.Store
	adapter SocialContextProvider
	logger  *logger.Logger

	httpServer *http.Server
}

// NewServer creates the admin server. queue and adapter may be nil when
// the corresponding subsystem is disabled.
func NewServer(cfg func() *config.Config, taskReg *tasks.Registry, runReg *runs.Registry, queue delayqueue.Store, adapter SocialContextProvider, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		tasks:   taskReg,
		runs:    runReg,
		queue:   queue,
		adapter: adapter,
		logger:  log.WithFields(zap.String("component", "admin-api")),
	}
}

// Router builds the gin engine. Exposed separately for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "admin-api"))
	r.Use(httpmw.OtelTracing("admin-api"))

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/senders/:id/runs", s.handleSenderRuns)
		v1.POST("/senders/:id/cancel", s.handleCancelSender)
	}
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	cfg := s.cfg().Server
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	s.logger.Info("Admin server listening", zap.String("addr", s.httpServer.Addr))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"adapter_connected": s.adapter != nil && s.adapter.IsConnected(),
	}
	if s.queue != nil {
		n, err := s.queue.Size(c.Request.Context())
		if err != nil {
			s.logger.Warn("Queue size read failed", zap.Error(err))
			n = -1
		}
		status["delay_queue_size"] = n
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSenderRuns(c *gin.Context) {
	senderID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"sender_id":    senderID,
		"active_runs":  s.runs.ActiveCount(senderID),
		"active_tasks": s.tasks.ActiveCount(senderID),
	})
}

// handleCancelSender is the manual kill switch: it mirrors what an
// intervention does, without the classifier.
func (s *Server) handleCancelSender(c *gin.Context) {
	senderID := c.Param("id")

	var body struct {
		ConversationKey string `json:"conversationKey"`
	}
	// An empty or missing body targets the private conversation.
	_ = c.ShouldBindJSON(&body)

	cancelledTasks := s.tasks.MarkCancelledForSender(senderID)
	cancelledRuns := s.runs.Cancel(c.Request.Context(), senderID, runs.CancelScope{
		ConversationKey: body.ConversationKey,
		Cutoff:          time.Now(),
	})

	s.logger.Info("Manual cancel issued",
		zap.String("sender_id", senderID),
		zap.Int("tasks", len(cancelledTasks)),
		zap.Int("runs", cancelledRuns))

	c.JSON(http.StatusOK, gin.H{
		"cancelled_tasks": len(cancelledTasks),
		"cancelled_runs":  cancelledRuns,
	})
}
