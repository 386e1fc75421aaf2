// Package api provides the HTTP surface for the Grok-to-OpenAI gateway: the
// OpenAI-compatible chat-completions endpoint, a models listing, and a
// management/stats endpoint over the conversation store.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/grok-openai-gateway/internal/config"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/conversation"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/session"
	"github.com/router-for-me/grok-openai-gateway/internal/logging"
)

// Server is the main API server: a Gin engine wired to the conversation
// store and the upstream session client.
type Server struct {
	engine *gin.Engine
	server *http.Server

	cfg      *config.Config
	store    *conversation.Store
	sessions *session.Client
}

// NewServer creates and wires the Gin engine, middleware, and routes.
func NewServer(cfg *config.Config, store *conversation.Store, sessions *session.Client) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		store:    store,
		sessions: sessions,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	chat := &chatHandler{cfg: s.cfg, store: s.store, sessions: s.sessions}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Grok OpenAI-compatibility gateway",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
			},
		})
	})

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", listModels)
		v1.POST("/chat/completions", chat.handle)
	}

	mgmt := s.engine.Group("/v0/management")
	{
		mgmt.GET("/stats", s.handleStats)
		mgmt.POST("/cleanup", s.handleCleanup)
	}
}

// corsMiddleware mirrors the teacher's permissive gateway CORS policy.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server is stopped or fails.
func (s *Server) Start() error {
	log.Debugf("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
