// Package api serves the local HTTP API: intent listing and firing, account
// diagnostics, sync and the activity journal.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vthunder/quasar-intents/internal/app"
	"github.com/vthunder/quasar-intents/internal/logging"
	"github.com/vthunder/quasar-intents/internal/quasar"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 500
)

// Server is the local HTTP API
type Server struct {
	app    *app.App
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the routes. listen is like "127.0.0.1:8099".
func NewServer(a *app.App, listen string) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		app:    a,
		engine: engine,
		http: &http.Server{
			Addr:              listen,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/activity", s.activity)

	accounts := s.engine.Group("/accounts/:account")
	{
		accounts.GET("/intents", s.listIntents)
		accounts.POST("/intents/:id/fire", s.fireIntent)
		accounts.GET("/diagnostics", s.diagnostics)
		accounts.POST("/sync", s.sync)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	go func() {
		logging.Info("api", "Listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api", "Server failed: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("api", "%s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// --- Handlers ---

func (s *Server) health(c *gin.Context) {
	accounts := make([]gin.H, 0)
	for _, ac := range s.app.Accounts() {
		entry := gin.H{"name": ac.Name(), "mode": ac.Mode()}
		if ac.Stream != nil {
			entry["stream"] = ac.Stream.State().String()
		}
		accounts = append(accounts, entry)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": accounts})
}

func (s *Server) account(c *gin.Context) (*app.Account, bool) {
	ac, err := s.app.Account(c.Param("account"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return ac, true
}

func (s *Server) listIntents(c *gin.Context) {
	ac, ok := s.account(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": app.DescribeAll(ac.Registry.Intents())})
}

func (s *Server) fireIntent(c *gin.Context) {
	ac, ok := s.account(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intent id must be a number"})
		return
	}
	in := ac.Registry.Get(id)
	if in == nil || !ac.Fire(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown intent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fired": true, "intent": in.Name})
}

func (s *Server) diagnostics(c *gin.Context) {
	ac, ok := s.account(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ac.Diagnostics(c.Request.Context()))
}

func (s *Server) sync(c *gin.Context) {
	ac, ok := s.account(c)
	if !ok {
		return
	}
	report, err := ac.Sync(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, app.ErrPlayerNotFound):
			status = http.StatusConflict
		case quasar.IsAuthError(err):
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"created": report.Created,
		"updated": report.Updated,
		"failed":  report.Failed,
		"stopped": report.Stopped,
	})
}

func (s *Server) activity(c *gin.Context) {
	journal := s.app.Journal()
	if journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "activity journal is disabled"})
		return
	}

	limit := defaultActivityLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		limit = min(n, maxActivityLimit)
	}

	entries, err := journal.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
