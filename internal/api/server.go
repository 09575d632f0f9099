// Package api exposes the gateway to local callers over HTTP.
//
// Local callers never hold the credentials: they send plain requests under /api/
// and the gateway decorates, forwards and recovers them. The /session routes drive
// login, logout and inspection of the current session.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fclairamb/tokengate/internal/authapi"
	"github.com/fclairamb/tokengate/internal/config"
	"github.com/fclairamb/tokengate/internal/gateway"
	"github.com/fclairamb/tokengate/internal/store"
	"github.com/fclairamb/tokengate/internal/version"
)

// Authenticator signs a user in against the upstream auth API.
type Authenticator interface {
	Login(ctx context.Context, req authapi.LoginRequest) (*authapi.Session, error)
}

// EventLog records and lists session history. *store.Store satisfies it.
type EventLog interface {
	Health(ctx context.Context) error
	LogSessionEvent(ctx context.Context, event *store.SessionEvent) error
	ListSessionEvents(ctx context.Context, filter store.SessionEventFilter) ([]store.SessionEvent, error)
}

// Deps are the collaborators of the server. Events and Gatherer are optional.
type Deps struct {
	Gateway  *gateway.Gateway
	Auth     Authenticator
	Events   EventLog
	Gatherer prometheus.Gatherer
}

// Server represents the local HTTP server.
type Server struct {
	gateway    *gateway.Gateway
	auth       Authenticator
	events     EventLog
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	httpServer *http.Server
	config     *config.Config
}

// NewServer creates a new API server.
func NewServer(deps Deps, logger *slog.Logger, cfg *config.Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		gateway:  deps.Gateway,
		auth:     deps.Auth,
		events:   deps.Events,
		gatherer: deps.Gatherer,
		logger:   logger,
		config:   cfg,
	}
}

const (
	httpReadTimeout = 15 * time.Second
	httpIdleTimeout = 60 * time.Second
)

// Start starts the API server.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: httpReadTimeout,
		// No write timeout: a proxied call may wait for a refresh. The outbound
		// client timeout bounds it.
		IdleTimeout: httpIdleTimeout,
	}

	s.logger.InfoContext(context.Background(), "Starting API server", slog.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// setupRouter configures the Gin router.
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(s.loggingMiddleware())

	router.GET("/healthz", s.handleHealth)
	router.GET("/version", s.handleVersion)

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	session := router.Group("/session")
	{
		session.GET("", s.handleSessionStatus)
		session.POST("/login", s.handleLogin)
		session.POST("/logout", s.handleLogout)
		session.GET("/events", s.handleListSessionEvents)
	}

	// Everything under /api/ is forwarded upstream through the gateway
	router.Any("/api/*path", s.handleProxy)

	return router
}

// handleHealth returns the health status.
func (s *Server) handleHealth(c *gin.Context) {
	if s.events != nil {
		if err := s.events.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unhealthy"})

			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleVersion returns build version information.
func (s *Server) handleVersion(c *gin.Context) {
	runMode := ""
	if s.config != nil {
		runMode = string(s.config.RunMode)
	}

	c.JSON(http.StatusOK, gin.H{
		"build_version": version.Version,
		"build_commit":  version.Commit,
		"build_time":    version.GitTime,
		"run_mode":      runMode,
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		s.logger.InfoContext(c.Request.Context(), "API request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", statusCode),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", getRequestID(c)),
		)
	}
}

// profile returns the configured credential profile.
func (s *Server) profile() string {
	if s.config != nil && s.config.Profile != "" {
		return s.config.Profile
	}

	return config.DefaultProfile
}

// errorResponse sends an error response.
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// successResponse sends a success response.
func successResponse(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}
