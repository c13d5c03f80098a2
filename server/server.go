// Package server owns the application components and the HTTP server,
// and coordinates startup and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/cui-project/cui-server/api"
	"github.com/cui-project/cui-server/claude"
	"github.com/cui-project/cui-server/config"
	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/db"
	"github.com/cui-project/cui-server/history"
	"github.com/cui-project/cui-server/log"
	"github.com/cui-project/cui-server/notifications"
	"github.com/cui-project/cui-server/permissions"
	"github.com/cui-project/cui-server/sessioninfo"
	"github.com/cui-project/cui-server/stream"
	"github.com/cui-project/cui-server/tracker"
)

// Server owns and coordinates all application components
type Server struct {
	cfg *config.Config

	// Components (owned by server)
	database      *sql.DB
	streams       *stream.Broadcaster
	tracker       *tracker.Tracker
	sessions      *sessioninfo.Store
	historyReader *history.Reader
	watcher       *history.Watcher
	manager       *claude.Manager
	mediator      *permissions.Mediator
	notifService  *notifications.Service
	conversations *conversations.Service

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (NDJSON, WebSocket, SSE) should listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// conversationEndNotifier forwards child-exit events onto the SSE bus.
type conversationEndNotifier struct {
	notif *notifications.Service
}

func (n conversationEndNotifier) ConversationEnded(streamingID, sessionID string) {
	n.notif.NotifyConversationEnded(streamingID, sessionID)
}

// permissionRequestNotifier forwards new permission requests onto the
// SSE bus.
type permissionRequestNotifier struct {
	notif *notifications.Service
}

func (n permissionRequestNotifier) PermissionRequested(req permissions.Request) {
	n.notif.NotifyPermissionRequested(req.ID, req.StreamingID, req.ToolName)
}

// New creates a new server with all components initialized
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	// 1. Open database
	log.Info().Str("path", cfg.DatabasePath).Msg("initializing database")
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.database = database

	// 2. Session-info store (migrates the on-disk document if needed)
	s.sessions = sessioninfo.NewStore(filepath.Join(cfg.DataDir, "session-info.json"))
	if err := s.sessions.Initialize(); err != nil {
		cancel()
		database.Close()
		return nil, fmt.Errorf("failed to initialize session info store: %w", err)
	}

	// 3. Core plumbing
	s.notifService = notifications.NewService()
	s.streams = stream.NewBroadcaster()
	s.tracker = tracker.New()

	// 4. History reader over ~/.claude/projects, with fsnotify cache
	// invalidation
	s.historyReader = history.NewReader(cfg.ProjectsDir, s.sessions, s.tracker)
	watcher, err := history.NewWatcher(s.historyReader)
	if err != nil {
		log.Warn().Err(err).Msg("history watcher unavailable, falling back to rescans")
	} else {
		s.watcher = watcher
	}

	// 5. Process manager and permission mediator
	s.manager = claude.NewManager(cfg, s.streams, s.tracker, conversationEndNotifier{s.notifService})
	s.mediator = permissions.NewMediator(s.streams, permissionRequestNotifier{s.notifService})

	// 6. Facade for the HTTP layer
	s.conversations = conversations.NewService(cfg, s.manager, s.tracker, s.historyReader, s.sessions)

	// 7. Setup HTTP router
	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	// Set Gin mode
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router
	s.router = gin.New()

	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// CORS for development
	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// Security headers (production only)
	if !s.cfg.IsDevelopment() {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip streaming endpoints; matching is by prefix)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/stream/",        // NDJSON / WebSocket - needs per-record flushing
		"/api/notifications/", // SSE - needs streaming
		"/api/permissions/",   // decision wait long-polls
	})))

	// Trust proxy headers
	s.router.SetTrustedProxies(nil)

	// Ignore .well-known requests
	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	api.SetupRoutes(s.router, api.NewHandlers(
		s.cfg,
		s.conversations,
		s.streams,
		s.mediator,
		s.notifService,
		s.database,
	))
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
			"http://localhost:5173": true,
		}

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Start starts background services and the HTTP server (blocks)
func (s *Server) Start() error {
	log.Info().Msg("starting server components")

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("history watcher failed to start")
		}
	}

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server: stop the children first so
// every stream gets its closed record, then disconnect subscribers, then
// tear down the HTTP server and storage.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Signal long-running handlers (streams, SSE) to stop
	s.shutdownCancel()

	// 2. Stop all children; each exit closes its stream with a closed
	// record
	s.manager.Shutdown(ctx)

	// 3. Drop any remaining subscribers and SSE clients
	s.streams.DisconnectAll()
	s.notifService.Shutdown()

	// Give handlers a moment to process the closures before the HTTP
	// server starts refusing writes.
	time.Sleep(100 * time.Millisecond)

	// 4. Shutdown HTTP server (stop accepting new requests and wait for
	// existing ones)
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// 5. Stop the history watcher
	if s.watcher != nil {
		s.watcher.Stop()
	}

	// Close database last
	if s.database != nil {
		if err := s.database.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
			return err
		}
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors
func (s *Server) Router() *gin.Engine                    { return s.router }
func (s *Server) Conversations() *conversations.Service { return s.conversations }
func (s *Server) ShutdownContext() context.Context       { return s.shutdownCtx }
