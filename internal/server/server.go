// Package server exposes work items and their execution sessions over HTTP
// and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berth-dev/keel/internal/session"
	"github.com/berth-dev/keel/internal/workitem"
)

// WorkItemStore is the persistence the API reads from and creates into.
type WorkItemStore interface {
	CreateWorkItem(ctx context.Context, item *workitem.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*workitem.WorkItem, error)
	ListWorkItems(ctx context.Context) ([]*workitem.WorkItem, error)
	Messages(ctx context.Context, itemID string) ([]workitem.Message, error)
	Ideas(ctx context.Context, itemID string) ([]workitem.Idea, error)
}

// Options configures a Server. Manager, Store and Hub are required.
type Options struct {
	Manager *session.Manager
	Store   WorkItemStore
	Hub     *Hub
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer       prometheus.Gatherer
	// AllowedOrigins lists WebSocket origins. Empty means same origin only.
	AllowedOrigins []string
	// WorkspaceRoot bounds client-supplied working directories. Empty
	// rejects them.
	WorkspaceRoot string
	Logger        *slog.Logger
	Debug         bool
}

// Server is the keel HTTP API.
type Server struct {
	manager  *session.Manager
	store    WorkItemStore
	hub      *Hub
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	// workspaceRoot is absolute and clean, or empty.
	workspaceRoot string

	listener net.Listener
	http     *http.Server
}

// New builds the server and its routes. It does not listen yet.
func New(opts Options) (*Server, error) {
	if opts.Manager == nil || opts.Store == nil || opts.Hub == nil {
		return nil, errors.New("server requires a session manager, a store and a hub")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	root := ""
	if opts.WorkspaceRoot != "" {
		abs, err := filepath.Abs(opts.WorkspaceRoot)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		root = abs
	}

	s := &Server{
		manager: opts.Manager,
		store:   opts.Store,
		hub:     opts.Hub,
		logger:  opts.Logger,
		engine:  gin.New(),

		workspaceRoot: root,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	s.engine.Use(gin.Recovery(), requestLogger(s.logger))
	s.routes(opts.Gatherer)
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	items := api.Group("/work-items")
	{
		items.POST("", s.handleCreateWorkItem)
		items.GET("", s.handleListWorkItems)
		items.GET("/:id", s.handleGetWorkItem)
		items.GET("/:id/messages", s.handleMessages)
		items.GET("/:id/ideas", s.handleIdeas)
		items.GET("/:id/ws", s.handleWebSocket)
	}

	exec := items.Group("/:id/execution")
	{
		exec.GET("", s.handleExecutionStatus)
		exec.POST("/start", s.handleStart)
		exec.POST("/message", s.handleMessage)
		exec.POST("/abort", s.handleAbort)
		exec.POST("/resume", s.handleResume)
		exec.POST("/continue", s.handleContinue)
	}

	api.GET("/sessions", s.handleListSessions)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds addr. Use ":0" for a random port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address (e.g. "127.0.0.1:8420").
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve handles requests until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every WebSocket connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.http.Shutdown(ctx)
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) > 0 {
			return slices.Contains(allowed, origin)
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
