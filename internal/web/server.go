package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/flowsync/internal/actor"
	"github.com/codefionn/flowsync/internal/analyzer"
	"github.com/codefionn/flowsync/internal/collab"
	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/logger"
	"github.com/codefionn/flowsync/internal/media"
	"github.com/codefionn/flowsync/internal/store"
)

// Engine is the collaboration engine as seen by the transport.
type Engine interface {
	Deliver(ctx context.Context, ch collab.Channel, frame []byte) error
	Disconnect(ctx context.Context, ch collab.Channel) error
	Sessions(ctx context.Context) ([]collab.Summary, error)
	Snapshot(ctx context.Context, workflowID int64) (collab.Snapshot, bool, error)
	Stats() actor.Stats
}

// Store is the record store used by the REST API.
type Store interface {
	Ping(ctx context.Context) error

	CreateWorkflow(ctx context.Context, w *store.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*store.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*store.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *store.Workflow) error
	DeleteWorkflow(ctx context.Context, id int64) error
	SessionHistory(ctx context.Context, workflowID int64) ([]*store.SessionRecord, error)

	CreateGalleryItem(ctx context.Context, item *store.GalleryItem) error
	GetGalleryItem(ctx context.Context, id int64) (*store.GalleryItem, error)
	ListGalleryItems(ctx context.Context, workflowID int64) ([]*store.GalleryItem, error)
	SetGalleryAnalysis(ctx context.Context, id int64, analysis json.RawMessage) error
	DeleteGalleryItem(ctx context.Context, id int64) error
}

// MediaRunner runs media transforms and probes.
type MediaRunner interface {
	Transform(ctx context.Context, req media.TransformRequest) (*media.TransformResult, error)
	Probe(ctx context.Context, path string) (*media.ProbeResult, error)
}

// Deps are the collaborators the server routes to. Analyzer and Media may
// be nil; their endpoints then answer 503.
type Deps struct {
	Engine   Engine
	Store    Store
	Analyzer analyzer.Analyzer
	Media    MediaRunner
}

// Server serves the collaboration WebSocket endpoint and the REST API.
type Server struct {
	cfg        *config.Config
	deps       Deps
	hub        *Hub
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	limits     clientLimits
	httpServer *http.Server
	listener   net.Listener
	log        *logger.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		hub:    NewHub(),
		router: httprouter.New(),
		limits: limitsFromConfig(cfg),
		log:    logger.Global().WithPrefix("web"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET(s.cfg.Server.CollabPath, s.handleWebSocket)

	s.router.GET("/health", s.handleHealth)

	s.router.GET("/api/sessions", s.handleSessions)
	s.router.GET("/api/sessions/:workflowId", s.handleSessionSnapshot)

	s.router.GET("/api/workflows", s.handleListWorkflows)
	s.router.POST("/api/workflows", s.handleCreateWorkflow)
	s.router.GET("/api/workflows/:id", s.handleGetWorkflow)
	s.router.PUT("/api/workflows/:id", s.handleUpdateWorkflow)
	s.router.DELETE("/api/workflows/:id", s.handleDeleteWorkflow)
	s.router.GET("/api/workflows/:id/history", s.handleWorkflowHistory)

	s.router.GET("/api/gallery", s.handleListGallery)
	s.router.POST("/api/gallery", s.handleCreateGalleryItem)
	s.router.DELETE("/api/gallery/:id", s.handleDeleteGalleryItem)
	s.router.POST("/api/gallery/:id/analyze", s.handleAnalyzeGalleryItem)

	s.router.POST("/api/media/transform", s.handleMediaTransform)
	s.router.GET("/api/media/probe", s.handleMediaProbe)

	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route", nil)
	})
	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed", nil)
	})
	s.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		s.log.Error("panic serving %s %s: %v", r.Method, r.URL.Path, v)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error", nil)
	}
}

// Handler returns the HTTP handler with every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSeconds) * time.Second,
		ErrorLog:     logger.NewStdLogger(s.log, slog.LevelWarn),
	}

	go s.hub.Run()

	go func() {
		s.log.Info("Listening on %s (collaboration endpoint %s)", ln.Addr(), s.cfg.Server.CollabPath)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Server.Addr
}

// Stop stops accepting requests and closes all collaboration connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("Stopping web server...")

	err := s.httpServer.Shutdown(ctx)
	s.hub.Shutdown()
	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.log.Warn("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	client := NewClient(s.hub, conn, s.deps.Engine, s.limits)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// originChecker allows browser upgrades only from the listed origins. An
// empty list, or a request without Origin, is always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		if !ok {
			logger.Warn("WebSocket origin %q rejected", origin)
		}
		return ok
	}
}
