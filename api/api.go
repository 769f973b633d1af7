package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	mcpapi "github.com/papercomputeco/agentdbg/api/mcp"
	"github.com/papercomputeco/agentdbg/pkg/engine"
)

// Server is the API server fronting a debugging engine.
type Server struct {
	config Config
	engine *engine.Engine
	logger *zap.Logger
	app    *fiber.App
	mcp    *mcpapi.Server

	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	// closing ends event streams, which would otherwise hold Shutdown open.
	closing     chan struct{}
	closingOnce sync.Once

	httpServer *http.Server
}

// NewServer creates a new API server.
// The engine is injected so that the server and the command wiring it share
// sessions, recordings and the journal.
func NewServer(config Config, eng *engine.Engine, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaultMaxConnections
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}

	mcpServer, err := mcpapi.NewServer(mcpapi.Config{
		Engine: eng,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		engine: eng,
		logger: logger,
		app:    app,
		mcp:    mcpServer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		closing: make(chan struct{}),
	}

	app.Get("/ping", s.handlePing)
	app.Get("/status", s.handleStatus)
	app.Post("/admin/shutdown", s.handleShutdown)

	v1 := app.Group("/v1")
	v1.Get("/sessions", s.handleListSessions)
	v1.Post("/sessions", s.handleExecute)
	v1.Get("/sessions/:id", s.handleGetSession)
	v1.Get("/sessions/:id/summary", s.handleSessionSummary)
	v1.Get("/sessions/:id/snapshots", s.handleSessionSnapshots)
	v1.Get("/sessions/:id/stack", s.handleSessionStack)
	v1.Get("/sessions/:id/stack/:depth/:name", s.handleFrameVariable)

	v1.Get("/watches", s.handleListWatches)
	v1.Post("/watches", s.handleAddWatch)
	v1.Delete("/watches/:id", s.handleRemoveWatch)
	v1.Get("/breakpoints", s.handleListBreakpoints)
	v1.Patch("/breakpoints/:id", s.handlePatchBreakpoint)
	v1.Get("/snapshots/compare", s.handleCompareSnapshots)

	v1.Get("/recordings", s.handleListRecordings)
	v1.Post("/recordings/import", s.handleImportRecording)
	v1.Get("/recordings/:id", s.handleGetRecording)
	v1.Delete("/recordings/:id", s.handleDeleteRecording)
	v1.Get("/recordings/:id/events", s.handleRecordingEvents)
	v1.Get("/recordings/:id/export", s.handleExportRecording)
	v1.Post("/recordings/:id/replay", s.handleReplayRecording)
	v1.Get("/recordings/:id/annotations", s.handleListAnnotations)
	v1.Post("/recordings/:id/annotations", s.handleAnnotate)
	v1.Delete("/annotations/:id", s.handleDeleteAnnotation)

	v1.Get("/agents", s.handleListAgents)
	v1.Get("/tools", s.handleListTools)
	v1.Get("/tools/stats", s.handleToolStats)
	v1.Get("/timeline", s.handleTimeline)
	v1.Get("/timeline/stats", s.handleTimelineStats)

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler: the WebSocket endpoint at /ws, the
// event stream at /v1/events, the MCP endpoint at /mcp and the REST API
// everywhere else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.Handle("/mcp", s.mcp.Handler())
	mux.Handle("/", adaptor.FiberApp(s.app))
	return mux
}

// Run starts the API server on the configured address. It returns nil once
// the server is shut down.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
		zap.Int("max_connections", s.config.MaxConnections),
	)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunWithListener serves on an already bound listener.
func (s *Server) RunWithListener(l net.Listener) error {
	s.logger.Info("starting API server",
		zap.String("listen", l.Addr().String()),
		zap.Int("max_connections", s.config.MaxConnections),
	)

	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the API server, ends every event stream and
// disconnects every WebSocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closingOnce.Do(func() { close(s.closing) })
	err := s.httpServer.Shutdown(ctx)

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.close()
	}

	return err
}
