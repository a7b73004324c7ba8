// Package relay is a self-hosted stand-in for the backing store, for development
// and for shops without a hosted database.
//
// It serves the same wire protocol the store adapter speaks:
//
//	GET|PUT|DELETE /{path}.json   JSON tree access, ETag / if-match on request
//	GET /.ws?prefix=P             websocket change stream of {path, value}
//	GET /.health                  liveness and connected stream count
//
// The tree lives in memory; with a Persistence attached every top-level node is
// written through, so a restarted relay comes back with its data.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/shiftboard/shiftsync/internal/store"
	"github.com/shiftboard/shiftsync/internal/version"
)

// Persistence stores top-level nodes of the tree.
type Persistence interface {
	Documents(ctx context.Context) (map[string]json.RawMessage, error)
	PutDocument(ctx context.Context, path string, body json.RawMessage) error
	DeleteDocument(ctx context.Context, path string) error
}

// Config holds relay settings.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787)
	Addr string

	// AuthToken, when set, must be presented as ?auth= or a bearer token.
	AuthToken string

	// AllowOrigins for CORS and websocket origin checks (default: any).
	AllowOrigins []string

	// MaxBody bounds PUT payloads.
	MaxBody int64

	Persistence Persistence
	Logger      *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8787",
		AllowOrigins: []string{"*"},
		MaxBody:      16 << 20,
	}
}

// Server is the relay.
type Server struct {
	config *Config
	logger *slog.Logger
	engine *gin.Engine

	mu      sync.Mutex
	tree    *store.Tree
	clients map[*client]struct{}

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay, loading persisted data when configured.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = defaults.AllowOrigins
	}
	if config.MaxBody <= 0 {
		config.MaxBody = defaults.MaxBody
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  config,
		logger:  logger.With("component", "relay"),
		tree:    store.NewTree(),
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.Persistence != nil {
		docs, err := config.Persistence.Documents(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load relay data: %w", err)
		}
		for path, body := range docs {
			if err := s.tree.Set(path, body); err != nil {
				s.logger.Warn("skipping unreadable stored node", "path", path, "error", err)
			}
		}
		s.logger.Info("relay data loaded", "nodes", len(docs))
	}

	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  s.config.AllowOrigins,
		AllowMethods:  []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization", "if-match", store.HeaderETagRequest, store.HeaderClientVersion},
		ExposeHeaders: []string{"ETag"},
	}))

	r.GET("/.health", s.handleHealth)
	r.GET(store.StreamPath, s.authorize(), s.checkVersion(), s.handleStream)
	r.NoRoute(s.authorize(), s.checkVersion(), s.handleData)
	return r
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server error", "error", err)
		}
	}()
	return nil
}

// Stop closes every stream and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("relay shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("relay stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected change streams.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"clients":  s.ClientCount(),
		"protocol": version.Protocol,
	})
}
