// Package server is the HTTP front end of the dev server. It serves the
// generated site from the output directory, upgrades /ws to the HMR hub
// and reports health.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/server/middleware"
)

// DefaultGzipMinSize is the smallest response compressed when the client
// accepts gzip.
const DefaultGzipMinSize = 1024

// Config configures the HTTP server.
type Config struct {
	Host      string
	Port      int
	OutputDir string
	// Environment is "development" or "production". Development disables
	// caching of everything but hashed assets and allows any CORS origin.
	Environment    string
	AllowedOrigins []string
	GzipMinSize    int
	// InjectClient adds the HMR client script to served HTML pages.
	InjectClient bool
	RateLimit    middleware.RateLimit
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logger.WithComponent("server") }
}

// WithHealth adds fields reported by /health.
func WithHealth(fn func() map[string]interface{}) Option {
	return func(s *Server) { s.health = fn }
}

// WebSocketHandler upgrades HMR connections. *websocket.Manager implements
// it.
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// Server serves the output directory.
type Server struct {
	config  Config
	fs      afero.Fs
	ws      WebSocketHandler
	health  func() map[string]interface{}
	logger  logging.Logger
	limiter *middleware.RateLimiter
	started time.Time

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

// New creates a server reading the site from fsys under cfg.OutputDir. ws
// may be nil, in which case /ws is not routed.
func New(cfg Config, fsys afero.Fs, ws WebSocketHandler, opts ...Option) *Server {
	if cfg.GzipMinSize <= 0 {
		cfg.GzipMinSize = DefaultGzipMinSize
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	s := &Server{
		config:  cfg,
		fs:      fsys,
		ws:      ws,
		logger:  logging.Discard(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit.Enabled() {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.ws != nil {
		mux.HandleFunc("/ws", s.ws.HandleWebSocket)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(clientScriptPath, s.handleClientScript)
	mux.HandleFunc("/", s.handleStatic)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Handler(handler)
	}
	return s.addMiddleware(handler)
}

// Listen binds the listener. A bind failure is fatal to the dev server.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return errors.NewNetworkError("", fmt.Errorf("listen on %s: %w", s.config.Addr(), err))
	}

	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr()
}

// Serve handles requests until Shutdown. Listen must have succeeded.
func (s *Server) Serve() error {
	s.serverMutex.RLock()
	server, ln := s.httpServer, s.listener
	s.serverMutex.RUnlock()
	if server == nil {
		return stderrors.New("server: Serve called before Listen")
	}

	s.logger.Info(context.Background(), "Serving site", "url", "http://"+ln.Addr().String(), "output", s.config.OutputDir)
	if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			err = server.Shutdown(ctx)
		}
	})
	return err
}
