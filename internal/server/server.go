// Package server is the HTTP and WebSocket transport the plugin host binds
// its route and socket adapters to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andrei-cloud/go_webhost/internal/errorcodes"
	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config holds the transport settings.
type Config struct {
	Address         string
	Name            string
	HTMLDirectory   string
	IndexFile       string
	ErrorCodes      *errorcodes.Set
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration

	// Intercept runs before static files are served. A true result answers
	// the request with the returned response.
	Intercept func(ctx context.Context, req plugins.Request) (plugins.Response, bool, error)
}

// TLS reports whether both certificate and key are configured.
func (c Config) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Server routes requests to plugin adapters.
type Server struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	bound   map[string]string
	httpSrv *http.Server
	ln      net.Listener

	//nolint:containedctx // socket handlers outlive their upgrade request and stop with the server.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a server with no routes bound.
func NewServer(cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.html"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		bound:   make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(serverName(cfg.Name))
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.NotFound(s.serveStatic)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.renderError(w, r, http.StatusMethodNotAllowed)
	})
	s.router = r

	return s
}

// Handler returns the root handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		var err error
		if s.cfg.TLS() {
			err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("event", "server_failed").Msg("server stopped unexpectedly")
		}
	}()

	log.Info().
		Str("event", "server_started").
		Str("name", s.cfg.Name).
		Str("address", ln.Addr().String()).
		Bool("tls", s.cfg.TLS()).
		Msg("server started")

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return s.cfg.Address
	}

	return s.ln.Addr().String()
}

// Stop shuts the listener down, waiting up to the shutdown timeout for
// in-flight requests, and ends open sockets.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	s.cancel()
	if srv == nil {
		s.wg.Wait()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	s.wg.Wait()
	log.Info().Str("event", "server_stopped").Msg("server stopped")

	return err
}
