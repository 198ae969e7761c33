// Package httpserver serves the operational status endpoint: health,
// the active session list and prometheus metrics.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
)

// SessionLister reports the sessions currently served
type SessionLister interface {
	Sessions() []ipc.SessionEntry
}

// Options configures the status server
type Options struct {
	Addr     string
	Sessions SessionLister
	Gatherer prometheus.Gatherer // nil serves the default registry
	Version  string
}

// Server is the status HTTP server. It is meant to listen on a loopback
// or management address only.
type Server struct {
	addr       string
	httpServer *http.Server
	mux        *http.ServeMux
	sessions   SessionLister
	version    string
	limiter    *IPRateLimiter
}

// NewServer creates the status server
func NewServer(opts Options) *Server {
	s := &Server{
		addr:     opts.Addr,
		mux:      http.NewServeMux(),
		sessions: opts.Sessions,
		version:  opts.Version,
		limiter:  newIPRateLimiter(10, 50),
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	handler = s.limiter.middleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("starting status HTTP server", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down status HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
