package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moolen/scr/internal/logging"
)

// Server exposes a prometheus registry over HTTP. It implements
// lifecycle.Component.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	handlers map[string]http.Handler
	logger   *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server for gatherer listening on addr. Extra handlers
// are mounted next to /metrics and /health.
func NewServer(addr string, gatherer prometheus.Gatherer, handlers map[string]http.Handler) *Server {
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		handlers: handlers,
		logger:   logging.GetLogger("metrics.server"),
	}
}

func (s *Server) Name() string {
	return "metrics-server"
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	for path, h := range s.handlers {
		mux.Handle(path, h)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorWithErr("Metrics server failed", err)
		}
	}(s.server, s.done)

	s.logger.Info("Serving metrics on %s", ln.Addr())
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	<-done
	return nil
}

// Addr returns the listening address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
