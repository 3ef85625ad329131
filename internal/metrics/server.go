package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// NewRouter mounts /metrics and /healthz.
func NewRouter(c *Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", c.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Server exposes a Collector over HTTP for the duration of a run.
type Server struct {
	listener net.Listener
	srv      *http.Server
	done     chan error
	logger   zerolog.Logger
}

// Listen binds addr and starts serving in the background. Stop it with
// Shutdown or by cancelling ctx.
func Listen(ctx context.Context, addr string, c *Collector, logger zerolog.Logger) (*Server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		srv: &http.Server{
			Handler:           NewRouter(c),
			ReadHeaderTimeout: 5 * time.Second,
		},
		done:   make(chan error, 1),
		logger: logger,
	}

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	context.AfterFunc(ctx, func() {
		_ = s.Shutdown(context.Background())
	})

	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Wait blocks until the server stops and returns its serve error.
func (s *Server) Wait() error {
	return <-s.done
}
