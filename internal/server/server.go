package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/poolkeeper/internal/metrics"
	itls "github.com/loykin/poolkeeper/internal/tls"
)

// Server is a running HTTP listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan error
}

// TLSOptions enables HTTPS when both certificate paths are set.
type TLSOptions = itls.Options

// Listen binds addr and serves h in the background. Bind errors are
// returned synchronously.
func Listen(addr string, h http.Handler, tlsOpts TLSOptions, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	var tlsCfg *tls.Config
	if tlsOpts.Enabled() {
		var err error
		if tlsCfg, err = itls.ServerConfig(tlsOpts); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// stop-all waits out the bulk grace period before answering
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ln:   ln,
		done: make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			log.Error("http server stopped", "addr", ln.Addr().String(), "err", err)
		}
		s.done <- err
	}()
	return s, nil
}

// NewServer starts the control API for r on addr.
func NewServer(addr string, r *Router, tlsOpts TLSOptions) (*Server, error) {
	return Listen(addr, r.Handler(), tlsOpts, r.log)
}

// NewMetricsServer serves Prometheus metrics at /metrics on addr.
func NewMetricsServer(addr string, log *slog.Logger) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return Listen(addr, mux, TLSOptions{}, log)
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Done yields the serve error (nil after a clean shutdown) once the server stops.
func (s *Server) Done() <-chan error { return s.done }

// Shutdown stops accepting connections and waits for active ones up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
