// Package proxy serves the HTTP routes that front the agent gateway and the
// trading API.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Options wires the upstreams behind each route
type Options struct {
	Addr       string
	Responses  ResponsesOptions
	Gateway    Caller
	BackendURL string
}

// OptionsFromConfig builds Options from cfg with the given gateway caller
func OptionsFromConfig(cfg *config.Config, caller Caller) Options {
	return Options{
		Addr:       cfg.Server.Addr,
		Responses:  ResponsesOptionsFromConfig(cfg),
		Gateway:    caller,
		BackendURL: cfg.BackendURL(),
	}
}

// Server is the proxy HTTP server
type Server struct {
	httpServer *http.Server
	startedAt  time.Time
	log        *logger.ComponentLogger
}

// NewServer creates a server for opts
func NewServer(opts Options) *Server {
	s := &Server{
		startedAt: time.Now(),
		log:       logger.WithComponent("proxy"),
	}

	mux := http.NewServeMux()
	mux.Handle("/api/openclaw/responses", NewResponsesHandler(opts.Responses))
	mux.Handle("/api/openclaw/{method...}", NewGatewayHandler(opts.Gateway))
	mux.Handle("/api/proxy/{path...}", NewPassthroughHandler(opts.BackendURL, nil))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying flusher
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
