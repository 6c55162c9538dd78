// Package server exposes agent runs over HTTP: submit a request, watch
// its event stream over SSE, answer approval gates, and inspect the
// tool catalog.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smithrun/smith/internal/engine"
	"github.com/smithrun/smith/internal/planner"
	"github.com/smithrun/smith/internal/registry"
	"github.com/smithrun/smith/internal/throttle"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
	// ApprovalTimeout bounds how long a dangerous call waits for a web
	// decision. Zero uses the approver default.
	ApprovalTimeout time.Duration
}

// Runner carries the shared pieces each run's engine is built from.
// Sink and approval decider are replaced per run.
type Runner struct {
	Registry  *registry.Registry
	Planner   *planner.Planner
	Generator engine.Generator
	Pacer     *throttle.Pacer
	Options   engine.Options
}

// Server is the HTTP server for managing agent runs.
type Server struct {
	config  Config
	runner  Runner
	runs    *RunRegistry
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a new Server with the given config and runner.
func New(cfg Config, runner Runner) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		runner:  runner,
		runs:    NewRunRegistry(),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[smith-server] ", log.LstdFlags),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/approvals", s.handleGetApprovals)
	mux.HandleFunc("POST /runs/{id}/approvals/{aid}/answer", s.handleAnswerApproval)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux, cfg.Addr),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers
// automatically set the Origin header on cross-origin requests, so
// checking it blocks CSRF from malicious web pages while allowing
// CLI/programmatic callers (which either omit Origin or set it to
// match the server).
func csrfProtect(next http.Handler, _ string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins. This blocks
				// browser-based CSRF from remote pages while allowing
				// local web UIs.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and all running runs.
func (s *Server) Shutdown() {
	// Cancel all running runs.
	s.runs.CancelAll("server shutting down")

	// Give HTTP connections time to drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	// Cancel the base context.
	s.cancel()
}
