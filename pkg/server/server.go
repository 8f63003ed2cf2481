// Package server exposes a running engine over HTTP: loading packages on
// demand, inspecting the package store and the engine state, and serving
// prometheus metrics. A watched directory mounts containers as they are
// cooked into it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/metrics"
)

// Server is the debug/API HTTP server. It is created stopped; Start serves
// until its context is canceled.
type Server struct {
	server       *http.Server
	engine       Engine
	config       Config
	shutdownOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server for e. m may be nil.
func New(cfg Config, e Engine, m metrics.ServerMetrics) *Server {
	cfg.applyDefaults()
	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(e, cfg, m),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		engine: e,
		config: cfg,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens, starts the directory watcher when configured, and blocks
// until ctx is canceled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("API server failed: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)
	if s.config.WatchDir != "" {
		w, err := NewWatcher(s.config.WatchDir, s.engine)
		if err != nil {
			_ = ln.Close()
			return err
		}
		go func() {
			if err := w.Run(runCtx); err != nil {
				errChan <- err
			}
		}()
		logger.Info("watching container directory", logger.KeyPath, s.config.WatchDir)
	}

	go func() {
		logger.Info("API server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// ctx is already canceled, shutdown needs its own deadline
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		_ = s.Stop(context.Background())
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop shuts the server down gracefully. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.Err(err))
			return
		}
		logger.Info("API server stopped gracefully")
	})
	return shutdownErr
}

// Addr returns the listen address once serving, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}
