package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcogenualdo/sso-client/internal/config"
	"github.com/marcogenualdo/sso-client/internal/session"
	"github.com/marcogenualdo/sso-client/internal/storage"
)

type Server struct {
	cfg        *config.Config
	store      storage.Store
	discovery  session.Discovery
	manager    *session.Manager
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg *config.Config, store storage.Store, discovery session.Discovery, manager *session.Manager, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		discovery: discovery,
		manager:   manager,
		logger:    logger,
	}
}

// Start serves until the process receives SIGINT or SIGTERM. onListening, when
// set, runs once the listener is bound.
func (s *Server) Start(onListening func()) error {
	router, err := s.Handler()
	if err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"host", s.cfg.Server.Host,
			"port", s.cfg.Server.Port,
			"base_url", s.cfg.Server.BaseURL,
		)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if onListening != nil {
		onListening()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig)
		return s.Shutdown()
	}
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing storage", "error", err)
	}

	s.logger.Info("server shutdown complete")
	return nil
}
