package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tansel/stagehand/internal/config"
)

// drainGrace is how long in-flight intercepted requests get to finish before
// the listener is torn down. Proxy-lane relays are the slowest traffic the
// gateway carries, so this tracks the upstream timeout order of magnitude.
const drainGrace = 5 * time.Second

// Server owns the gateway's HTTP listener and orchestrates graceful shutdown.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once
}

// New binds the listener settings from configuration to the gateway handler.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With(slog.String("agent", "listener")),
		httpServer: httpSrv,
	}, nil
}

// Run keeps the listener active until the context is cancelled, draining
// in-flight lanes rather than dropping them.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("gateway listening",
			slog.String("address", s.httpServer.Addr),
			slog.String("proxy_api", s.cfg.Proxy.APIPrefix),
			slog.String("proxy_media", s.cfg.Proxy.MediaPrefix))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// shutdown collapses the listener once to stop duplicate shutdown work during
// cascading cancellations.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		started := time.Now()
		s.logger.Info("gateway draining", slog.Duration("grace", drainGrace))
		shutdownErr = s.httpServer.Shutdown(ctx)
		s.logger.Info("gateway drained", slog.Duration("elapsed", time.Since(started)))
	})
	return shutdownErr
}
