package utils

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *slog.Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}

	return &GracefulShutdown{
		shutdownFn: make([]func() error, 0),
		timeout:    timeout,
		logger:     logger.With("component", "shutdown"),
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown executes all registered shutdown functions in reverse order (LIFO)
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	fns := make([]func() error, len(g.shutdownFn))
	copy(fns, g.shutdownFn)
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "components", len(fns))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.logger.Error("shutdown function failed", "index", i, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		g.logger.Info("graceful shutdown complete")
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return errors.New("shutdown timeout")
	}
}
