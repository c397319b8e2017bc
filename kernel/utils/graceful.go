package utils

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// GracefulShutdown runs registered teardown steps in reverse registration
// order. Steps run one at a time: a channel must be gone before its address
// space, and every address space before the device's semaphore sea.
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *Logger
}

type shutdownStep struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		steps:   make([]shutdownStep, 0),
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a named shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions, newest first. A
// failing step does not stop the remaining ones; all failures are returned
// combined. Steps not started before the timeout are skipped.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	steps := g.steps
	g.steps = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(steps)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := shutdownCtx.Err(); err != nil {
			g.logger.Warn("Graceful shutdown timed out",
				Int("remaining", i+1),
			)
			return multierr.Append(errs, TimeoutError("shutdown"))
		}

		if err := step.fn(); err != nil {
			g.logger.Error("Shutdown step failed",
				String("step", step.name),
				Err(err),
			)
			errs = multierr.Append(errs, WrapError(err, step.name))
		}
	}

	if errs == nil {
		g.logger.Info("Graceful shutdown complete")
	}
	return errs
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return NewError(operation + ": operation timed out")
}
