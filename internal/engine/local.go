// ABOUTME: LocalTransport creates runners inside the calling process.
// ABOUTME: No sockets and no serialization; the degenerate Transport used when isolation is off.

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// LocalTransport implements Transport by calling the factory directly.
type LocalTransport struct {
	factory RunnerFactory
	logger  *slog.Logger

	mu      sync.Mutex
	runners []Runner
	closed  bool
}

// NewLocalTransport creates an in-process transport.
func NewLocalTransport(factory RunnerFactory, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTransport{
		factory: factory,
		logger:  logger.With("component", "local-transport"),
	}
}

// ErrTransportClosed is returned by a Transport after Close.
var ErrTransportClosed = errors.New("transport closed")

// CreateRunner creates a runner for pkg in this process.
func (t *LocalTransport) CreateRunner(ctx context.Context, pkg *TestPackage) (Runner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	runner, err := t.factory(pkg)
	if err != nil {
		return nil, err
	}
	t.runners = append(t.runners, runner)
	t.logger.Debug("runner created", "package", pkg.ID)
	return runner, nil
}

// Close stops and unloads every runner created by the transport.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	runners := t.runners
	t.runners = nil
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, r := range runners {
		r.StopRun(true)
		if err := r.Unload(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
