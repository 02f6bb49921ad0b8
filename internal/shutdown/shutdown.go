// Package shutdown coordinates graceful process termination: register
// cleanup funcs in the order their resources were started, then run
// them LIFO once a termination signal arrives or the caller triggers
// shutdown directly.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/protortyp/melon/internal/logging"
)

// Manager handles graceful shutdown of a daemon process.
type Manager struct {
	shutdownFuncs []func(context.Context) error
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
	log           *logging.Logger
}

// New creates a shutdown manager that gives each registered func up to
// timeout, in total, to run.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		shutdownFuncs: make([]func(context.Context) error, 0),
		timeout:       timeout,
		doneChan:      make(chan struct{}),
		log:           log,
	}
}

// Register adds a shutdown function. Functions run in reverse
// registration order (LIFO) so the last resource started is the first
// torn down.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// Wait blocks until SIGTERM or SIGINT is received, then runs Shutdown.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.log.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})

	m.once.Do(func() { close(m.doneChan) })
	m.Shutdown()
}

// Done returns a channel closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs every registered func, LIFO, bounded by timeout.
// Individual failures are logged, not fatal: every func gets a chance
// to run regardless of an earlier one's error.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		if err := m.shutdownFuncs[i](ctx); err != nil {
			m.log.Error("shutdown func failed", map[string]interface{}{"index": i, "error": err.Error()})
		}
	}

	m.log.Info("graceful shutdown complete", nil)
}

// StopHTTPServer returns a shutdown func for an *http.Server-shaped value.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource returns a shutdown func for an io.Closer-shaped value.
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	}
}
