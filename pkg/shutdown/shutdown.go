package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/render-experiments/pkg/logging"
)

// Manager cancels a root context on SIGINT/SIGTERM and runs registered
// cleanup functions in reverse order of registration.
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	logger        *logging.Logger
	once          sync.Once
	watchers      sync.WaitGroup
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// NotifyContext returns a context cancelled on the first SIGINT or SIGTERM.
// A second signal exits the process immediately, until the returned cancel
// function is called.
func (m *Manager) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stopped := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() { close(stopped) })
		cancel()
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.logger.Warn("received signal, terminating child processes", logging.Fields{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			m.logger.Error("second signal, exiting now", logging.Fields{"signal": sig.String()})
			os.Exit(130)
		case <-stopped:
		}
	}()

	return ctx, stop
}

// Shutdown executes all registered shutdown functions once
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
			f := m.shutdownFuncs[i]
			if err := f.fn(ctx); err != nil {
				m.logger.Warn("shutdown step failed", logging.Fields{"step": f.name, "error": err.Error()})
			}
		}
	})
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}
