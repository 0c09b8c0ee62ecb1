package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aurelia-labs/shotprep/internal/job"
	"github.com/aurelia-labs/shotprep/internal/resource"
)

// DriverFactory builds a fully wired driver for one run. The returned
// cleanup releases run-scoped resources (dataset handle, engines).
type DriverFactory func(datasetPath, outRoot, profile string) (*job.Driver, func(), error)

// Manager serializes runs: the backends share one accelerator, so at most
// one run may be active.
type Manager struct {
	factory DriverFactory
	log     *slog.Logger

	mu      sync.Mutex
	current *job.Driver
	cancel  context.CancelFunc
	last    *job.Summary
	lastErr error
}

func NewManager(factory DriverFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{factory: factory, log: logger}
}

// Start launches a run in the background. Returns the run ID, or an error
// when a run is already active.
func (m *Manager) Start(datasetPath, outRoot, profile string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return "", fmt.Errorf("a run is already active: %s", m.current.RunID())
	}

	driver, cleanup, err := m.factory(datasetPath, outRoot, profile)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.current = driver
	m.cancel = cancel

	go func() {
		summary, runErr := driver.Run(ctx)
		cleanup()
		cancel()

		m.mu.Lock()
		m.current = nil
		m.cancel = nil
		m.last = &summary
		m.lastErr = runErr
		m.mu.Unlock()

		if runErr != nil {
			m.log.Error("server.run.fatal", "run_id", summary.RunID, "error", runErr)
		} else {
			m.log.Info("server.run.finished", "run_id", summary.RunID, "status", summary.Status)
		}
	}()

	return driver.RunID(), nil
}

// Stop requests a cooperative stop of the active run, if any.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// Status reports the active run's progress and resource state, or the
// last summary when idle.
func (m *Manager) Status() (active *job.Progress, res *resource.State, last *job.Summary, lastErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		p := m.current.Snapshot()
		rs := m.current.ResourceState()
		return &p, &rs, nil, nil
	}
	return nil, nil, m.last, m.lastErr
}
