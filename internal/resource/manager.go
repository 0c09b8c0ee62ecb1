// Package resource enforces the accelerator residency invariant: at most
// one segmentation backend holds accelerator memory at any time. It also
// owns memory-pressure reclaim, the periodic reload that bounds slow
// memory creep, and the forced reload after repeated timeouts.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/backend"
	"github.com/aurelia-labs/shotprep/internal/common"
)

// Device exposes accelerator memory observations and reclaim, normally
// served by the model server's stats/free endpoints.
type Device interface {
	UsedFraction(ctx context.Context) (float64, error)
	Reclaim(ctx context.Context, aggressive bool) error
}

// Sleeper lets tests skip the cooling-off delay.
type Sleeper func(time.Duration)

// State is the process-wide resource snapshot.
type State struct {
	Resident            constants.BackendID
	Mode                constants.DeviceMode
	ConsecutiveTimeouts int
}

// Transition is one residency change, kept for auditing and tests.
type Transition struct {
	From constants.BackendID
	To   constants.BackendID
	Mode constants.DeviceMode
	At   time.Time
}

type Manager struct {
	cfg     common.ResourceConfig
	dev     Device
	engines map[constants.BackendID]backend.Engine
	log     *slog.Logger
	sleep   Sleeper

	mu                   sync.Mutex
	state                State
	transitions          []Transition
	completedSinceReload int
}

type Option func(*Manager)

// WithSleeper replaces the cooldown sleep, for tests.
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleep = s
		}
	}
}

func NewManager(cfg common.ResourceConfig, dev Device, engines []backend.Engine, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		dev:     dev,
		engines: make(map[constants.BackendID]backend.Engine, len(engines)),
		log:     logger,
		sleep:   time.Sleep,
		state:   State{Resident: constants.BackendNone, Mode: constants.DeviceAccelerated},
	}
	for _, e := range engines {
		m.engines[e.ID()] = e
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire makes the requested backend resident, evicting the current one
// first. Memory exhaustion during load is never fatal: the load is retried
// once on host-only compute.
func (m *Manager) Acquire(ctx context.Context, id constants.BackendID) (backend.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eng, ok := m.engines[id]
	if !ok {
		return nil, common.Errorf(common.KindBackendFailure, "unknown backend %s", id)
	}
	if m.state.Resident == id {
		return eng, nil
	}

	if err := m.evictLocked(ctx); err != nil {
		// Eviction failure is logged, not propagated: the subsequent
		// load either succeeds against a dirty device or fails over
		// to host-only below.
		m.log.Warn("resource.evict.failed", "resident", m.state.Resident, "error", err)
	}

	mode := constants.DeviceAccelerated
	if used, err := m.dev.UsedFraction(ctx); err == nil && used >= m.cfg.HighWater {
		m.log.Warn("resource.load.high_water", "used", used, "high_water", m.cfg.HighWater)
		mode = constants.DeviceHostOnly
	}

	if err := eng.Load(ctx, mode); err != nil {
		if common.IsResourceExhausted(err) && mode == constants.DeviceAccelerated {
			m.log.Warn("resource.load.exhausted", "backend", id, "error", err)
			if rerr := m.dev.Reclaim(ctx, true); rerr != nil {
				m.log.Warn("resource.reclaim.failed", "error", rerr)
			}
			mode = constants.DeviceHostOnly
			if err := eng.Load(ctx, mode); err != nil {
				return nil, common.NewError(common.KindBackendFailure, "host-only load failed", err)
			}
		} else {
			return nil, err
		}
	}

	m.recordTransitionLocked(id, mode)
	m.log.Info("resource.load.ok", "backend", id, "mode", mode)
	return eng, nil
}

// ReportPressure runs after each inference and reclaims according to the
// observed usage: one pass past the warning mark, multi-pass past critical.
func (m *Manager) ReportPressure(ctx context.Context) {
	used, err := m.dev.UsedFraction(ctx)
	if err != nil {
		m.log.Warn("resource.pressure.stats_failed", "error", err)
		return
	}
	switch {
	case used >= m.cfg.CritWater:
		m.log.Warn("resource.pressure.critical", "used", used)
		m.reclaimPasses(ctx, m.cfg.AggressivePasses)
	case used >= m.cfg.WarnWater:
		m.log.Info("resource.pressure.warning", "used", used)
		if err := m.dev.Reclaim(ctx, false); err != nil {
			m.log.Warn("resource.reclaim.failed", "error", err)
		}
	}
}

// PeriodicReload counts completed items and, every ReloadEvery of them,
// evicts and reloads the resident backend even when healthy. Underlying
// inference libraries creep; this bounds it.
func (m *Manager) PeriodicReload(ctx context.Context) {
	m.mu.Lock()
	m.completedSinceReload++
	due := m.cfg.ReloadEvery > 0 && m.completedSinceReload >= m.cfg.ReloadEvery
	resident := m.state.Resident
	m.mu.Unlock()

	if !due || resident == constants.BackendNone {
		return
	}
	m.log.Info("resource.reload.periodic", "backend", resident, "after_items", m.cfg.ReloadEvery)
	m.reload(ctx, resident, false)

	m.mu.Lock()
	m.completedSinceReload = 0
	m.mu.Unlock()
}

// ForceReload recovers from a backend stuck after timeouts. The abandoned
// call may still be touching accelerator state, so it reclaims hard, waits
// out the cooling-off delay, and reloads from scratch.
func (m *Manager) ForceReload(ctx context.Context) {
	m.mu.Lock()
	resident := m.state.Resident
	m.state.ConsecutiveTimeouts = 0
	m.mu.Unlock()

	if resident == constants.BackendNone {
		return
	}
	m.log.Warn("resource.reload.forced", "backend", resident, "cooldown_ms", m.cfg.CooldownDelay.Milliseconds())
	m.reload(ctx, resident, true)
}

func (m *Manager) reload(ctx context.Context, id constants.BackendID, forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.evictLocked(ctx); err != nil {
		m.log.Warn("resource.evict.failed", "resident", id, "error", err)
	}
	if forced {
		m.reclaimPassesLocked(ctx, m.cfg.AggressivePasses)
		m.sleep(m.cfg.CooldownDelay)
	}

	eng := m.engines[id]
	mode := constants.DeviceAccelerated
	if err := eng.Load(ctx, mode); err != nil {
		if common.IsResourceExhausted(err) {
			mode = constants.DeviceHostOnly
			if err := eng.Load(ctx, mode); err != nil {
				m.log.Error("resource.reload.failed", "backend", id, "error", err)
				return
			}
		} else {
			m.log.Error("resource.reload.failed", "backend", id, "error", err)
			return
		}
	}
	m.recordTransitionLocked(id, mode)
}

// NoteTimeout implements executor.Recorder.
func (m *Manager) NoteTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ConsecutiveTimeouts++
}

// NoteCompletion implements executor.Recorder.
func (m *Manager) NoteCompletion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ConsecutiveTimeouts = 0
}

// TimeoutThresholdReached says whether the consecutive-timeout count has
// hit the forced-reload threshold.
func (m *Manager) TimeoutThresholdReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.TimeoutThreshold > 0 && m.state.ConsecutiveTimeouts >= m.cfg.TimeoutThreshold
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transitions returns a copy of the residency transition log.
func (m *Manager) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Shutdown unloads whatever is resident.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.evictLocked(ctx); err != nil {
		m.log.Warn("resource.shutdown.evict_failed", "error", err)
	}
}

func (m *Manager) evictLocked(ctx context.Context) error {
	if m.state.Resident == constants.BackendNone {
		return nil
	}
	eng := m.engines[m.state.Resident]
	err := eng.Unload(ctx)
	from := m.state.Resident
	m.state.Resident = constants.BackendNone
	m.transitions = append(m.transitions, Transition{From: from, To: constants.BackendNone, Mode: m.state.Mode, At: time.Now()})
	if rerr := m.dev.Reclaim(ctx, false); rerr != nil {
		m.log.Warn("resource.reclaim.failed", "error", rerr)
	}
	return err
}

func (m *Manager) recordTransitionLocked(id constants.BackendID, mode constants.DeviceMode) {
	from := m.state.Resident
	m.state.Resident = id
	m.state.Mode = mode
	m.transitions = append(m.transitions, Transition{From: from, To: id, Mode: mode, At: time.Now()})
}

func (m *Manager) reclaimPasses(ctx context.Context, passes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimPassesLocked(ctx, passes)
}

func (m *Manager) reclaimPassesLocked(ctx context.Context, passes int) {
	if passes < 1 {
		passes = 1
	}
	for i := 0; i < passes; i++ {
		if err := m.dev.Reclaim(ctx, true); err != nil {
			m.log.Warn("resource.reclaim.failed", "pass", i+1, "error", err)
		}
	}
}
