// Package health runs named dependency checks on an interval and serves
// cached results to the liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is one checker outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the cached outcome of one checker run.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Report aggregates all checker results for the readiness endpoint.
type Report struct {
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

type checker struct {
	name     string
	check    CheckFunc
	critical bool
}

// Manager polls registered checkers in the background. Readiness requires
// every critical checker to be healthy; non-critical failures only degrade.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.RWMutex
	checkers []checker
	results  map[string]CheckResult
	stop     chan struct{}
	started  bool
}

func NewManager(interval, timeout time.Duration, log *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		interval: interval,
		timeout:  timeout,
		log:      log,
		results:  map[string]CheckResult{},
		stop:     make(chan struct{}),
	}
}

// Register adds a named checker. Critical checkers gate readiness.
func (m *Manager) Register(name string, critical bool, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker{name: name, check: check, critical: critical})
	m.results[name] = CheckResult{Component: name, Status: StatusUnknown, Critical: critical}
}

// Start runs one immediate round then polls on the interval until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.runChecks(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runChecks(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stop)
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	for _, c := range checkers {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.check(checkCtx)
		cancel()

		result := CheckResult{
			Component: c.name,
			Status:    StatusHealthy,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Critical:  c.critical,
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			m.log.Warn("health check failed",
				zap.String("component", c.name),
				zap.Bool("critical", c.critical),
				zap.Error(err))
		}
		m.mu.Lock()
		m.results[c.name] = result
		m.mu.Unlock()
	}
}

// Live reports process liveness. It never depends on downstream systems.
func (m *Manager) Live() bool { return true }

// Ready reports whether every critical dependency is healthy.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if r.Critical && r.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Snapshot returns the current readiness report.
func (m *Manager) Snapshot() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	components := make(map[string]CheckResult, len(m.results))
	for name, r := range m.results {
		components[name] = r
	}
	ready := true
	for _, r := range components {
		if r.Critical && r.Status != StatusHealthy {
			ready = false
		}
	}
	return Report{Ready: ready, Components: components, Timestamp: time.Now()}
}
