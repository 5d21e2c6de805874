package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

var errMissingMonitorRemote = errors.New("connectivity monitor: remote store is required")

// MonitorConfig configures the connectivity monitor.
type MonitorConfig struct {
	Remote   remote.Store
	Interval time.Duration
	Logger   *zap.Logger
}

// Monitor observes reachability of the remote store. Going offline is
// non-destructive (reads serve from cache, writes divert to the queue);
// regaining connectivity fires the registered callbacks so the queue drains
// and stale data reconciles immediately instead of waiting for a timer.
type Monitor struct {
	remote   remote.Store
	interval time.Duration
	logger   *zap.Logger

	online atomic.Bool

	mu       stdsync.Mutex
	onOnline []func(context.Context)
}

// NewMonitor constructs a Monitor. The agent starts offline until the first
// successful probe.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Remote == nil {
		return nil, errMissingMonitorRemote
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		remote:   cfg.Remote,
		interval: interval,
		logger:   logger,
	}, nil
}

// OnOnline registers a callback invoked on every offline-to-online
// transition. Registration is not safe once Run started.
func (m *Monitor) OnOnline(callback func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, callback)
}

// IsOnline reports the last observed reachability.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// MarkOffline records an observed failure (for example a write returning
// unavailable) without waiting for the next probe.
func (m *Monitor) MarkOffline() {
	if m.online.CompareAndSwap(true, false) {
		m.logger.Warn("connectivity lost")
	}
}

// CheckNow probes the remote store once and applies any transition.
func (m *Monitor) CheckNow(ctx context.Context) {
	reachable := m.remote.Ping(ctx) == nil
	wasOnline := m.online.Swap(reachable)

	switch {
	case reachable && !wasOnline:
		m.logger.Info("connectivity regained")
		m.mu.Lock()
		callbacks := make([]func(context.Context), len(m.onOnline))
		copy(callbacks, m.onOnline)
		m.mu.Unlock()
		for _, callback := range callbacks {
			callback(ctx)
		}
	case !reachable && wasOnline:
		m.logger.Warn("connectivity lost")
	}
}

// Run probes periodically until the context ends. It blocks; callers run it
// on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}
