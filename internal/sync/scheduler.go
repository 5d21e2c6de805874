package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SchedulerConfig wires the three periodic tasks onto their timers. Each
// task must tolerate running while the orchestrator is not connected.
type SchedulerConfig struct {
	HeartbeatInterval  time.Duration
	BackgroundInterval time.Duration
	CleanupInterval    time.Duration
	Heartbeat          func(context.Context)
	BackgroundSync     func(context.Context)
	Cleanup            func(context.Context)
	Logger             *zap.Logger
}

// Scheduler drives the periodic work: heartbeat renewal, background queue
// drain plus staleness reconciliation, and stale-data cleanup. Re-entrancy
// guarding (the syncing flag) belongs to the orchestrator, not the timers.
type Scheduler struct {
	heartbeatInterval  time.Duration
	backgroundInterval time.Duration
	cleanupInterval    time.Duration
	heartbeat          func(context.Context)
	backgroundSync     func(context.Context)
	cleanup            func(context.Context)
	logger             *zap.Logger
}

// NewScheduler constructs a Scheduler; nil tasks become no-ops.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	scheduler := &Scheduler{
		heartbeatInterval:  cfg.HeartbeatInterval,
		backgroundInterval: cfg.BackgroundInterval,
		cleanupInterval:    cfg.CleanupInterval,
		heartbeat:          cfg.Heartbeat,
		backgroundSync:     cfg.BackgroundSync,
		cleanup:            cfg.Cleanup,
		logger:             cfg.Logger,
	}
	if scheduler.heartbeatInterval <= 0 {
		scheduler.heartbeatInterval = 45 * time.Second
	}
	if scheduler.backgroundInterval <= 0 {
		scheduler.backgroundInterval = 3 * time.Minute
	}
	if scheduler.cleanupInterval <= 0 {
		scheduler.cleanupInterval = 15 * time.Minute
	}
	noop := func(context.Context) {}
	if scheduler.heartbeat == nil {
		scheduler.heartbeat = noop
	}
	if scheduler.backgroundSync == nil {
		scheduler.backgroundSync = noop
	}
	if scheduler.cleanup == nil {
		scheduler.cleanup = noop
	}
	if scheduler.logger == nil {
		scheduler.logger = zap.NewNop()
	}
	return scheduler
}

// Run drives all three timers until the context ends. A single goroutine
// services every tick, so the periodic tasks never overlap each other.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("heartbeat_interval", s.heartbeatInterval),
		zap.Duration("background_interval", s.backgroundInterval),
		zap.Duration("cleanup_interval", s.cleanupInterval))

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	background := time.NewTicker(s.backgroundInterval)
	defer background.Stop()
	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-heartbeat.C:
			s.heartbeat(ctx)
		case <-background.C:
			s.backgroundSync(ctx)
		case <-cleanup.C:
			s.cleanup(ctx)
		}
	}
}
