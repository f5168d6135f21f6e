// Package scheduler drives the sync engine's background work: periodic
// cycles, reconnect-triggered cycles, queue compaction and the stale
// optimistic-update sweep. Time sources are injectable so tests run
// without real sleeps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	syncpkg "github.com/kimhsiao/driftsync/internal/sync"
)

// Syncer is the scheduler's view of the orchestrator.
type Syncer interface {
	SyncCycle(ctx context.Context) (*syncpkg.Result, error)
	Pending() int
	IsSyncing() bool
}

// Compactor is the scheduler's view of the operation queue.
type Compactor interface {
	Compact() (int, error)
}

// Sweeper is the scheduler's view of the optimistic state manager.
type Sweeper interface {
	SweepStale(bound time.Duration) int
}

// Trigger fires on connectivity transitions. The network monitor's
// Subscribe satisfies it.
type Trigger func(listener func(status models.NetworkStatus)) func()

// TickerFactory builds periodic triggers; tests inject manual channels.
type TickerFactory func(interval time.Duration) (<-chan time.Time, func())

// Config holds scheduler configuration.
type Config struct {
	SyncInterval       time.Duration // default 30s
	CompactionInterval time.Duration // default 5m
	SweepInterval      time.Duration // default 1m
	StaleBound         time.Duration // default 10m
	NewTicker          TickerFactory
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:       30 * time.Second,
		CompactionInterval: 5 * time.Minute,
		SweepInterval:      time.Minute,
		StaleBound:         10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = d.CompactionInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StaleBound <= 0 {
		c.StaleBound = d.StaleBound
	}
	if c.NewTicker == nil {
		c.NewTicker = func(interval time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(interval)
			return t.C, t.Stop
		}
	}
	return c
}

// Scheduler owns the background goroutines around the orchestrator.
type Scheduler struct {
	syncer    Syncer
	compactor Compactor
	sweeper   Sweeper
	subscribe Trigger
	config    Config
	logger    *logging.Logger

	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	stopCh       chan struct{}
	wg           sync.WaitGroup
	unsubscribe  func()
}

// New creates a Scheduler. subscribe may be nil when no connectivity
// trigger is wanted (tests mostly).
func New(syncer Syncer, compactor Compactor, sweeper Sweeper, subscribe Trigger, config Config) *Scheduler {
	return &Scheduler{
		syncer:    syncer,
		compactor: compactor,
		sweeper:   sweeper,
		subscribe: subscribe,
		config:    config.withDefaults(),
		logger:    logging.Get().Component("scheduler"),
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.subscribe != nil {
		s.unsubscribe = s.subscribe(func(status models.NetworkStatus) {
			if status.IsOnline {
				// Reconnects trigger an immediate cycle.
				go s.runCycle(ctx, "reconnect")
			}
		})
	}

	s.wg.Add(3)
	go s.syncLoop(ctx)
	go s.compactionLoop(ctx)
	go s.sweepLoop(ctx)

	s.logger.Info("Sync scheduler started", nil)
}

// Stop shuts the loops down and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.wg.Wait()

	s.logger.Info("Sync scheduler stopped", nil)
}

// SyncNow triggers an immediate cycle and returns its aggregate result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	result, err := s.syncer.SyncCycle(ctx)
	if err != nil {
		return nil, err
	}
	if result != nil && !result.Skipped && !result.Coalesced {
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}
	return result, nil
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	IsRunning      bool       `json:"is_running"`
	SyncInProgress bool       `json:"sync_in_progress"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	PendingItems   int        `json:"pending_items"`
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		SyncInProgress: s.syncer.IsSyncing(),
		PendingItems:   s.syncer.Pending(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsRunning reports whether the scheduler loops are alive.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// syncLoop runs periodic cycles.
func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	tick, stop := s.config.NewTicker(s.config.SyncInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tick:
			s.runCycle(ctx, "periodic")
		}
	}
}

// compactionLoop periodically collapses redundant queued operations.
func (s *Scheduler) compactionLoop(ctx context.Context) {
	defer s.wg.Done()

	tick, stop := s.config.NewTicker(s.config.CompactionInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tick:
			if _, err := s.compactor.Compact(); err != nil {
				s.logger.ErrorWithCode("Queue compaction failed",
					string(errors.ErrStore), err)
			}
		}
	}
}

// sweepLoop periodically force-rolls-back stale optimistic updates.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	tick, stop := s.config.NewTicker(s.config.SweepInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tick:
			s.sweeper.SweepStale(s.config.StaleBound)
		}
	}
}

// runCycle executes one cycle, logging instead of surfacing failures.
// Periodic and reconnect triggers have no caller to report to.
func (s *Scheduler) runCycle(ctx context.Context, reason string) {
	result, err := s.syncer.SyncCycle(ctx)
	if err != nil {
		s.logger.ErrorWithCode("Sync cycle failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if result == nil || result.Skipped || result.Coalesced {
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("Sync cycle completed",
		map[string]interface{}{
			"reason":    reason,
			"processed": result.Processed,
			"confirmed": result.Confirmed,
			"conflicts": result.Conflicts,
			"pulled":    result.Pulled,
			"errors":    len(result.Errors),
			"remaining": result.Remaining,
		})
}
