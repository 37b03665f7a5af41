package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ClusterConfig holds the configuration for a ClusterManager.
type ClusterConfig struct {
	// Store is the required job store whose instance checks in.
	Store *JobStore

	// CheckinInterval is how often the instance refreshes its locks and
	// looks for locks of dead instances.
	// Default: 7.5 seconds
	CheckinInterval time.Duration

	// StaleThreshold is how long a lock may go without a check-in before its
	// owner is deemed dead. Must exceed CheckinInterval.
	// Default: 4 * CheckinInterval
	StaleThreshold time.Duration

	// Event Handlers (all optional)

	// OnError is called when a check-in or recovery pass fails.
	// If OnError is not set, errors are only logged.
	OnError func(ctx context.Context, err error)

	// OnRecover is called after a pass that reclaimed locks or recovered triggers.
	OnRecover func(ctx context.Context, report RecoveryReport)
}

// DefaultCheckinInterval is used when ClusterConfig.CheckinInterval is zero.
const DefaultCheckinInterval = 7500 * time.Millisecond

// ErrManagerStopped is returned by Start once Stop was called.
var ErrManagerStopped = errors.New("jobstore: cluster manager stopped")

// ClusterManager keeps one instance's locks alive and recovers the triggers
// of instances that stopped checking in.
type ClusterManager struct {
	store  *JobStore
	config ClusterConfig
	logger *zap.Logger

	// State tracking
	running atomic.Bool
	stopped atomic.Bool

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewClusterManager creates a ClusterManager with the given configuration.
// Returns an error if the configuration is invalid.
func NewClusterManager(config ClusterConfig) (*ClusterManager, error) {
	if config.Store == nil {
		return nil, errors.New("jobstore: store is required")
	}

	// Set defaults
	if config.CheckinInterval == 0 {
		config.CheckinInterval = DefaultCheckinInterval
	}
	if config.StaleThreshold == 0 {
		config.StaleThreshold = 4 * config.CheckinInterval
	}
	if config.CheckinInterval < 0 {
		return nil, fmt.Errorf("jobstore: negative checkin interval %s", config.CheckinInterval)
	}
	if config.StaleThreshold <= config.CheckinInterval {
		return nil, fmt.Errorf("jobstore: stale threshold %s must exceed checkin interval %s",
			config.StaleThreshold, config.CheckinInterval)
	}

	return &ClusterManager{
		store:  config.Store,
		config: config,
		logger: config.Store.logger.Named("cluster"),
	}, nil
}

// Start recovers what this instance left locked in a previous run and what
// dead instances left behind, then begins checking in.
// It's safe to call Start multiple times; subsequent calls are no-ops.
// A stopped manager cannot be started again.
func (m *ClusterManager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrManagerStopped
	}
	// Only start once
	if m.running.Swap(true) {
		return nil
	}

	report, err := m.store.RecoverInstance(ctx)
	if err != nil {
		m.running.Store(false)
		return fmt.Errorf("jobstore: recover own locks: %w", err)
	}
	m.reportRecovery(ctx, report)
	m.recover(ctx)

	// Create a new context for this run
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("cluster manager started",
		zap.Duration("checkinInterval", m.config.CheckinInterval),
		zap.Duration("staleThreshold", m.config.StaleThreshold))
	return nil
}

// Stop ends check-ins and releases every lock this instance holds, reverting
// its in-flight triggers so live instances can take them over without
// waiting out the stale threshold.
// It's safe to call Stop multiple times.
func (m *ClusterManager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		// Signal shutdown
		m.stopped.Store(true)
		m.running.Store(false)
		if m.cancel != nil {
			m.cancel()
		}

		// Wait for the loop to exit
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		report, relErr := m.store.RecoverInstance(ctx)
		if relErr != nil {
			err = fmt.Errorf("jobstore: release locks: %w", relErr)
			return
		}
		m.logger.Info("cluster manager stopped", zap.Int("releasedLocks", len(report.ReclaimedLocks)))
	})
	return err
}

// IsRunning returns true if the manager is checking in.
func (m *ClusterManager) IsRunning() bool {
	return m.running.Load()
}

// run is the check-in loop.
func (m *ClusterManager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkin(m.ctx)
		}
	}
}

// checkin refreshes this instance's locks, then reclaims stale ones.
func (m *ClusterManager) checkin(ctx context.Context) {
	now := m.store.config.Clock()
	if _, err := m.store.locks.Heartbeat(ctx, m.store.InstanceID(), now); err != nil {
		m.handleError(ctx, err)
		return
	}
	m.recover(ctx)
}

func (m *ClusterManager) recover(ctx context.Context) {
	deadBefore := m.store.config.Clock().Add(-m.config.StaleThreshold)
	report, err := m.store.Recover(ctx, deadBefore)
	m.reportRecovery(ctx, report)
	if err != nil {
		m.handleError(ctx, err)
	}
}

func (m *ClusterManager) reportRecovery(ctx context.Context, report RecoveryReport) {
	if len(report.ReclaimedLocks) == 0 && len(report.Recovered) == 0 {
		return
	}
	if m.config.OnRecover != nil {
		m.config.OnRecover(ctx, report)
	}
}

// handleError calls the OnError handler if set.
func (m *ClusterManager) handleError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	m.logger.Warn("cluster check-in failed", zap.Error(err))
	if m.config.OnError != nil {
		m.config.OnError(ctx, err)
	}
}
