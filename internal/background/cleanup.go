package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepFunc deletes or expires rows that are already past their lifetime at now
// and reports how many rows it touched.
type SweepFunc func(ctx context.Context, now time.Time) (int64, error)

// CleanupTask is one named sweep run on every tick
type CleanupTask struct {
	Name  string
	Sweep SweepFunc
}

// OlderThan adapts a cutoff-based delete into a SweepFunc that keeps retention worth of rows.
func OlderThan(retention time.Duration, del func(ctx context.Context, cutoff time.Time) (int64, error)) SweepFunc {
	return func(ctx context.Context, now time.Time) (int64, error) {
		return del(ctx, now.Add(-retention))
	}
}

// CleanupManager periodically sweeps expired tokens, links, enrollments, attempts and sessions.
// Sweeps only touch rows that are already expired, so they never race a live operation.
type CleanupManager struct {
	tasks    []CleanupTask
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(logger *slog.Logger, interval time.Duration, tasks ...CleanupTask) *CleanupManager {
	return &CleanupManager{
		tasks:    tasks,
		logger:   logger,
		interval: interval,
		timeout:  30 * time.Second,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// WithClock overrides the time source.
func (cm *CleanupManager) WithClock(now func() time.Time) *CleanupManager {
	cm.now = now
	return cm
}

// Start begins the periodic cleanup task and blocks until Stop or ctx cancellation
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce runs every task once. A failing task is logged and does not stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) map[string]int64 {
	cleanupCtx, cancel := context.WithTimeout(ctx, cm.timeout)
	defer cancel()

	now := cm.now().UTC()
	results := make(map[string]int64, len(cm.tasks))
	for _, task := range cm.tasks {
		n, err := task.Sweep(cleanupCtx, now)
		if err != nil {
			cm.logger.Error("cleanup task failed", slog.String("task", task.Name), slog.Any("error", err))
			continue
		}
		results[task.Name] = n
		if n > 0 {
			cm.logger.Info("cleanup task completed", slog.String("task", task.Name), slog.Int64("rows", n))
		}
	}
	return results
}

// Stop signals the cleanup manager to stop. Safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
