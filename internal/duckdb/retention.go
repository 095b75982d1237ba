package duckdb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	// Interval between cleanups; defaults to one hour.
	Interval time.Duration
	Logger   *zap.Logger
}

// RetentionCleaner periodically deletes notifications and events older than
// the retention period.
type RetentionCleaner struct {
	store    *Store
	days     int
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner runs one cleanup immediately and then one per
// interval. Returns nil when retention is disabled (days <= 0).
func NewRetentionCleaner(store *Store, conf ...RetentionConfig) *RetentionCleaner {
	rc := &RetentionCleaner{
		store:    store,
		days:     30,
		interval: time.Hour,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	if len(conf) > 0 {
		rc.days = conf[0].RetentionDays
		if conf[0].Interval > 0 {
			rc.interval = conf[0].Interval
		}
		if conf[0].Logger != nil {
			rc.logger = conf[0].Logger
		}
	}
	if rc.days <= 0 {
		return nil
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()
	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := rc.store.now().Add(-time.Duration(rc.days) * 24 * time.Hour)

	rows, err := rc.store.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		rc.logger.Error("duckdb: retention cleanup failed", zap.Error(err))
		return
	}
	if rows > 0 {
		rc.logger.Info("duckdb: retention cleanup",
			zap.Int64("deleted", rows),
			zap.Int("retention_days", rc.days))
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
