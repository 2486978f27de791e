package scan

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/database"
)

// Scheduler periodically kicks off scans for every active connection.
// Each connection's scan runs in its own goroutine; the in_progress claim
// keeps a slow scan from being doubled up by the next tick.
type Scheduler struct {
	db       *database.DB
	orch     *Orchestrator
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewScheduler creates a scheduler.
func NewScheduler(db *database.DB, orch *Orchestrator, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{db: db, orch: orch, interval: interval, logger: logger}
}

// Run blocks until the context is canceled, triggering a sweep at every
// interval. In-flight scans observe the cancellation at their next page
// boundary and stop at a checkpoint.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infow("scan scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scan scheduler stopping, waiting for in-flight scans")
			wg.Wait()
			return
		case <-ticker.C:
			s.sweep(ctx, &wg)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, wg *sync.WaitGroup) {
	conns, err := s.db.ListActiveConnections(ctx)
	if err != nil {
		s.logger.Errorw("failed to list connections for sweep", "error", err)
		return
	}

	for _, conn := range conns {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			outcome, err := s.orch.RunScan(ctx, id)
			if err != nil {
				s.logger.Errorw("scheduled scan failed", "connection_id", id, "error", err)
				return
			}
			s.logger.Debugw("scheduled scan finished", "connection_id", id, "outcome", outcome)
		}(conn.ID)
	}
}

// RecoverStaleScans resets connections stuck in in_progress, called once
// at startup. A crash mid-scan leaves the claim held; cursor and counters
// are already at the last checkpoint, so the next sweep resumes cleanly.
func RecoverStaleScans(ctx context.Context, db *database.DB, logger *zap.SugaredLogger) error {
	result := db.WithContext(ctx).Model(&database.Connection{}).
		Where("scan_status = ?", database.ScanInProgress).
		Update("scan_status", database.ScanNotStarted)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && logger != nil {
		logger.Infow("recovered stale scans", "count", result.RowsAffected)
	}
	return nil
}
