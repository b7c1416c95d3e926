// Package cleanup provides data retention and startup recovery services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/testrift/testrift/pkg/config"
	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/logstore"
)

// Service periodically enforces the retention policy: run directories whose
// retention window has passed are deleted from disk. Index rows persist so
// listings and histories keep working; the query layer reports has_log=false
// for them.
//
// All operations are idempotent.
type Service struct {
	config   *config.RetentionConfig
	db       *database.Client
	logStore *logstore.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, db *database.Client, logStore *logstore.Store) *Service {
	return &Service{
		config:   cfg,
		db:       db,
		logStore: logStore,
	}
}

// Start launches the background cleanup loop. The first sweep runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"default_retention_days", s.config.DefaultRetentionDays,
		"interval", s.config.SweepInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes the on-disk artifacts of every expired run.
func (s *Service) sweep(ctx context.Context) {
	count, err := SweepExpiredRuns(ctx, s.db, s.logStore, time.Now().UTC())
	if err != nil {
		slog.Error("Retention: sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired run directories", "count", count)
	}
}
