package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/logstore"
	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
)

// Eligible reports whether a run's on-disk artifacts may be deleted: a
// retention window is set and more than retention_days have passed since the
// run started. Runs without retention are kept forever.
func Eligible(startTime string, retentionDays int, now time.Time) bool {
	if retentionDays <= 0 {
		return false
	}
	startMs := protocol.TimestampToMs(startTime)
	if startMs == 0 {
		return false
	}
	age := now.Sub(time.UnixMilli(startMs))
	return age > time.Duration(retentionDays)*24*time.Hour
}

// SweepExpiredRuns walks the run directories on disk and deletes every one
// whose run is terminal and past its retention window. Index rows are left
// untouched. Returns the number of directories deleted.
func SweepExpiredRuns(ctx context.Context, db *database.Client, store *logstore.Store, now time.Time) (int, error) {
	runIDs, err := store.ListRunDirs()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, runID := range runIDs {
		startTime, retentionDays, status, ok := runRetention(ctx, db, store, runID)
		if !ok || status == models.RunStatusRunning {
			continue
		}
		if !Eligible(startTime, retentionDays, now) {
			continue
		}
		if err := store.DeleteRunDir(runID); err != nil {
			slog.Error("Retention: failed to delete run directory",
				"run_id", runID, "error", err)
			continue
		}
		slog.Info("Retention: deleted run directory", "run_id", runID)
		deleted++
	}
	return deleted, nil
}

// runRetention resolves a run's retention inputs, preferring the index and
// falling back to the sidecar for directories the index does not know.
func runRetention(ctx context.Context, db *database.Client, store *logstore.Store, runID string) (startTime string, retentionDays int, status string, ok bool) {
	rec, err := db.GetRun(ctx, runID)
	if err == nil {
		return rec.StartTime, rec.RetentionDays, rec.Status, true
	}
	if !errors.Is(err, database.ErrNotFound) {
		slog.Error("Retention: failed to look up run", "run_id", runID, "error", err)
		return "", 0, "", false
	}

	run, err := store.ReadSidecar(runID)
	if err != nil {
		slog.Warn("Retention: skipping directory without readable sidecar",
			"run_id", runID, "error", err)
		return "", 0, "", false
	}
	return run.StartTime, run.RetentionDays, run.Status, true
}

// SweepAbandonedRuns recovers runs a previous process left behind: every run
// still marked running (or with running test cases) in the index is aborted,
// its running cases marked aborted, and its end_time set to the latest
// test-case event time. Called once at startup, before sessions are accepted.
func SweepAbandonedRuns(ctx context.Context, db *database.Client) error {
	runIDs, err := db.SweepAbandonedRuns(ctx)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		slog.Info("Recovered abandoned run", "run_id", runID)
	}
	return nil
}
