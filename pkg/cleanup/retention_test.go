package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/logstore"
	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
)

func TestEligible(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	start := protocol.MsToTimestamp(now.AddDate(0, 0, -10).UnixMilli())

	assert.True(t, Eligible(start, 7, now))
	assert.False(t, Eligible(start, 14, now))

	// No retention window means keep forever.
	assert.False(t, Eligible(start, 0, now))
	assert.False(t, Eligible(start, -1, now))

	// Unparseable start time is never eligible.
	assert.False(t, Eligible("garbage", 7, now))
	assert.False(t, Eligible("", 7, now))
}

func TestSweepExpiredRuns(t *testing.T) {
	ctx := context.Background()
	store, err := logstore.NewStore(t.TempDir())
	require.NoError(t, err)
	db, err := database.NewClient(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	oldStart := protocol.MsToTimestamp(now.AddDate(0, 0, -30).UnixMilli())
	freshStart := protocol.MsToTimestamp(now.AddDate(0, 0, -1).UnixMilli())

	addRun := func(runID, start, status string, retentionDays int) {
		require.NoError(t, store.CreateRunDir(runID))
		run := &models.TestRun{
			RunID: runID, RunName: runID, Status: status,
			StartTime: start, RetentionDays: retentionDays,
		}
		require.NoError(t, db.InsertRun(ctx, run))
		if status != models.RunStatusRunning {
			require.NoError(t, db.UpdateRunStatus(ctx, runID, status, start, ""))
		}
	}

	addRun("expired", oldStart, models.RunStatusFinished, 7)
	addRun("fresh", freshStart, models.RunStatusFinished, 7)
	addRun("unlimited", oldStart, models.RunStatusFinished, 0)
	addRun("still-running", oldStart, models.RunStatusRunning, 7)

	deleted, err := SweepExpiredRuns(ctx, db, store, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.False(t, store.RunDirExists("expired"))
	assert.True(t, store.RunDirExists("fresh"))
	assert.True(t, store.RunDirExists("unlimited"))
	assert.True(t, store.RunDirExists("still-running"))

	// Index rows survive directory deletion.
	rec, err := db.GetRun(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, rec.Status)
}

func TestSweepFallsBackToSidecar(t *testing.T) {
	ctx := context.Background()
	store, err := logstore.NewStore(t.TempDir())
	require.NoError(t, err)
	db, err := database.NewClient(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	oldStart := protocol.MsToTimestamp(now.AddDate(0, 0, -30).UnixMilli())

	// Directory with a sidecar but no index row (index rebuilt, old data dir).
	require.NoError(t, store.CreateRunDir("orphan"))
	require.NoError(t, store.WriteSidecar(&models.TestRun{
		RunID: "orphan", Status: models.RunStatusFinished,
		StartTime: oldStart, RetentionDays: 7,
	}))
	// Directory with neither is skipped, not deleted.
	require.NoError(t, store.CreateRunDir("bare"))

	deleted, err := SweepExpiredRuns(ctx, db, store, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, store.RunDirExists("orphan"))
	assert.True(t, store.RunDirExists("bare"))
}
