package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrift/testrift/pkg/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testRun(runID, startTime string) *models.TestRun {
	return &models.TestRun{
		RunID:     runID,
		RunName:   "Run " + runID,
		Status:    models.RunStatusRunning,
		StartTime: startTime,
	}
}

func TestInsertRunAndGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	run := testRun("run-1", "2025-01-25T15:51:22.736Z")
	run.RetentionDays = 7
	run.LocalRun = true
	run.GroupHash = "abcdef0123456789"
	run.Group = &models.Group{
		Name:     "nightly",
		Metadata: map[string]models.MetadataValue{"target": {Value: "x86"}},
	}
	run.UserMetadata = map[string]models.MetadataValue{
		"branch": {Value: "main", URL: "https://example.test/main"},
	}
	require.NoError(t, client.InsertRun(ctx, run))

	exists, err := client.RunExists(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, exists)

	rec, err := client.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Run run-1", rec.RunName)
	assert.Equal(t, models.RunStatusRunning, rec.Status)
	assert.Equal(t, 7, rec.RetentionDays)
	assert.True(t, rec.LocalRun)
	assert.Equal(t, "nightly", rec.GroupName)
	assert.Equal(t, "abcdef0123456789", rec.GroupHash)

	userMeta, err := client.UserMetadataForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.UserMetadata, userMeta)

	groupMeta, err := client.GroupMetadataForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.Group.Metadata, groupMeta)

	_, err = client.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRunDuplicateID(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.InsertRun(ctx, testRun("run-1", "2025-01-25T15:51:22.736Z")))
	err := client.InsertRun(ctx, testRun("run-1", "2025-01-25T16:00:00.000Z"))
	assert.ErrorIs(t, err, ErrRunIDInUse)
}

func TestRunStatusAndCounts(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.InsertRun(ctx, testRun("run-1", "2025-01-25T15:51:22.736Z")))
	require.NoError(t, client.InsertTestCase(ctx, "run-1", "Ns.T1", "0-1", models.TCStatusRunning, "2025-01-25T15:51:23.000Z"))
	require.NoError(t, client.InsertTestCase(ctx, "run-1", "Ns.T2", "0-2", models.TCStatusRunning, "2025-01-25T15:51:24.000Z"))
	require.NoError(t, client.UpdateTestCaseStatus(ctx, "run-1", "Ns.T1", models.TCStatusPassed, "2025-01-25T15:51:25.000Z"))
	require.NoError(t, client.UpdateTestCaseStatus(ctx, "run-1", "Ns.T2", models.TCStatusError, "2025-01-25T15:51:26.000Z"))
	require.NoError(t, client.UpdateRunStatus(ctx, "run-1", models.RunStatusFinished, "2025-01-25T15:52:00.000Z", ""))

	rec, err := client.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, rec.Status)
	assert.Equal(t, 1, rec.Counts.Passed)
	// The index keeps the error category separate from failed.
	assert.Equal(t, 0, rec.Counts.Failed)
	assert.Equal(t, 1, rec.Counts.Error)
	assert.Equal(t, 2, rec.Counts.Total)

	// Foreign keys are enforced: a test case for an unknown run fails.
	err = client.InsertTestCase(ctx, "ghost", "Ns.T1", "0-1", models.TCStatusRunning, "2025-01-25T15:51:23.000Z")
	assert.Error(t, err)

	err = client.UpdateRunStatus(ctx, "ghost", models.RunStatusAborted, "2025-01-25T15:52:00.000Z", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsFiltersAndPagination(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for i, tc := range []struct {
		runID, start, status, groupHash string
		metadata                        map[string]models.MetadataValue
	}{
		{"run-1", "2025-01-25T10:00:00.000Z", models.RunStatusFinished, "aaaa00", map[string]models.MetadataValue{"branch": {Value: "main"}}},
		{"run-2", "2025-01-25T11:00:00.000Z", models.RunStatusFinished, "aaaa00", map[string]models.MetadataValue{"branch": {Value: "dev"}}},
		{"run-3", "2025-01-25T12:00:00.000Z", models.RunStatusAborted, "", nil},
	} {
		run := testRun(tc.runID, tc.start)
		run.GroupHash = tc.groupHash
		run.UserMetadata = tc.metadata
		require.NoError(t, client.InsertRun(ctx, run), "run %d", i)
		require.NoError(t, client.UpdateRunStatus(ctx, tc.runID, tc.status, tc.start, ""))
	}

	// Newest first, no filter.
	runs, total, err := client.ListRuns(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-3", runs[0].RunID)

	// Status filter.
	runs, total, err = client.ListRuns(ctx, &RunFilter{Status: models.RunStatusAborted})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-3", runs[0].RunID)

	// Group filter.
	_, total, err = client.ListRuns(ctx, &RunFilter{GroupHash: "aaaa00"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	// Metadata filter.
	runs, total, err = client.ListRuns(ctx, &RunFilter{Metadata: map[string]string{"branch": "main"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)

	// Pagination keeps the unpaginated total.
	runs, total, err = client.ListRuns(ctx, &RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}

func TestRunNamesWithBase(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for _, spec := range []struct{ id, name, group string }{
		{"run-1", "Nightly", "aaaa00"},
		{"run-2", "Nightly 1", "aaaa00"},
		{"run-3", "Nightly extras", "aaaa00"},
		{"run-4", "Nightly", ""},
	} {
		run := testRun(spec.id, "2025-01-25T10:00:00.000Z")
		run.RunName = spec.name
		run.GroupHash = spec.group
		require.NoError(t, client.InsertRun(ctx, run))
	}

	names, err := client.RunNamesWithBase(ctx, "Nightly", "aaaa00")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Nightly", "Nightly 1", "Nightly extras"}, names)

	// The null group is its own scope.
	names, err = client.RunNamesWithBase(ctx, "Nightly", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Nightly"}, names)
}

func TestTestCaseHistory(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	starts := []string{
		"2025-01-25T10:00:00.000Z",
		"2025-01-25T11:00:00.000Z",
		"2025-01-25T12:00:00.000Z",
	}
	statuses := []string{models.TCStatusPassed, models.TCStatusFailed, models.TCStatusRunning}
	runIDs := []string{"run-1", "run-2", "run-3"}
	for i, runID := range runIDs {
		run := testRun(runID, starts[i])
		run.GroupHash = "aaaa00"
		require.NoError(t, client.InsertRun(ctx, run))
		require.NoError(t, client.InsertTestCase(ctx, runID, "Ns.T1", "0-1", statuses[i], starts[i]))
	}

	// History for the newest run: same group, earlier runs only.
	history, err := client.TestCaseHistory(ctx, "Ns.T1", HistoryFilter{
		GroupHash:    "aaaa00",
		ExcludeRunID: "run-3",
		BeforeOrAt:   starts[2],
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "run-2", history[0].RunID)
	assert.Equal(t, models.TCStatusFailed, history[0].Status)
	assert.Equal(t, "run-1", history[1].RunID)

	names, err := client.TestCaseNamesForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"Ns.T1": true}, names)

	prev, err := client.PreviousRunInGroup(ctx, "aaaa00", starts[2])
	require.NoError(t, err)
	assert.Equal(t, "run-2", prev.RunID)

	_, err = client.PreviousRunInGroup(ctx, "aaaa00", starts[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTopFailures(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	starts := []string{"2026-08-20T10:00:00.000Z", "2026-08-21T10:00:00.000Z", "2026-08-22T10:00:00.000Z"}
	for i, runID := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, client.InsertRun(ctx, testRun(runID, starts[i])))
	}
	// Ns.T1 fails three times, Ns.T2 once (as error), Ns.T3 passes.
	require.NoError(t, client.InsertTestCase(ctx, "run-1", "Ns.T1", "0-1", models.TCStatusFailed, starts[0]))
	require.NoError(t, client.InsertTestCase(ctx, "run-2", "Ns.T1", "0-1", models.TCStatusFailed, starts[1]))
	require.NoError(t, client.InsertTestCase(ctx, "run-3", "Ns.T1", "0-1", models.TCStatusFailed, starts[2]))
	require.NoError(t, client.InsertTestCase(ctx, "run-2", "Ns.T2", "0-2", models.TCStatusError, starts[1]))
	require.NoError(t, client.InsertTestCase(ctx, "run-3", "Ns.T3", "0-3", models.TCStatusPassed, starts[2]))

	failures, err := client.TopFailures(ctx, 36500, 10, nil)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "Ns.T1", failures[0].FullName)
	assert.Equal(t, 3, failures[0].FailureCount)
	// The representative row is the most recent failure.
	assert.Equal(t, "run-3", failures[0].LastRunID)
	assert.Equal(t, "Ns.T2", failures[1].FullName)
	assert.Equal(t, 1, failures[1].FailureCount)

	failed, err := client.FailedTestCases(ctx, 36500, 0, nil)
	require.NoError(t, err)
	assert.Len(t, failed, 4)
	assert.Equal(t, "run-3", failed[0].RunID)
}

func TestSweepAbandonedRuns(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// run-1 still running with one open case; run-2 finished cleanly.
	require.NoError(t, client.InsertRun(ctx, testRun("run-1", "2025-01-25T10:00:00.000Z")))
	require.NoError(t, client.InsertTestCase(ctx, "run-1", "Ns.T1", "0-1", models.TCStatusRunning, "2025-01-25T10:01:00.000Z"))
	require.NoError(t, client.InsertTestCase(ctx, "run-1", "Ns.T2", "0-2", models.TCStatusPassed, "2025-01-25T10:02:00.000Z"))

	require.NoError(t, client.InsertRun(ctx, testRun("run-2", "2025-01-25T11:00:00.000Z")))
	require.NoError(t, client.UpdateRunStatus(ctx, "run-2", models.RunStatusFinished, "2025-01-25T11:10:00.000Z", ""))

	swept, err := client.SweepAbandonedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, swept)

	rec, err := client.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, rec.Status)
	assert.NotEmpty(t, rec.EndTime)
	assert.Equal(t, 1, rec.Counts.Aborted)
	assert.Equal(t, 1, rec.Counts.Passed)
	assert.Zero(t, rec.Counts.Running)

	// The clean run is untouched, and a second sweep finds nothing.
	rec, err = client.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, rec.Status)

	swept, err = client.SweepAbandonedRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestGroupDetails(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	old := testRun("run-1", "2025-01-25T10:00:00.000Z")
	old.GroupHash = "aaaa00"
	old.Group = &models.Group{Name: "nightly", Metadata: map[string]models.MetadataValue{"target": {Value: "arm"}}}
	require.NoError(t, client.InsertRun(ctx, old))

	newer := testRun("run-2", "2025-01-25T11:00:00.000Z")
	newer.GroupHash = "aaaa00"
	newer.Group = &models.Group{Name: "nightly", Metadata: map[string]models.MetadataValue{"target": {Value: "x86"}}}
	require.NoError(t, client.InsertRun(ctx, newer))

	details, err := client.GetGroupDetails(ctx, "aaaa00")
	require.NoError(t, err)
	assert.Equal(t, "nightly", details.GroupName)
	// Metadata comes from the newest run carrying the hash.
	assert.Equal(t, map[string]models.MetadataValue{"target": {Value: "x86"}}, details.Metadata)

	_, err = client.GetGroupDetails(ctx, "bbbb00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadataKeysAndValues(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	run1 := testRun("run-1", "2025-01-25T10:00:00.000Z")
	run1.UserMetadata = map[string]models.MetadataValue{"branch": {Value: "main"}, "os": {Value: "linux"}}
	require.NoError(t, client.InsertRun(ctx, run1))

	run2 := testRun("run-2", "2025-01-25T11:00:00.000Z")
	run2.UserMetadata = map[string]models.MetadataValue{"branch": {Value: "dev"}}
	require.NoError(t, client.InsertRun(ctx, run2))

	keys, err := client.MetadataKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"branch", "os"}, keys)

	values, err := client.MetadataValues(ctx, "branch")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "main"}, values)
}
