package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TestCaseRecord is a test-case row; history queries join in the run's
// start time, status, and name.
type TestCaseRecord struct {
	ID        int64  `json:"id,omitempty"`
	RunID     string `json:"run_id"`
	FullName  string `json:"tc_full_name"`
	TCID      string `json:"tc_id"`
	Status    string `json:"status"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	RunStartTime string `json:"run_start_time,omitempty"`
	RunStatus    string `json:"run_status,omitempty"`
	RunName      string `json:"run_name,omitempty"`
}

// InsertTestCase indexes a started test case. Foreign keys are enforced:
// inserting for an unknown run fails.
func (c *Client) InsertTestCase(ctx context.Context, runID, fullName, tcID, status, startTime string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO test_cases (run_id, tc_full_name, tc_id, status, start_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, tc_full_name) DO UPDATE SET
			tc_id = excluded.tc_id, status = excluded.status, start_time = excluded.start_time`,
		runID, fullName, tcID, status, startTime,
	)
	if err != nil {
		return fmt.Errorf("insert test case %s for %s: %w", tcID, runID, err)
	}
	return nil
}

// UpdateTestCaseStatus records a test case's terminal status.
func (c *Client) UpdateTestCaseStatus(ctx context.Context, runID, fullName, status, endTime string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE test_cases SET status = ?, end_time = ? WHERE run_id = ? AND tc_full_name = ?`,
		status, endTime, runID, fullName,
	)
	if err != nil {
		return fmt.Errorf("update test case %q for %s: %w", fullName, runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const testCaseSelect = `
SELECT tc.id, tc.run_id, tc.tc_full_name, tc.tc_id, tc.status, tc.start_time, tc.end_time
FROM test_cases tc`

func scanTestCase(rows *sql.Rows) (*TestCaseRecord, error) {
	var rec TestCaseRecord
	var startTime, endTime sql.NullString
	if err := rows.Scan(&rec.ID, &rec.RunID, &rec.FullName, &rec.TCID, &rec.Status, &startTime, &endTime); err != nil {
		return nil, err
	}
	rec.StartTime = startTime.String
	rec.EndTime = endTime.String
	return &rec, nil
}

// TestCasesForRun returns a run's test cases ordered by start time.
func (c *Client) TestCasesForRun(ctx context.Context, runID string) ([]*TestCaseRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		testCaseSelect+" WHERE tc.run_id = ? ORDER BY tc.start_time", runID)
	if err != nil {
		return nil, fmt.Errorf("test cases for %s: %w", runID, err)
	}
	defer rows.Close()

	var records []*TestCaseRecord
	for rows.Next() {
		rec, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test case: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TestCasesForRuns returns test cases for several runs at once, grouped by
// run id, each group ordered by start time.
func (c *Client) TestCasesForRuns(ctx context.Context, runIDs []string) (map[string][]*TestCaseRecord, error) {
	if len(runIDs) == 0 {
		return map[string][]*TestCaseRecord{}, nil
	}
	placeholders := strings.Repeat("?, ", len(runIDs))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx,
		testCaseSelect+" WHERE tc.run_id IN ("+placeholders+") ORDER BY tc.run_id, tc.start_time",
		args...)
	if err != nil {
		return nil, fmt.Errorf("test cases for runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*TestCaseRecord, len(runIDs))
	for rows.Next() {
		rec, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test case: %w", err)
		}
		out[rec.RunID] = append(out[rec.RunID], rec)
	}
	return out, rows.Err()
}

// TestCaseNamesForRun returns the set of tc_full_name values in a run.
// Used by the is-new predicate.
func (c *Client) TestCaseNamesForRun(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT tc_full_name FROM test_cases WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("test case names for %s: %w", runID, err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan test case name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// HistoryFilter scopes a test-case history query.
type HistoryFilter struct {
	GroupHash    string // restrict to runs in this group
	ExcludeRunID string // leave out one run (usually the current one)
	BeforeOrAt   string // only runs whose start_time <= this
	Limit        int
}

// TestCaseHistory returns past executions of a tc_full_name, newest first,
// with run context joined in.
func (c *Client) TestCaseHistory(ctx context.Context, fullName string, filter HistoryFilter) ([]*TestCaseRecord, error) {
	clauses := []string{"tc.tc_full_name = ?"}
	args := []any{fullName}
	if filter.GroupHash != "" {
		clauses = append(clauses, "r.group_hash = ?")
		args = append(args, filter.GroupHash)
	}
	if filter.ExcludeRunID != "" {
		clauses = append(clauses, "tc.run_id != ?")
		args = append(args, filter.ExcludeRunID)
	}
	if filter.BeforeOrAt != "" {
		clauses = append(clauses, "r.start_time <= ?")
		args = append(args, filter.BeforeOrAt)
	}

	query := `
		SELECT tc.id, tc.run_id, tc.tc_full_name, tc.tc_id, tc.status, tc.start_time, tc.end_time,
		       r.start_time, r.status, r.run_name
		FROM test_cases tc
		JOIN runs r ON r.run_id = tc.run_id
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY r.start_time DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history for %q: %w", fullName, err)
	}
	defer rows.Close()

	var records []*TestCaseRecord
	for rows.Next() {
		var rec TestCaseRecord
		var startTime, endTime, runStart sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.FullName, &rec.TCID, &rec.Status,
			&startTime, &endTime, &runStart, &rec.RunStatus, &rec.RunName); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.StartTime = startTime.String
		rec.EndTime = endTime.String
		rec.RunStartTime = runStart.String
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// FailureRecord is one entry of the failure top-list.
type FailureRecord struct {
	FullName     string `json:"tc_full_name"`
	FailureCount int    `json:"failure_count"`
	LastRunID    string `json:"last_run_id"`
	LastTCID     string `json:"last_tc_id"`
}

// TopFailures returns the top-N tc_full_name values by failure count within
// the recent window, each with the run and case ids of its most recent
// failure. One windowed pass computes both the count and the latest row, so
// the filter parameters appear exactly once.
func (c *Client) TopFailures(ctx context.Context, days, top int, filter *RunFilter) ([]*FailureRecord, error) {
	clauses, filterArgs := filter.filterClauses("r")
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02T15:04:05.000Z")
	where := "tc.status IN ('failed', 'error') AND r.start_time >= ?"
	args := append([]any{cutoff}, filterArgs...)
	if len(clauses) > 0 {
		where += " AND " + strings.Join(clauses, " AND ")
	}

	query := `
		WITH failed AS (
		    SELECT tc.tc_full_name, tc.tc_id, tc.run_id,
		           ROW_NUMBER() OVER (PARTITION BY tc.tc_full_name ORDER BY r.start_time DESC) AS rn,
		           COUNT(*)     OVER (PARTITION BY tc.tc_full_name)                            AS fail_count
		    FROM test_cases tc
		    JOIN runs r ON r.run_id = tc.run_id
		    WHERE ` + where + `
		)
		SELECT tc_full_name, fail_count, run_id, tc_id
		FROM failed WHERE rn = 1
		ORDER BY fail_count DESC, tc_full_name
		LIMIT ?`
	args = append(args, top)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top failures: %w", err)
	}
	defer rows.Close()

	var records []*FailureRecord
	for rows.Next() {
		var rec FailureRecord
		if err := rows.Scan(&rec.FullName, &rec.FailureCount, &rec.LastRunID, &rec.LastTCID); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// FailedTestCases returns failed/errored test cases in the recent window,
// newest first, for symptom grouping.
func (c *Client) FailedTestCases(ctx context.Context, days, limit int, filter *RunFilter) ([]*TestCaseRecord, error) {
	clauses, filterArgs := filter.filterClauses("r")
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02T15:04:05.000Z")
	where := "tc.status IN ('failed', 'error') AND r.start_time >= ?"
	args := append([]any{cutoff}, filterArgs...)
	if len(clauses) > 0 {
		where += " AND " + strings.Join(clauses, " AND ")
	}

	query := `
		SELECT tc.id, tc.run_id, tc.tc_full_name, tc.tc_id, tc.status, tc.start_time, tc.end_time,
		       r.start_time, r.status, r.run_name
		FROM test_cases tc
		JOIN runs r ON r.run_id = tc.run_id
		WHERE ` + where + `
		ORDER BY r.start_time DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed test cases: %w", err)
	}
	defer rows.Close()

	var records []*TestCaseRecord
	for rows.Next() {
		var rec TestCaseRecord
		var startTime, endTime, runStart sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.FullName, &rec.TCID, &rec.Status,
			&startTime, &endTime, &runStart, &rec.RunStatus, &rec.RunName); err != nil {
			return nil, fmt.Errorf("scan failed case row: %w", err)
		}
		rec.StartTime = startTime.String
		rec.EndTime = endTime.String
		rec.RunStartTime = runStart.String
		records = append(records, &rec)
	}
	return records, rows.Err()
}
