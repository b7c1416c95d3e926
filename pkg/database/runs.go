package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/testrift/testrift/pkg/models"
)

// ResultCounts aggregates per-status test-case counts for a run. The error
// category stays separate here; broadcast counts fold it into failed.
type ResultCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Aborted int `json:"aborted"`
	Error   int `json:"error"`
	Running int `json:"running"`
	Total   int `json:"total"`
}

// RunRecord is a run row joined with its aggregated test-case counts.
type RunRecord struct {
	RunID         string       `json:"run_id"`
	RunName       string       `json:"run_name"`
	Status        string       `json:"status"`
	StartTime     string       `json:"start_time,omitempty"`
	EndTime       string       `json:"end_time,omitempty"`
	RetentionDays int          `json:"retention_days,omitempty"`
	LocalRun      bool         `json:"local_run"`
	DUT           string       `json:"dut,omitempty"`
	GroupName     string       `json:"group_name,omitempty"`
	GroupHash     string       `json:"group_hash,omitempty"`
	AbortReason   string       `json:"abort_reason,omitempty"`
	Counts        ResultCounts `json:"counts"`
}

// RunFilter is the shared filter bundle for run listings. Metadata filters
// are applied as one EXISTS subquery per key so they combine with AND and
// never inflate counts.
type RunFilter struct {
	Status    string
	GroupHash string
	Metadata  map[string]string
	Limit     int
	Offset    int
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// runSelect is the shared projection for run rows with aggregated counts.
const runSelect = `
SELECT r.run_id, r.run_name, r.status, r.start_time, r.end_time,
       r.retention_days, r.local_run, r.dut, r.group_name, r.group_hash, r.abort_reason,
       COALESCE(c.passed, 0), COALESCE(c.failed, 0), COALESCE(c.skipped, 0),
       COALESCE(c.aborted, 0), COALESCE(c.errored, 0), COALESCE(c.running, 0), COALESCE(c.total, 0)
FROM runs r
LEFT JOIN (
    SELECT run_id,
           SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END)  AS passed,
           SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)  AS failed,
           SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) AS skipped,
           SUM(CASE WHEN status = 'aborted' THEN 1 ELSE 0 END) AS aborted,
           SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)   AS errored,
           SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END) AS running,
           COUNT(*)                                            AS total
    FROM test_cases GROUP BY run_id
) c ON c.run_id = r.run_id
`

// filterClauses renders the shared filter bundle into WHERE fragments and a
// single parameter vector, in clause order.
func (f *RunFilter) filterClauses(alias string) (clauses []string, args []any) {
	if f == nil {
		return nil, nil
	}
	if f.Status != "" {
		clauses = append(clauses, alias+".status = ?")
		args = append(args, f.Status)
	}
	if f.GroupHash != "" {
		clauses = append(clauses, alias+".group_hash = ?")
		args = append(args, f.GroupHash)
	}
	for key, value := range f.Metadata {
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM user_metadata um WHERE um.run_id = "+alias+".run_id AND um.key = ? AND um.value = ?)")
		args = append(args, key, value)
	}
	return clauses, args
}

func scanRunRecord(scanner interface{ Scan(...any) error }) (*RunRecord, error) {
	var rec RunRecord
	var startTime, endTime, dut, groupName, groupHash, abortReason sql.NullString
	var retentionDays sql.NullInt64
	var localRun int
	err := scanner.Scan(
		&rec.RunID, &rec.RunName, &rec.Status, &startTime, &endTime,
		&retentionDays, &localRun, &dut, &groupName, &groupHash, &abortReason,
		&rec.Counts.Passed, &rec.Counts.Failed, &rec.Counts.Skipped,
		&rec.Counts.Aborted, &rec.Counts.Error, &rec.Counts.Running, &rec.Counts.Total,
	)
	if err != nil {
		return nil, err
	}
	rec.StartTime = startTime.String
	rec.EndTime = endTime.String
	rec.RetentionDays = int(retentionDays.Int64)
	rec.LocalRun = localRun != 0
	rec.DUT = dut.String
	rec.GroupName = groupName.String
	rec.GroupHash = groupHash.String
	rec.AbortReason = abortReason.String
	return &rec, nil
}

// InsertRun writes a new run plus its user and group metadata in one
// transaction. Returns ErrRunIDInUse when the id already exists.
func (c *Client) InsertRun(ctx context.Context, run *models.TestRun) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		groupName := ""
		if run.Group != nil {
			groupName = run.Group.Name
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, run_name, status, start_time, retention_days,
			                  local_run, group_name, group_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
			run.RunID, run.RunName, run.Status, run.StartTime, run.RetentionDays,
			boolToInt(run.LocalRun), groupName, run.GroupHash, nowISO(), nowISO(),
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return ErrRunIDInUse
			}
			return fmt.Errorf("insert run %s: %w", run.RunID, err)
		}

		for key, mv := range run.UserMetadata {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_metadata (run_id, key, value, url)
				VALUES (?, ?, ?, NULLIF(?, ''))
				ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, url = excluded.url`,
				run.RunID, key, mv.Value, mv.URL,
			); err != nil {
				return fmt.Errorf("insert user metadata %s for %s: %w", key, run.RunID, err)
			}
		}
		if run.Group != nil {
			for key, mv := range run.Group.Metadata {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO group_metadata (run_id, key, value, url)
					VALUES (?, ?, ?, NULLIF(?, ''))
					ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, url = excluded.url`,
					run.RunID, key, mv.Value, mv.URL,
				); err != nil {
					return fmt.Errorf("insert group metadata %s for %s: %w", key, run.RunID, err)
				}
			}
		}
		return nil
	})
}

// RunExists reports whether a run id is present in the index.
func (c *Client) RunExists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE run_id = ?", runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check run %s: %w", runID, err)
	}
	return true, nil
}

// UpdateRunStatus transitions a run to a terminal status.
func (c *Client) UpdateRunStatus(ctx context.Context, runID, status, endTime, abortReason string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, end_time = ?, abort_reason = NULLIF(?, ''), updated_at = ?
		WHERE run_id = ?`,
		status, endTime, abortReason, nowISO(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun returns one run with aggregated counts.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := c.db.QueryRowContext(ctx, runSelect+" WHERE r.run_id = ?", runID)
	rec, err := scanRunRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns a page of runs (newest first) plus the unpaginated total
// for the same filters.
func (c *Client) ListRuns(ctx context.Context, filter *RunFilter) ([]*RunRecord, int, error) {
	clauses, args := filter.filterClauses("r")
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM runs r" + where
	if err := c.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := runSelect + where + " ORDER BY r.start_time DESC"
	pageArgs := args
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		pageArgs = append(append([]any{}, args...), filter.Limit, filter.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run row: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// RunsOverTime returns finished runs within the window, oldest first, with
// aggregated counts. Used for trend charts.
func (c *Client) RunsOverTime(ctx context.Context, daysBack int, filter *RunFilter) ([]*RunRecord, error) {
	clauses, args := filter.filterClauses("r")
	clauses = append([]string{"r.status = 'finished'", "r.start_time >= ?"}, clauses...)
	cutoff := time.Now().UTC().AddDate(0, 0, -daysBack).Format("2006-01-02T15:04:05.000Z")
	args = append([]any{cutoff}, args...)

	query := runSelect + " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY r.start_time ASC"
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runs over time: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RunNamesWithBase returns existing run names equal to base or formed as
// "base N", within the group scope (null group is its own scope). Used for
// run-name uniquification.
func (c *Client) RunNamesWithBase(ctx context.Context, base, groupHash string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if groupHash != "" {
		rows, err = c.db.QueryContext(ctx,
			"SELECT run_name FROM runs WHERE group_hash = ? AND (run_name = ? OR run_name LIKE ?)",
			groupHash, base, base+" %")
	} else {
		rows, err = c.db.QueryContext(ctx,
			"SELECT run_name FROM runs WHERE group_hash IS NULL AND (run_name = ? OR run_name LIKE ?)",
			base, base+" %")
	}
	if err != nil {
		return nil, fmt.Errorf("query run names for %q: %w", base, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan run name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PreviousRunInGroup returns the most recent run in the group started before
// the given time, or ErrNotFound.
func (c *Client) PreviousRunInGroup(ctx context.Context, groupHash, beforeStart string) (*RunRecord, error) {
	row := c.db.QueryRowContext(ctx,
		runSelect+" WHERE r.group_hash = ? AND r.start_time < ? ORDER BY r.start_time DESC LIMIT 1",
		groupHash, beforeStart)
	rec, err := scanRunRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("previous run in group %s: %w", groupHash, err)
	}
	return rec, nil
}

// SweepAbandonedRuns finds runs left running (or aborted with running cases)
// by a previous process, aborts their still-running test cases, and sets the
// run's end_time to the latest test-case event time. Returns the swept run
// ids. Called once at startup.
func (c *Client) SweepAbandonedRuns(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE status = 'running'
		   OR EXISTS (SELECT 1 FROM test_cases tc WHERE tc.run_id = runs.run_id AND tc.status = 'running')`)
	if err != nil {
		return nil, fmt.Errorf("find abandoned runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan abandoned run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, runID := range runIDs {
		if err := c.sweepOneRun(ctx, runID); err != nil {
			return runIDs, err
		}
	}
	return runIDs, nil
}

func (c *Client) sweepOneRun(ctx context.Context, runID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(COALESCE(end_time, start_time)) FROM test_cases WHERE run_id = ?`,
			runID).Scan(&latest)
		if err != nil {
			return fmt.Errorf("latest event time for %s: %w", runID, err)
		}
		endTime := latest.String
		if endTime == "" {
			endTime = nowISO()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE test_cases SET status = 'aborted', end_time = COALESCE(end_time, ?)
			WHERE run_id = ? AND status = 'running'`,
			endTime, runID); err != nil {
			return fmt.Errorf("abort cases for %s: %w", runID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = 'aborted', end_time = ?,
			       abort_reason = COALESCE(abort_reason, 'Abandoned after server restart'),
			       updated_at = ?
			WHERE run_id = ? AND status = 'running'`,
			endTime, nowISO(), runID); err != nil {
			return fmt.Errorf("abort run %s: %w", runID, err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
