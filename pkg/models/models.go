// Package models defines the canonical in-memory representation of test runs,
// test cases, and their telemetry. These are the types the ingest session
// mutates and the query/fan-out layers read.
package models

// Run status values. A run moves running → finished or running → aborted,
// never back.
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusAborted  = "aborted"
)

// Test case status values.
const (
	TCStatusRunning = "running"
	TCStatusPassed  = "passed"
	TCStatusFailed  = "failed"
	TCStatusSkipped = "skipped"
	TCStatusAborted = "aborted"
	TCStatusError   = "error"
)

// MetadataValue is a single metadata entry: a display value plus an optional link.
type MetadataValue struct {
	Value string `json:"value" msgpack:"value"`
	URL   string `json:"url,omitempty" msgpack:"url,omitempty"`
}

// Group identifies a bucket of related runs. Runs whose normalized group
// payload is equal share a GroupHash and are compared against each other
// for classification.
type Group struct {
	Name     string                   `json:"name" msgpack:"name"`
	Metadata map[string]MetadataValue `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// TestCase is one test's execution within a run.
//
// LogOffset/LogCount/StackCount are zero until the run finishes; the merge
// step fills them in when the per-case files are concatenated into the
// run archive.
type TestCase struct {
	TCID      string `json:"tc_id" msgpack:"tc_id"`        // short storage handle, alphanumeric+hyphen
	FullName  string `json:"tc_full_name" msgpack:"tc_full_name"` // free-form human name, unique per run
	Status    string `json:"status" msgpack:"status"`
	StartTime string `json:"start_time,omitempty" msgpack:"start_time,omitempty"` // ISO-8601 UTC, trailing Z
	EndTime   string `json:"end_time,omitempty" msgpack:"end_time,omitempty"`

	LogOffset  int64 `json:"log_offset,omitempty" msgpack:"log_offset,omitempty"` // byte offset into the merged archive
	LogCount   int   `json:"log_count,omitempty" msgpack:"log_count,omitempty"`
	StackCount int   `json:"stack_count,omitempty" msgpack:"stack_count,omitempty"`
}

// Terminal reports whether the case has reached a final status.
func (tc *TestCase) Terminal() bool {
	return tc.Status != TCStatusRunning && tc.Status != ""
}

// TestRun is the canonical state of a run, as held in memory by its ingest
// session and persisted to the sidecar.
type TestRun struct {
	RunID         string                   `json:"run_id" msgpack:"run_id"`
	RunName       string                   `json:"run_name" msgpack:"run_name"`
	Status        string                   `json:"status" msgpack:"status"`
	StartTime     string                   `json:"start_time,omitempty" msgpack:"start_time,omitempty"`
	EndTime       string                   `json:"end_time,omitempty" msgpack:"end_time,omitempty"`
	RetentionDays int                      `json:"retention_days,omitempty" msgpack:"retention_days,omitempty"`
	DeletesAt     string                   `json:"deletes_at,omitempty" msgpack:"deletes_at,omitempty"`
	LocalRun      bool                     `json:"local_run,omitempty" msgpack:"local_run,omitempty"`
	UserMetadata  map[string]MetadataValue `json:"user_metadata,omitempty" msgpack:"user_metadata,omitempty"`
	Group         *Group                   `json:"group,omitempty" msgpack:"group,omitempty"`
	GroupHash     string                   `json:"group_hash,omitempty" msgpack:"group_hash,omitempty"`
	AbortReason   string                   `json:"abort_reason,omitempty" msgpack:"abort_reason,omitempty"`

	// TestCases is keyed by tc_full_name; iteration order for the merge step
	// follows CaseOrder so offsets are deterministic.
	TestCases map[string]*TestCase `json:"test_cases,omitempty" msgpack:"test_cases,omitempty"`
	CaseOrder []string             `json:"case_order,omitempty" msgpack:"case_order,omitempty"`

	// casesByID maps tc_id to tc_full_name for the per-event ingest lookups.
	// Not persisted; populated by RegisterCase.
	casesByID map[string]string
}

// RegisterCase records the tc_id handle for by-id lookups. Callers hold the
// run's write lock.
func (r *TestRun) RegisterCase(tcID, fullName string) {
	if r.casesByID == nil {
		r.casesByID = make(map[string]string)
	}
	r.casesByID[tcID] = fullName
}

// Terminal reports whether the run has reached a final status.
func (r *TestRun) Terminal() bool {
	return r.Status == RunStatusFinished || r.Status == RunStatusAborted
}

// CaseByID resolves a storage handle to its test case. Runs reloaded from a
// sidecar have no handle index and fall back to a scan.
func (r *TestRun) CaseByID(tcID string) *TestCase {
	if name, ok := r.casesByID[tcID]; ok {
		return r.TestCases[name]
	}
	for _, tc := range r.TestCases {
		if tc.TCID == tcID {
			return tc
		}
	}
	return nil
}

// StatusCounts aggregates test-case results for broadcasts and listings.
// Errored cases count as failed here; the relational index keeps the error
// category separate.
type StatusCounts struct {
	Passed  int `json:"passed" msgpack:"passed"`
	Failed  int `json:"failed" msgpack:"failed"`
	Skipped int `json:"skipped" msgpack:"skipped"`
	Aborted int `json:"aborted" msgpack:"aborted"`
}

// CountStatuses tallies the run's test cases into broadcast counts.
func (r *TestRun) CountStatuses() StatusCounts {
	var c StatusCounts
	for _, tc := range r.TestCases {
		switch tc.Status {
		case TCStatusPassed:
			c.Passed++
		case TCStatusFailed, TCStatusError:
			c.Failed++
		case TCStatusSkipped:
			c.Skipped++
		case TCStatusAborted:
			c.Aborted++
		}
	}
	return c
}

// LogEntry is the canonical (decoded) form of a log record. Component and
// channel are resolved against the run's string table at decode time.
type LogEntry struct {
	Timestamp string `json:"timestamp" msgpack:"timestamp"` // ISO-8601 UTC, required
	Message   string `json:"message" msgpack:"message"`
	Component string `json:"component,omitempty" msgpack:"component,omitempty"`
	Channel   string `json:"channel,omitempty" msgpack:"channel,omitempty"`
	Dir       string `json:"dir,omitempty" msgpack:"dir,omitempty"`   // "tx" or "rx"
	Phase     string `json:"phase,omitempty" msgpack:"phase,omitempty"` // "teardown"
}

// Exception is a stack-trace record attached to a test case.
type Exception struct {
	Timestamp     string   `json:"timestamp" msgpack:"timestamp"`
	Message       string   `json:"message" msgpack:"message"`
	ExceptionType string   `json:"exception_type" msgpack:"exception_type"`
	StackTrace    []string `json:"stack_trace" msgpack:"stack_trace"`
	IsError       bool     `json:"is_error" msgpack:"is_error"`
}
