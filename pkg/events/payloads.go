package events

import "github.com/testrift/testrift/pkg/models"

// Event type names used in the "type" field of UI broadcasts.
const (
	EventRunStarted       = "run_started"
	EventTestCaseStarted  = "test_case_started"
	EventTestCaseUpdated  = "test_case_updated"
	EventTestCaseFinished = "test_case_finished"
	EventRunFinished      = "run_finished"
)

// TCMeta is the per-case snippet carried by test-case broadcasts.
type TCMeta struct {
	Status    string `json:"status"`               // running, passed, failed, skipped, aborted, error
	StartTime string `json:"start_time,omitempty"` // ISO-8601 UTC
	EndTime   string `json:"end_time,omitempty"`
}

// RunStartedPayload is broadcast when a run is created.
type RunStartedPayload struct {
	Type      string `json:"type"` // always EventRunStarted
	RunID     string `json:"run_id"`
	RunName   string `json:"run_name"`
	GroupHash string `json:"group_hash,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	StartTime string `json:"start_time"`
	LocalRun  bool   `json:"local_run,omitempty"`
}

// TestCasePayload is broadcast for test_case_started, test_case_updated, and
// test_case_finished. Counts fold errored cases into failed.
type TestCasePayload struct {
	Type       string              `json:"type"`
	RunID      string              `json:"run_id"`
	TCFullName string              `json:"tc_full_name"`
	TCID       string              `json:"tc_id"`
	TCMeta     TCMeta              `json:"tc_meta"`
	Counts     models.StatusCounts `json:"counts"`
}

// RunFinishedPayload is broadcast exactly once per run, as its terminal event.
type RunFinishedPayload struct {
	Type        string              `json:"type"` // always EventRunFinished
	RunID       string              `json:"run_id"`
	Status      string              `json:"status"` // finished or aborted
	EndTime     string              `json:"end_time"`
	AbortReason string              `json:"abort_reason,omitempty"`
	Counts      models.StatusCounts `json:"counts"`
}
