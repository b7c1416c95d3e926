// Package classify computes flaky/fixed/regression/new labels for test cases
// from their recent history within a group. It is read-only: it never touches
// the index or run state.
package classify

import "github.com/testrift/testrift/pkg/models"

// Labels.
const (
	LabelFlaky      = "flaky"
	LabelFixed      = "fixed"
	LabelRegression = "regression"
	LabelNone       = ""
)

const (
	// HistoryDepth is how many recent results are considered.
	HistoryDepth = 10

	// flakyTransitionThreshold: more adjacent pass/fail transitions than
	// this means flaky.
	flakyTransitionThreshold = 4

	// streakLength: fixed/regression require this many uniform recent
	// results before the current one.
	streakLength = 5
)

// relevant filters a status to pass/fail behavior. Skipped, running, and
// aborted results say nothing about flakiness.
func relevant(status string) bool {
	switch status {
	case models.TCStatusPassed, models.TCStatusFailed, models.TCStatusError:
		return true
	default:
		return false
	}
}

// isFail projects a relevant status to the fail side; errors count as fail.
func isFail(status string) bool {
	return status == models.TCStatusFailed || status == models.TCStatusError
}

// Classify labels a test case given its current status and recent history
// (newest first, same tc_full_name, same group, current run excluded).
//
//   - flaky: more than 4 transitions in [current] + relevant history
//   - fixed: current passes after 5 straight fails
//   - regression: current fails after 5 straight passes
func Classify(currentStatus string, history []string) string {
	if !relevant(currentStatus) {
		return LabelNone
	}

	series := make([]bool, 0, len(history)+1)
	series = append(series, isFail(currentStatus))
	for _, status := range history {
		if !relevant(status) {
			continue
		}
		series = append(series, isFail(status))
	}

	transitions := 0
	for i := 1; i < len(series); i++ {
		if series[i] != series[i-1] {
			transitions++
		}
	}
	if transitions > flakyTransitionThreshold {
		return LabelFlaky
	}

	if len(series) < streakLength+1 {
		return LabelNone
	}
	recent := series[1 : streakLength+1]

	allFail, allPass := true, true
	for _, fail := range recent {
		if fail {
			allPass = false
		} else {
			allFail = false
		}
	}

	current := series[0]
	if !current && allFail {
		return LabelFixed
	}
	if current && allPass {
		return LabelRegression
	}
	return LabelNone
}

// IsNew reports whether a test case is new to its group: the previous run in
// the group had test cases, and this tc_full_name was not among them. A run
// without a group (or without a predecessor) has no new cases.
func IsNew(fullName string, previousRunCases map[string]bool) bool {
	if len(previousRunCases) == 0 {
		return false
	}
	return !previousRunCases[fullName]
}
