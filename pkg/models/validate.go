package models

import (
	"regexp"
	"strings"
)

const (
	maxRunIDLength      = 200
	maxTestCaseIDLength = 20
)

var (
	runIDCharRe     = regexp.MustCompile(`^[A-Za-z0-9._~%-]+$`)
	percentEscRe    = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	testCaseIDRe    = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
	groupHashRe     = regexp.MustCompile(`^[0-9a-fA-F]{6,64}$`)
	plainPercentsRe = regexp.MustCompile(`%`)
)

// ValidateRunID checks a client-supplied run id. Run ids become directory
// names and URL path segments, so they must be URL-safe (percent-encoded
// sequences allowed) and free of path traversal.
func ValidateRunID(runID string) error {
	if runID == "" {
		return NewValidationError("run_id", "must not be empty")
	}
	if len(runID) > maxRunIDLength {
		return NewValidationError("run_id", "must be at most 200 characters")
	}
	if strings.ContainsAny(runID, `/\`) {
		return NewValidationError("run_id", "must not contain path separators")
	}
	if strings.Contains(runID, "..") {
		return NewValidationError("run_id", "must not contain '..'")
	}
	// Strip valid %XX escapes, then any remaining bare '%' is invalid.
	stripped := percentEscRe.ReplaceAllString(runID, "")
	if plainPercentsRe.MatchString(stripped) {
		return NewValidationError("run_id", "invalid percent-encoding")
	}
	if stripped != "" && !runIDCharRe.MatchString(stripped) {
		return NewValidationError("run_id", "contains characters that are not URL-safe")
	}
	return nil
}

// ValidateTestCaseID checks the short storage handle chosen by the runner.
func ValidateTestCaseID(tcID string) error {
	if tcID == "" {
		return NewValidationError("tc_id", "must not be empty")
	}
	if len(tcID) > maxTestCaseIDLength {
		return NewValidationError("tc_id", "must be at most 20 characters")
	}
	if !testCaseIDRe.MatchString(tcID) {
		return NewValidationError("tc_id", "must be alphanumeric or hyphen")
	}
	return nil
}

// ValidateGroupHash checks a group hash path/query parameter.
func ValidateGroupHash(hash string) error {
	if !groupHashRe.MatchString(hash) {
		return NewValidationError("group_hash", "must be 6-64 hex characters")
	}
	return nil
}

// NormalizeTestCaseName undoes HTML-entity escaping that some runners apply
// to quoted test names.
func NormalizeTestCaseName(name string) string {
	return strings.ReplaceAll(name, "&quot;", `"`)
}
