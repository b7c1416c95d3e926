package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/models"
)

// Envelope is the uniform query-API response shape.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes the page of a list response.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

func respond(c *echo.Context, data any) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

func respondPage(c *echo.Context, data any, p Pagination) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Pagination: &p})
}

// RunDetail is returned by GET /api/test-runs/:run_id.
type RunDetail struct {
	Run           *database.RunRecord             `json:"run"`
	TestCases     []*database.TestCaseRecord      `json:"test_cases"`
	UserMetadata  map[string]models.MetadataValue `json:"user_metadata,omitempty"`
	GroupMetadata map[string]models.MetadataValue `json:"group_metadata,omitempty"`
}

// HistoryEntry is a past execution enriched with log availability. After
// retention deletes a run directory the index row survives; has_log=false
// tells the UI not to offer a log link.
type HistoryEntry struct {
	*database.TestCaseRecord
	HasLog bool `json:"has_log"`
}

// Classification is one test case's labels within GET /api/classifications.
type Classification struct {
	FullName       string         `json:"tc_full_name"`
	TCID           string         `json:"tc_id"`
	Status         string         `json:"status"`
	Classification string         `json:"classification,omitempty"`
	IsNew          bool           `json:"is_new"`
	History        []HistoryEntry `json:"history"`
}

// SymptomGroup is one bucket of the by-symptom failure top-list: failed test
// cases grouped by the first line of their stack trace.
type SymptomGroup struct {
	Symptom   string                     `json:"symptom"`
	Count     int                        `json:"count"`
	TestCases []*database.TestCaseRecord `json:"test_cases"`
}

// HoverHistory pairs the previous and latest executions for UI tooltips.
type HoverHistory struct {
	Previous *HistoryEntry `json:"previous,omitempty"`
	Latest   *HistoryEntry `json:"latest,omitempty"`
}

// RunHoverHistory pairs the previous and latest runs of a group.
type RunHoverHistory struct {
	Previous *database.RunRecord `json:"previous,omitempty"`
	Latest   *database.RunRecord `json:"latest,omitempty"`
}

// ServerInfoResponse is returned by GET /api/server-info.
type ServerInfoResponse struct {
	Service    string `json:"service"`
	Version    string `json:"version"`
	ConfigHash string `json:"config_hash"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	ActiveRuns        int    `json:"active_runs"`
	ActiveConnections int    `json:"active_connections"`
	Error             string `json:"error,omitempty"`
}
