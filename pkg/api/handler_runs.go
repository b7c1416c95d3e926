package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBulkRunIDs   = 100
)

// runFilterFromQuery builds the shared filter bundle from query parameters:
// status, group (a group hash), and any number of metadata.<key>=<value>
// pairs, which combine with AND.
func runFilterFromQuery(c *echo.Context) (*database.RunFilter, error) {
	filter := &database.RunFilter{Limit: defaultPageSize}

	if v := c.QueryParam("status"); v != "" {
		switch v {
		case models.RunStatusRunning, models.RunStatusFinished, models.RunStatusAborted:
			filter.Status = v
		default:
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be running, finished, or aborted")
		}
	}
	if v := c.QueryParam("group"); v != "" {
		if err := models.ValidateGroupHash(v); err != nil {
			return nil, mapServiceError(err)
		}
		filter.GroupHash = v
	}
	for key, values := range c.Request().URL.Query() {
		if !strings.HasPrefix(key, "metadata.") || len(values) == 0 {
			continue
		}
		if filter.Metadata == nil {
			filter.Metadata = make(map[string]string)
		}
		filter.Metadata[strings.TrimPrefix(key, "metadata.")] = values[0]
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			filter.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	return filter, nil
}

// listRunsHandler handles GET /api/test-runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	filter, err := runFilterFromQuery(c)
	if err != nil {
		return err
	}

	runs, total, err := s.db.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(err)
	}
	if runs == nil {
		runs = []*database.RunRecord{}
	}
	return respondPage(c, runs, Pagination{
		Limit:  filter.Limit,
		Offset: filter.Offset,
		Total:  total,
	})
}

// getRunHandler handles GET /api/test-runs/:run_id.
func (s *Server) getRunHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	if err := models.ValidateRunID(runID); err != nil {
		return mapServiceError(err)
	}
	ctx := c.Request().Context()

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return mapServiceError(err)
	}
	cases, err := s.db.TestCasesForRun(ctx, runID)
	if err != nil {
		return mapServiceError(err)
	}
	userMeta, err := s.db.UserMetadataForRun(ctx, runID)
	if err != nil {
		return mapServiceError(err)
	}
	groupMeta, err := s.db.GroupMetadataForRun(ctx, runID)
	if err != nil {
		return mapServiceError(err)
	}

	return respond(c, RunDetail{
		Run:           run,
		TestCases:     cases,
		UserMetadata:  userMeta,
		GroupMetadata: groupMeta,
	})
}

// resultsForRunsHandler handles GET /api/test-results/for-runs?run_ids=a,b.
func (s *Server) resultsForRunsHandler(c *echo.Context) error {
	raw := c.QueryParam("run_ids")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_ids is required")
	}
	runIDs := strings.Split(raw, ",")
	if len(runIDs) > maxBulkRunIDs {
		return echo.NewHTTPError(http.StatusBadRequest, "too many run_ids")
	}
	for _, runID := range runIDs {
		if err := models.ValidateRunID(runID); err != nil {
			return mapServiceError(err)
		}
	}

	results, err := s.db.TestCasesForRuns(c.Request().Context(), runIDs)
	if err != nil {
		return mapServiceError(err)
	}
	return respond(c, results)
}

// resultsOverTimeHandler handles GET /api/test-results/over-time?days_back=N.
func (s *Server) resultsOverTimeHandler(c *echo.Context) error {
	daysBack := 30
	if v := c.QueryParam("days_back"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 3650 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days_back")
		}
		daysBack = n
	}
	filter, err := runFilterFromQuery(c)
	if err != nil {
		return err
	}

	runs, err := s.db.RunsOverTime(c.Request().Context(), daysBack, filter)
	if err != nil {
		return mapServiceError(err)
	}
	if runs == nil {
		runs = []*database.RunRecord{}
	}
	return respond(c, runs)
}
