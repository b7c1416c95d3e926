package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/classify"
	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/models"
)

const defaultHistoryLimit = 20

func historyFilterFromQuery(c *echo.Context) (fullName string, filter database.HistoryFilter, err error) {
	fullName = c.QueryParam("tc_full_name")
	if fullName == "" {
		return "", filter, echo.NewHTTPError(http.StatusBadRequest, "tc_full_name is required")
	}
	fullName = models.NormalizeTestCaseName(fullName)

	filter.Limit = defaultHistoryLimit
	if v := c.QueryParam("group"); v != "" {
		if err := models.ValidateGroupHash(v); err != nil {
			return "", filter, mapServiceError(err)
		}
		filter.GroupHash = v
	}
	if v := c.QueryParam("exclude_run_id"); v != "" {
		if err := models.ValidateRunID(v); err != nil {
			return "", filter, mapServiceError(err)
		}
		filter.ExcludeRunID = v
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			filter.Limit = n
		}
	}
	return fullName, filter, nil
}

// tcHistoryHandler handles GET /api/test-case/history.
func (s *Server) tcHistoryHandler(c *echo.Context) error {
	fullName, filter, err := historyFilterFromQuery(c)
	if err != nil {
		return err
	}
	records, err := s.db.TestCaseHistory(c.Request().Context(), fullName, filter)
	if err != nil {
		return mapServiceError(err)
	}
	if records == nil {
		records = []*database.TestCaseRecord{}
	}
	return respond(c, records)
}

// tcHistoryWithLinksHandler handles GET /api/test-case/history-with-links:
// the same history, each entry enriched with log availability.
func (s *Server) tcHistoryWithLinksHandler(c *echo.Context) error {
	fullName, filter, err := historyFilterFromQuery(c)
	if err != nil {
		return err
	}
	records, err := s.db.TestCaseHistory(c.Request().Context(), fullName, filter)
	if err != nil {
		return mapServiceError(err)
	}
	return respond(c, s.withLogLinks(records))
}

func (s *Server) withLogLinks(records []*database.TestCaseRecord) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, HistoryEntry{
			TestCaseRecord: rec,
			HasLog:         s.logStore.RunDirExists(rec.RunID),
		})
	}
	return entries
}

// classificationsHandler handles GET /api/classifications/:run_id: every
// test case of the run labeled flaky/fixed/regression plus the is_new
// predicate, with the history that produced the label.
func (s *Server) classificationsHandler(c *echo.Context) error {
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

	// is_new compares against the previous run in the same group; a run
	// without a group (or without a predecessor) has no new cases.
	var previousCases map[string]bool
	if run.GroupHash != "" {
		prev, err := s.db.PreviousRunInGroup(ctx, run.GroupHash, run.StartTime)
		if err == nil {
			previousCases, err = s.db.TestCaseNamesForRun(ctx, prev.RunID)
			if err != nil {
				return mapServiceError(err)
			}
		} else if !errors.Is(err, database.ErrNotFound) {
			return mapServiceError(err)
		}
	}

	result := make([]Classification, 0, len(cases))
	for _, tc := range cases {
		entry := Classification{
			FullName: tc.FullName,
			TCID:     tc.TCID,
			Status:   tc.Status,
			History:  []HistoryEntry{},
		}
		if run.GroupHash != "" {
			history, err := s.db.TestCaseHistory(ctx, tc.FullName, database.HistoryFilter{
				GroupHash:    run.GroupHash,
				ExcludeRunID: runID,
				BeforeOrAt:   run.StartTime,
				Limit:        classify.HistoryDepth,
			})
			if err != nil {
				return mapServiceError(err)
			}
			statuses := make([]string, 0, len(history))
			for _, h := range history {
				statuses = append(statuses, h.Status)
			}
			entry.Classification = classify.Classify(tc.Status, statuses)
			entry.IsNew = classify.IsNew(tc.FullName, previousCases)
			entry.History = s.withLogLinks(history)
		}
		result = append(result, entry)
	}
	return respond(c, result)
}

// tcHoverHistoryHandler handles GET /api/tc-hover-history: the latest
// execution of a test case plus the one preceding the given run, for UI
// tooltips.
func (s *Server) tcHoverHistoryHandler(c *echo.Context) error {
	fullName, filter, err := historyFilterFromQuery(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var hover HoverHistory

	latestFilter := filter
	latestFilter.Limit = 1
	latest, err := s.db.TestCaseHistory(ctx, fullName, latestFilter)
	if err != nil {
		return mapServiceError(err)
	}
	if len(latest) > 0 {
		entries := s.withLogLinks(latest)
		hover.Latest = &entries[0]
	}

	if runID := c.QueryParam("run_id"); runID != "" {
		if err := models.ValidateRunID(runID); err != nil {
			return mapServiceError(err)
		}
		run, err := s.db.GetRun(ctx, runID)
		if err != nil {
			return mapServiceError(err)
		}
		prevFilter := filter
		prevFilter.ExcludeRunID = runID
		prevFilter.BeforeOrAt = run.StartTime
		prevFilter.Limit = 1
		previous, err := s.db.TestCaseHistory(ctx, fullName, prevFilter)
		if err != nil {
			return mapServiceError(err)
		}
		if len(previous) > 0 {
			entries := s.withLogLinks(previous)
			hover.Previous = &entries[0]
		}
	}
	return respond(c, hover)
}

// runHoverHistoryHandler handles GET /api/run-hover-history/:group_hash: the
// two most recent runs of a group.
func (s *Server) runHoverHistoryHandler(c *echo.Context) error {
	groupHash := c.Param("group_hash")
	if err := models.ValidateGroupHash(groupHash); err != nil {
		return mapServiceError(err)
	}

	runs, _, err := s.db.ListRuns(c.Request().Context(), &database.RunFilter{
		GroupHash: groupHash,
		Limit:     2,
	})
	if err != nil {
		return mapServiceError(err)
	}

	var hover RunHoverHistory
	if len(runs) > 0 {
		hover.Latest = runs[0]
	}
	if len(runs) > 1 {
		hover.Previous = runs[1]
	}
	return respond(c, hover)
}
