package api

import (
	"net/http"
	"sort"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/protocol"
)

const (
	defaultToplistDays = 30
	defaultToplistTop  = 10
	maxToplistTop      = 100

	// symptomScanLimit bounds how many failed cases the by-symptom mode
	// reads stack traces for.
	symptomScanLimit = 500

	symptomUnknown = "unknown"
)

// failureToplistHandler handles GET /api/failures/toplist. Mode by_test_case
// ranks by failure count in the recent window; by_symptom groups failures by
// the first line of their stack trace, read from the disk store.
func (s *Server) failureToplistHandler(c *echo.Context) error {
	days := defaultToplistDays
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 3650 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
		days = n
	}
	top := defaultToplistTop
	if v := c.QueryParam("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxToplistTop {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid top")
		}
		top = n
	}
	filter, err := runFilterFromQuery(c)
	if err != nil {
		return err
	}

	switch c.QueryParam("mode") {
	case "", "by_test_case":
		records, err := s.db.TopFailures(c.Request().Context(), days, top, filter)
		if err != nil {
			return mapServiceError(err)
		}
		if records == nil {
			records = []*database.FailureRecord{}
		}
		return respond(c, records)
	case "by_symptom":
		groups, err := s.failuresBySymptom(c, days, top, filter)
		if err != nil {
			return err
		}
		return respond(c, groups)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid mode: must be by_test_case or by_symptom")
	}
}

func (s *Server) failuresBySymptom(c *echo.Context, days, top int, filter *database.RunFilter) ([]SymptomGroup, error) {
	records, err := s.db.FailedTestCases(c.Request().Context(), days, symptomScanLimit, filter)
	if err != nil {
		return nil, mapServiceError(err)
	}

	bySymptom := make(map[string][]*database.TestCaseRecord)
	for _, rec := range records {
		symptom := s.symptomFor(rec)
		bySymptom[symptom] = append(bySymptom[symptom], rec)
	}

	groups := make([]SymptomGroup, 0, len(bySymptom))
	for symptom, cases := range bySymptom {
		groups = append(groups, SymptomGroup{
			Symptom:   symptom,
			Count:     len(cases),
			TestCases: cases,
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Symptom < groups[j].Symptom
	})
	if len(groups) > top {
		groups = groups[:top]
	}
	return groups, nil
}

// symptomFor reads a failed case's stack records and returns the first line
// of the most recent stack trace. Cases whose artifacts were deleted by
// retention (or that never raised) group under "unknown".
func (s *Server) symptomFor(rec *database.TestCaseRecord) string {
	if !s.logStore.RunDirExists(rec.RunID) {
		return symptomUnknown
	}

	var stacks []map[string]any
	if s.logStore.HasArchive(rec.RunID) {
		run, err := s.logStore.ReadSidecar(rec.RunID)
		if err != nil {
			return symptomUnknown
		}
		tc := run.TestCases[rec.FullName]
		if tc == nil {
			return symptomUnknown
		}
		_, stacks, err = s.logStore.ReadMergedCase(rec.RunID, tc)
		if err != nil {
			return symptomUnknown
		}
	} else {
		var err error
		stacks, err = s.logStore.ReadCaseStacks(rec.RunID, rec.TCID)
		if err != nil {
			return symptomUnknown
		}
	}
	if len(stacks) == 0 {
		return symptomUnknown
	}

	exc := protocol.ExceptionFromCompact(stacks[len(stacks)-1])
	if len(exc.StackTrace) > 0 {
		return exc.StackTrace[0]
	}
	if exc.Message != "" {
		return exc.Message
	}
	if exc.ExceptionType != "" {
		return exc.ExceptionType
	}
	return symptomUnknown
}
