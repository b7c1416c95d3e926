package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/models"
)

// mapServiceError maps store-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, database.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, database.ErrRunIDInUse) {
		return echo.NewHTTPError(http.StatusConflict, "run id already in use")
	}

	// Unexpected error
	slog.Error("Unexpected query error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
