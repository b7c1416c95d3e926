package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/models"
)

// metadataKeysHandler handles GET /api/metadata/keys.
func (s *Server) metadataKeysHandler(c *echo.Context) error {
	keys, err := s.db.MetadataKeys(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return respond(c, keys)
}

// metadataValuesHandler handles GET /api/metadata/values?key=.
func (s *Server) metadataValuesHandler(c *echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	values, err := s.db.MetadataValues(c.Request().Context(), key)
	if err != nil {
		return mapServiceError(err)
	}
	if values == nil {
		values = []string{}
	}
	return respond(c, values)
}

// groupDetailsHandler handles GET /api/groups/:group_hash.
func (s *Server) groupDetailsHandler(c *echo.Context) error {
	groupHash := c.Param("group_hash")
	if err := models.ValidateGroupHash(groupHash); err != nil {
		return mapServiceError(err)
	}
	details, err := s.db.GetGroupDetails(c.Request().Context(), groupHash)
	if err != nil {
		return mapServiceError(err)
	}
	return respond(c, details)
}
