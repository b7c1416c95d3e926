package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// errorEnvelope returns middleware that renders handler errors in the uniform
// response envelope. Registered innermost so the logger still sees the final
// status code.
func errorEnvelope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			res, resErr := echo.UnwrapResponse(c.Response())
			if err == nil || (resErr == nil && res.Committed) {
				return err
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) {
				he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			return c.JSON(he.Code, Envelope{Success: false, Error: fmt.Sprint(he.Message)})
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestLogger returns middleware that logs each request at Debug with
// method, path, status, and duration. WebSocket upgrades log once on connect.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if res, resErr := echo.UnwrapResponse(c.Response()); resErr == nil {
				status = res.Status
			}
			slog.Debug("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration", time.Since(start),
				"error", err)
			return err
		}
	}
}
