package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const userIDHeader = "X-User-ID"

// xUserIDMiddleware rejects any /api request missing the opaque caller
// identity header. This system has no password/JWT auth — the header is
// the entire trust boundary (see DESIGN.md).
func xUserIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(userIDHeader)
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+userIDHeader+" header")
		}
		c.Set(userIDHeader, userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	return c.Get(userIDHeader).(string)
}
