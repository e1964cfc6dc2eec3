package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Unauthenticated infrastructure routes. The server registers them from
// these constants so the skip list and the router cannot drift apart.
const (
	HealthPath   = "/health"
	HealthDBPath = "/health/db"
	MetricsPath  = "/metrics"
)

var publicPaths = map[string]bool{
	HealthPath:   true,
	HealthDBPath: true,
	MetricsPath:  true,
}

// AuthSkipper skips authentication for the infrastructure routes and for CORS
// preflight requests, which browsers send without credentials.
func AuthSkipper(c echo.Context) bool {
	if c.Request().Method == http.MethodOptions && c.Request().Header.Get("Access-Control-Request-Method") != "" {
		return true
	}
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is an unauthenticated infrastructure route.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
