package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequireRole admits callers holding any of roles. Admins pass every check
// (see HasRole). Denials are logged with the caller's roles so a clinic can
// tell a misconfigured psychologist account from a patient poking at staff
// routes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	want := strings.Join(roles, " or ")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			uid := UserIDFromContext(ctx)
			if uid == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			zerolog.Ctx(ctx).Warn().
				Str("user_id", uid).
				Strs("roles", RolesFromContext(ctx)).
				Str("route", c.Path()).
				Str("required", want).
				Msg("role check denied")
			return echo.NewHTTPError(http.StatusForbidden, "this action requires the "+want+" role")
		}
	}
}
