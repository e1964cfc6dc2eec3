package calendar

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pats/pats/internal/platform/auth"
)

type Handler struct {
	bridge *Bridge
}

func NewHandler(bridge *Bridge) *Handler {
	return &Handler{bridge: bridge}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("/calendar", auth.RequireRole(auth.RoleAdmin, auth.RolePsychologist))
	staff.GET("/:provider/feed.ics", h.Feed)
}

func (h *Handler) Feed(c echo.Context) error {
	provider := c.Param("provider")
	if normalize(provider) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "calendar provider is required")
	}
	c.Response().Header().Set("Content-Disposition", `inline; filename="`+normalize(provider)+`.ics"`)
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(h.bridge.Feed(provider)))
}
