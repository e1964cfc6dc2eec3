package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pats/pats/pkg/pagination"
)

// Handler exposes endpoint management. Mount it on an admin-only group.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.Register)
	g.GET("/webhooks", h.List)
	g.GET("/webhooks/:id", h.Get)
	g.PUT("/webhooks/:id", h.Update)
	g.DELETE("/webhooks/:id", h.Delete)
	g.POST("/webhooks/:id/test", h.Test)
	g.POST("/webhooks/:id/pause", h.Pause)
	g.POST("/webhooks/:id/resume", h.Resume)
	g.GET("/webhooks/:id/deliveries", h.Deliveries)
	g.POST("/webhooks/deliveries/:id/retry", h.Retry)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(v)
}

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ep, err := h.manager.Register(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ep)
}

// redact hides secrets in read responses. They are only shown on creation.
func redact(ep *Endpoint) *Endpoint {
	ep.Secret = ""
	return ep
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	eps, total, err := h.manager.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		redact(ep)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, eps, total, p))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ep, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, redact(ep))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ep, err := h.manager.Update(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, redact(ep))
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.manager.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ep, err := h.manager.SetStatus(c.Request().Context(), id, status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, redact(ep))
}

func (h *Handler) Pause(c echo.Context) error  { return h.setStatus(c, StatusPaused) }
func (h *Handler) Resume(c echo.Context) error { return h.setStatus(c, StatusActive) }

func (h *Handler) Test(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.manager.Test(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.manager.Deliveries(c.Request().Context(), id, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, p))
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.manager.Retry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}
