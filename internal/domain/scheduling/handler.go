package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pats/pats/internal/platform/auth"
	"github.com/pats/pats/internal/platform/keylock"
	"github.com/pats/pats/pkg/pagination"
)

// Sweeper runs one reminder sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (SweepResult, error)
}

type Handler struct {
	svc     *Service
	avail   *AvailabilityService
	sweeper Sweeper
}

func NewHandler(svc *Service, avail *AvailabilityService, sweeper Sweeper) *Handler {
	return &Handler{svc: svc, avail: avail, sweeper: sweeper}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	anyone := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePsychologist, auth.RolePatient))
	anyone.POST("/appointments", h.Book)
	anyone.GET("/appointments", h.ListAppointments)
	anyone.GET("/appointments/:id", h.GetAppointment)
	anyone.POST("/appointments/:id/reschedule", h.Reschedule)
	anyone.POST("/appointments/:id/cancel", h.Cancel)
	anyone.GET("/appointments/:id/reminders", h.ListReminders)
	anyone.GET("/providers/:id/availability", h.ListWindows)
	anyone.GET("/providers/:id/availability/check", h.CheckAvailability)
	anyone.GET("/providers/:id/slots", h.OpenSlots)
	anyone.GET("/availability/:id", h.GetWindow)

	staff := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePsychologist))
	staff.GET("/providers/:id/appointments", h.ListProviderWindow)
	staff.POST("/appointments/:id/attendance", h.RecordAttendance)
	staff.GET("/appointments/:id/attendance", h.GetAttendance)
	staff.POST("/appointments/:id/attendance/sync", h.SyncAttendance)
	staff.DELETE("/appointments/:id/attendance/sync", h.UnsyncAttendance)
	staff.GET("/attendance", h.ListAttendance)
	staff.POST("/providers/:id/availability", h.CreateWindow)
	staff.PUT("/availability/:id", h.UpdateWindow)
	staff.DELETE("/availability/:id", h.DeleteWindow)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/reminders/sweep", h.Sweep)
}

// -- Request bodies --

type bookRequest struct {
	ProviderID      string  `json:"provider_id" validate:"required,uuid"`
	PatientID       string  `json:"patient_id" validate:"required,uuid"`
	StartTime       string  `json:"start_time" validate:"required"`
	DurationMinutes int     `json:"duration_minutes" validate:"omitempty,gt=0"`
	AppointmentType string  `json:"appointment_type" validate:"omitempty,oneof=INITIAL FOLLOWUP EMERGENCY VIDEO IN_PERSON"`
	Notes           *string `json:"notes"`
}

type rescheduleRequest struct {
	StartTime string `json:"start_time" validate:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type attendanceRequest struct {
	Outcome               string  `json:"outcome" validate:"required"`
	Notes                 *string `json:"notes"`
	ActualDurationMinutes *int    `json:"actual_duration_minutes" validate:"omitempty,gte=0"`
	CalendarProvider      string  `json:"calendar_provider" validate:"omitempty,max=64"`
}

type syncRequest struct {
	CalendarProvider string `json:"calendar_provider" validate:"required,max=64"`
}

type windowRequest struct {
	DayOfWeek    *DayOfWeek `json:"day_of_week"`
	SpecificDate *Date      `json:"specific_date"`
	StartTime    TimeOfDay  `json:"start_time"`
	EndTime      TimeOfDay  `json:"end_time"`
	IsAvailable  *bool      `json:"is_available"`
}

func (r windowRequest) window(providerID uuid.UUID) *AvailabilityWindow {
	w := &AvailabilityWindow{
		ProviderID:   providerID,
		DayOfWeek:    r.DayOfWeek,
		SpecificDate: r.SpecificDate,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		IsAvailable:  true,
	}
	if r.IsAvailable != nil {
		w.IsAvailable = *r.IsAvailable
	}
	return w
}

// -- Appointment handlers --

func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	start, err := parseTimestamp(req.StartTime, h.svc.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.svc.Book(actorContext(c), BookRequest{
		ProviderID:      uuid.MustParse(req.ProviderID),
		PatientID:       uuid.MustParse(req.PatientID),
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		Type:            AppointmentType(req.AppointmentType),
		Notes:           req.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	if v := c.QueryParam("provider_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		items, total, err := h.svc.ListByProvider(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
	}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "provider_id or patient_id is required")
}

func (h *Handler) ListProviderWindow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	from, err := parseTimestamp(c.QueryParam("from"), h.svc.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from: "+err.Error())
	}
	to, err := parseTimestamp(c.QueryParam("to"), h.svc.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to: "+err.Error())
	}
	items, err := h.svc.ListByProviderBetween(c.Request().Context(), id, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	start, err := parseTimestamp(req.StartTime, h.svc.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.svc.Reschedule(actorContext(c), id, start)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Cancel(actorContext(c), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListReminders(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListReminders(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Attendance handlers --

func (h *Handler) RecordAttendance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req attendanceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.RecordAttendance(actorContext(c), id, AttendanceRequest{
		Outcome:               Outcome(req.Outcome),
		Notes:                 req.Notes,
		ActualDurationMinutes: req.ActualDurationMinutes,
		CalendarProvider:      req.CalendarProvider,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetAttendance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetAttendance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SyncAttendance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req syncRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.SyncAttendance(c.Request().Context(), id, req.CalendarProvider)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UnsyncAttendance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.UnsyncAttendance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListAttendance(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	if v := c.QueryParam("provider_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		items, total, err := h.svc.AttendanceHistoryByProvider(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
	}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.AttendanceHistoryByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "provider_id or patient_id is required")
}

// -- Availability handlers --

func (h *Handler) CreateWindow(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}
	var req windowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w := req.window(providerID)
	if err := h.avail.CreateWindow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWindows(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.avail.ListWindows(c.Request().Context(), providerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetWindow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	w, err := h.avail.GetWindow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) UpdateWindow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req windowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w := req.window(uuid.Nil)
	w.ID = id
	if err := h.avail.UpdateWindow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeleteWindow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.avail.DeleteWindow(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type availabilityCheck struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Date       Date      `json:"date"`
	Start      TimeOfDay `json:"start"`
	End        TimeOfDay `json:"end"`
	Available  bool      `json:"available"`
}

func (h *Handler) CheckAvailability(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid date")
	}
	start, err := ParseTimeOfDay(c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid start")
	}
	end, err := ParseTimeOfDay(c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid end")
	}
	ok, err := h.avail.IsOpenOn(c.Request().Context(), providerID, date, start, end)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, availabilityCheck{
		ProviderID: providerID, Date: date, Start: start, End: end, Available: ok,
	})
}

func (h *Handler) OpenSlots(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}
	from, err := ParseDate(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
	}
	to, err := ParseDate(c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
	}
	duration, err := strconv.Atoi(c.QueryParam("duration"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid duration")
	}
	slots, err := h.avail.OpenSlots(c.Request().Context(), providerID, from, to, duration)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Reminders --

func (h *Handler) Sweep(c echo.Context) error {
	res, err := h.sweeper.RunOnce(c.Request().Context())
	if errors.Is(err, keylock.ErrNotAcquired) {
		return echo.NewHTTPError(http.StatusConflict, "a reminder sweep is already running")
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- helpers --

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func actorContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	return WithActor(ctx, auth.UserIDFromContext(ctx))
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseTimestamp accepts RFC 3339 or a naive local timestamp read in loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	var notifyErr *NotificationError
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrAlreadyCancelled),
		errors.Is(err, ErrDuplicateRecord),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrOutsideAvailability):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoticeTooShort):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &notifyErr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
