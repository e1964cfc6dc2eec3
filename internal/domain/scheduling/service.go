package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/platform/clock"
	"github.com/pats/pats/internal/platform/db"
	"github.com/pats/pats/internal/platform/keylock"
)

// DefaultRescheduleNotice is the minimum lead time before the current start
// for a reschedule to be accepted.
const DefaultRescheduleNotice = 24 * time.Hour

// DefaultDurationMinutes applies when a booking leaves the duration unset.
const DefaultDurationMinutes = 60

// Config tunes lifecycle policy.
type Config struct {
	RescheduleNotice    time.Duration
	EnforceAvailability bool
	Location            *time.Location
}

// Deps are the collaborators of the lifecycle manager. Calendar and Auditor
// are optional.
type Deps struct {
	Appointments AppointmentRepository
	Attendance   AttendanceRepository
	Reminders    *ReminderScheduler
	Availability *AvailabilityService
	Directory    Directory
	Notifier     Notifier
	Calendar     CalendarBridge
	Auditor      Auditor
	Tx           db.Transactor
	Locker       keylock.Locker
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// Service is the appointment lifecycle manager. Every mutation runs in one
// transaction under the provider's lock; notifications and audit events
// follow the commit and their failures are only logged.
type Service struct {
	Deps
	conflicts *ConflictChecker
	cfg       Config
	logger    zerolog.Logger
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.RescheduleNotice <= 0 {
		cfg.RescheduleNotice = DefaultRescheduleNotice
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if d.Tx == nil {
		d.Tx = db.NoopTransactor{}
	}
	if d.Locker == nil {
		d.Locker = keylock.NewLocal()
	}
	if d.Auditor == nil {
		d.Auditor = nopAuditor{}
	}
	return &Service{
		Deps:      d,
		conflicts: NewConflictChecker(d.Appointments),
		cfg:       cfg,
		logger:    d.Logger.With().Str("component", "appointments").Logger(),
	}
}

// BookRequest describes a new appointment.
type BookRequest struct {
	ProviderID      uuid.UUID
	PatientID       uuid.UUID
	StartTime       time.Time
	DurationMinutes int
	Type            AppointmentType
	Notes           *string
}

// normalizeStart drops sub-minute precision so exact-start comparisons are
// stable across storage round trips.
func (s *Service) normalizeStart(t time.Time) time.Time {
	return t.In(s.cfg.Location).Truncate(time.Minute)
}

func (s *Service) validateBooking(req *BookRequest) error {
	if req.ProviderID == uuid.Nil {
		return validationErr("provider_id is required")
	}
	if req.PatientID == uuid.Nil {
		return validationErr("patient_id is required")
	}
	if req.StartTime.IsZero() {
		return validationErr("start_time is required")
	}
	if req.DurationMinutes < 0 {
		return validationErr("duration_minutes must be positive")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	if req.Type == "" {
		req.Type = TypeInitial
	}
	if !validAppointmentTypes[req.Type] {
		return validationErr("invalid appointment_type: %s", req.Type)
	}
	return nil
}

// Book validates the participants, checks the slot and stores a SCHEDULED
// appointment with its reminders.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := s.validateBooking(&req); err != nil {
		return nil, err
	}
	start := s.normalizeStart(req.StartTime)
	if !start.After(s.Clock.Now()) {
		return nil, validationErr("start_time must be in the future")
	}

	provider, err := s.Directory.FindProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	patient, err := s.Directory.FindPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAvailability(ctx, req.ProviderID, start, req.DurationMinutes); err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:              uuid.New(),
		ProviderID:      req.ProviderID,
		PatientID:       req.PatientID,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		Type:            req.Type,
		Status:          StatusScheduled,
		Notes:           req.Notes,
	}

	err = func() error {
		unlock, err := s.Locker.Lock(ctx, providerLockKey(req.ProviderID))
		if err != nil {
			return storageErr("acquire provider lock", err)
		}
		defer unlock()
		return s.Tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.ensureFree(ctx, req.ProviderID, start); err != nil {
				return err
			}
			if err := s.Appointments.Create(ctx, appt); err != nil {
				return err
			}
			_, err := s.Reminders.ScheduleFor(ctx, appt, patient.Email)
			return err
		})
	}()
	if err != nil {
		return nil, txErr(err)
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("provider_id", appt.ProviderID.String()).
		Time("start_time", appt.StartTime).
		Msg("appointment booked")

	parts := Participants{Appointment: appt, Provider: provider, Patient: patient}
	s.notify(appt, "confirmation", func() error { return s.Notifier.SendConfirmation(ctx, parts) })
	s.audit(ctx, EventBooked, appt)
	return appt, nil
}

// Reschedule moves a SCHEDULED appointment to newStart. The notice window is
// measured against the current start, not the new one.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (*Appointment, error) {
	if newStart.IsZero() {
		return nil, validationErr("start_time is required")
	}
	newStart = s.normalizeStart(newStart)

	appt, err := s.mutate(ctx, id, func(ctx context.Context, a *Appointment) error {
		if a.Status != StatusScheduled {
			return ErrInvalidState
		}
		now := s.Clock.Now()
		if a.StartTime.Sub(now) < s.cfg.RescheduleNotice {
			return ErrNoticeTooShort
		}
		if !newStart.After(now) {
			return validationErr("start_time must be in the future")
		}
		if err := s.checkAvailability(ctx, a.ProviderID, newStart, a.DurationMinutes); err != nil {
			return err
		}
		if err := s.ensureFree(ctx, a.ProviderID, newStart); err != nil {
			return err
		}

		prior := a.StartTime
		a.PriorStartTime = &prior
		a.StartTime = newStart
		a.RescheduledAt = &now
		if err := s.Appointments.Update(ctx, a); err != nil {
			return err
		}
		return s.Reminders.Recompute(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Time("prior_start_time", *appt.PriorStartTime).
		Time("start_time", appt.StartTime).
		Msg("appointment rescheduled")

	s.notifyParticipants(ctx, appt, "reschedule", s.Notifier.SendReschedule)
	s.audit(ctx, EventRescheduled, appt)
	return appt, nil
}

// Cancel marks the appointment CANCELLED, which frees its slot, and drops
// all of its reminders.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	appt, err := s.mutate(ctx, id, func(ctx context.Context, a *Appointment) error {
		switch a.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusCompleted:
			return ErrInvalidState
		}
		now := s.Clock.Now()
		a.Status = StatusCancelled
		a.CancelledAt = &now
		if reason != "" {
			a.CancellationReason = &reason
		}
		if err := s.Appointments.Update(ctx, a); err != nil {
			return err
		}
		_, err := s.Reminders.DeleteFor(ctx, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).Msg("appointment cancelled")

	s.notifyParticipants(ctx, appt, "cancellation", s.Notifier.SendCancellation)
	s.audit(ctx, EventCancelled, appt)
	return appt, nil
}

// AttendanceRequest closes a session.
type AttendanceRequest struct {
	Outcome Outcome
	Notes   *string
	// ActualDurationMinutes is how long the session really ran, if known.
	ActualDurationMinutes *int
	// CalendarProvider, when set, mirrors the record right after it is saved.
	CalendarProvider string
}

// RecordAttendance completes the appointment and writes its single
// attendance record.
func (s *Service) RecordAttendance(ctx context.Context, id uuid.UUID, req AttendanceRequest) (*AttendanceRecord, error) {
	if !validOutcomes[req.Outcome] {
		return nil, validationErr("invalid outcome: %q", req.Outcome)
	}
	if req.ActualDurationMinutes != nil && *req.ActualDurationMinutes < 0 {
		return nil, validationErr("actual_duration_minutes must not be negative")
	}

	var rec *AttendanceRecord
	appt, err := s.mutate(ctx, id, func(ctx context.Context, a *Appointment) error {
		_, err := s.Attendance.GetByAppointment(ctx, a.ID)
		switch {
		case err == nil:
			return ErrDuplicateRecord
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if a.Status != StatusScheduled {
			return ErrInvalidState
		}

		a.Status = StatusCompleted
		if err := s.Appointments.Update(ctx, a); err != nil {
			return err
		}
		rec = &AttendanceRecord{
			ID:                    uuid.New(),
			AppointmentID:         a.ID,
			ProviderID:            a.ProviderID,
			PatientID:             a.PatientID,
			Outcome:               req.Outcome,
			Notes:                 req.Notes,
			ActualDurationMinutes: req.ActualDurationMinutes,
			RecordedAt:            s.Clock.Now(),
		}
		return s.Attendance.Create(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("outcome", string(rec.Outcome)).
		Msg("attendance recorded")
	s.audit(ctx, EventCompleted, appt)

	if req.CalendarProvider != "" {
		if err := s.syncRecord(ctx, appt, rec, req.CalendarProvider); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("calendar sync failed")
		}
	}
	return rec, nil
}

// SyncAttendance mirrors an attendance record into calendarProvider,
// replacing any previous mirror.
func (s *Service) SyncAttendance(ctx context.Context, appointmentID uuid.UUID, calendarProvider string) (*AttendanceRecord, error) {
	if calendarProvider == "" {
		return nil, validationErr("calendar_provider is required")
	}
	appt, err := s.Appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	rec, err := s.Attendance.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalEventID != nil && rec.CalendarProvider != nil {
		if err := s.calendar().Unsync(ctx, *rec.CalendarProvider, *rec.ExternalEventID); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", appointmentID.String()).Msg("failed to remove previous calendar event")
		}
	}
	if err := s.syncRecord(ctx, appt, rec, calendarProvider); err != nil {
		return nil, err
	}
	return rec, nil
}

// UnsyncAttendance removes the external event and clears the link. A record
// that was never synced is returned unchanged.
func (s *Service) UnsyncAttendance(ctx context.Context, appointmentID uuid.UUID) (*AttendanceRecord, error) {
	rec, err := s.Attendance.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalEventID == nil || rec.CalendarProvider == nil {
		return rec, nil
	}
	if err := s.calendar().Unsync(ctx, *rec.CalendarProvider, *rec.ExternalEventID); err != nil {
		return nil, &NotificationError{Kind: "calendar", Err: err}
	}
	rec.ExternalEventID = nil
	rec.CalendarProvider = nil
	if err := s.Attendance.UpdateCalendarLink(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) syncRecord(ctx context.Context, appt *Appointment, rec *AttendanceRecord, calendarProvider string) error {
	ev := CalendarEvent{
		AppointmentID: appt.ID,
		Summary:       "Therapy session (" + string(rec.Outcome) + ")",
		Start:         appt.StartTime,
		End:           appt.EndTime(),
	}
	if rec.Notes != nil {
		ev.Description = *rec.Notes
	}
	externalID, err := s.calendar().Sync(ctx, calendarProvider, ev)
	if err != nil {
		return &NotificationError{Kind: "calendar", Err: err}
	}
	rec.ExternalEventID = &externalID
	rec.CalendarProvider = &calendarProvider
	return s.Attendance.UpdateCalendarLink(ctx, rec)
}

func (s *Service) calendar() CalendarBridge {
	if s.Calendar == nil {
		return unconfiguredCalendar{}
	}
	return s.Calendar
}

type unconfiguredCalendar struct{}

var errNoCalendar = errors.New("calendar bridge not configured")

func (unconfiguredCalendar) Sync(context.Context, string, CalendarEvent) (string, error) {
	return "", errNoCalendar
}

func (unconfiguredCalendar) Unsync(context.Context, string, string) error { return errNoCalendar }

// -- Queries --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.Appointments.GetByID(ctx, id)
}

func (s *Service) ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.Appointments.ListByProvider(ctx, providerID, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.Appointments.ListByPatient(ctx, patientID, limit, offset)
}

// ListByProviderBetween returns the provider's non-cancelled appointments
// starting in [from, to).
func (s *Service) ListByProviderBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	if !from.Before(to) {
		return nil, validationErr("from must be before to")
	}
	return s.Appointments.ListActiveBetween(ctx, providerID, from, to)
}

func (s *Service) GetAttendance(ctx context.Context, appointmentID uuid.UUID) (*AttendanceRecord, error) {
	return s.Attendance.GetByAppointment(ctx, appointmentID)
}

func (s *Service) AttendanceHistoryByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	return s.Attendance.ListByProvider(ctx, providerID, limit, offset)
}

func (s *Service) AttendanceHistoryByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	return s.Attendance.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListReminders(ctx context.Context, appointmentID uuid.UUID) ([]*Reminder, error) {
	if _, err := s.Appointments.GetByID(ctx, appointmentID); err != nil {
		return nil, err
	}
	return s.Reminders.ListFor(ctx, appointmentID)
}

// -- helpers --

// mutate loads the appointment, takes its provider's lock and applies fn to
// a fresh copy inside a transaction.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, a *Appointment) error) (*Appointment, error) {
	current, err := s.Appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.Locker.Lock(ctx, providerLockKey(current.ProviderID))
	if err != nil {
		return nil, storageErr("acquire provider lock", err)
	}
	defer unlock()

	var out *Appointment
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.Appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, txErr(err)
	}
	return out, nil
}

func (s *Service) ensureFree(ctx context.Context, providerID uuid.UUID, start time.Time) error {
	taken, err := s.conflicts.HasConflict(ctx, providerID, start)
	if err != nil {
		return err
	}
	if taken {
		return ErrSlotUnavailable
	}
	return nil
}

func (s *Service) checkAvailability(ctx context.Context, providerID uuid.UUID, start time.Time, durationMinutes int) error {
	if !s.cfg.EnforceAvailability || s.Availability == nil {
		return nil
	}
	ok, err := s.Availability.CoversInterval(ctx, providerID, start, durationMinutes)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOutsideAvailability
	}
	return nil
}

func (s *Service) notify(appt *Appointment, kind string, send func() error) {
	if err := send(); err != nil {
		s.logger.Warn().
			Err(&NotificationError{Kind: kind, Err: err}).
			Str("appointment_id", appt.ID.String()).
			Msg("notification failed")
	}
}

func (s *Service) notifyParticipants(ctx context.Context, appt *Appointment, kind string, send func(context.Context, Participants) error) {
	provider, err := s.Directory.FindProvider(ctx, appt.ProviderID)
	if err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("provider lookup failed, notification skipped")
		return
	}
	patient, err := s.Directory.FindPatient(ctx, appt.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("patient lookup failed, notification skipped")
		return
	}
	parts := Participants{Appointment: appt, Provider: provider, Patient: patient}
	s.notify(appt, kind, func() error { return send(ctx, parts) })
}

type actorKey struct{}

// WithActor tags ctx with the user performing the change, for audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

func (s *Service) audit(ctx context.Context, eventType string, appt *Appointment) {
	ev := AuditEvent{
		Type:          eventType,
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		PatientID:     appt.PatientID,
		StartTime:     appt.StartTime,
		Actor:         actorFrom(ctx),
		OccurredAt:    s.Clock.Now(),
	}
	if err := s.Auditor.Record(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("appointment_id", appt.ID.String()).Msg("audit publish failed")
	}
}

// Location is the operating time zone.
func (s *Service) Location() *time.Location { return s.cfg.Location }
