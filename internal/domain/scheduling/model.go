package scheduling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppointmentStatus moves one way: SCHEDULED to COMPLETED or CANCELLED.
type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "SCHEDULED"
	StatusCompleted AppointmentStatus = "COMPLETED"
	StatusCancelled AppointmentStatus = "CANCELLED"
)

type AppointmentType string

const (
	TypeInitial   AppointmentType = "INITIAL"
	TypeFollowUp  AppointmentType = "FOLLOWUP"
	TypeEmergency AppointmentType = "EMERGENCY"
	TypeVideo     AppointmentType = "VIDEO"
	TypeInPerson  AppointmentType = "IN_PERSON"
)

var validAppointmentTypes = map[AppointmentType]bool{
	TypeInitial: true, TypeFollowUp: true, TypeEmergency: true, TypeVideo: true, TypeInPerson: true,
}

// Appointment is a booked session between one provider and one patient.
type Appointment struct {
	ID                 uuid.UUID         `json:"id"`
	ProviderID         uuid.UUID         `json:"provider_id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	StartTime          time.Time         `json:"start_time"`
	DurationMinutes    int               `json:"duration_minutes"`
	Type               AppointmentType   `json:"appointment_type"`
	Status             AppointmentStatus `json:"status"`
	Notes              *string           `json:"notes,omitempty"`
	PriorStartTime     *time.Time        `json:"prior_start_time,omitempty"`
	RescheduledAt      *time.Time        `json:"rescheduled_at,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Active reports whether the appointment still occupies its slot.
func (a *Appointment) Active() bool { return a.Status != StatusCancelled }

// Outcome classifies what happened at a session.
type Outcome string

const (
	OutcomeAttended       Outcome = "ATTENDED"
	OutcomeNoShow         Outcome = "NO_SHOW"
	OutcomeCancelled      Outcome = "CANCELLED"
	OutcomeRescheduled    Outcome = "RESCHEDULED"
	OutcomeCompletedEarly Outcome = "COMPLETED_EARLY"
	OutcomeCompletedLate  Outcome = "COMPLETED_LATE"
)

var validOutcomes = map[Outcome]bool{
	OutcomeAttended: true, OutcomeNoShow: true, OutcomeCancelled: true,
	OutcomeRescheduled: true, OutcomeCompletedEarly: true, OutcomeCompletedLate: true,
}

// AttendanceRecord is written once per appointment when the session is closed.
type AttendanceRecord struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Outcome       Outcome   `json:"outcome"`
	Notes         *string   `json:"notes,omitempty"`
	// ActualDurationMinutes is how long the session ran, when reported.
	ActualDurationMinutes *int      `json:"actual_duration_minutes,omitempty"`
	RecordedAt            time.Time `json:"recorded_at"`
	ExternalEventID       *string   `json:"external_event_id,omitempty"`
	CalendarProvider      *string   `json:"calendar_provider,omitempty"`
}

type ReminderStatus string

const (
	ReminderPending ReminderStatus = "PENDING"
	ReminderSent    ReminderStatus = "SENT"
	// ReminderFailed is reserved for a bounded-retry policy; the sweep leaves
	// failed deliveries PENDING.
	ReminderFailed ReminderStatus = "FAILED"
)

const ReminderTypeAppointment = "APPOINTMENT_REMINDER"

// ReminderOffsets are the lead times before an appointment at which a
// reminder fires.
var ReminderOffsets = []time.Duration{24 * time.Hour, time.Hour}

// Reminder is a scheduled notification tied to one appointment.
type Reminder struct {
	ID            uuid.UUID      `json:"id"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	Type          string         `json:"reminder_type"`
	OffsetMinutes int            `json:"offset_minutes"`
	FireTime      time.Time      `json:"fire_time"`
	Recipient     string         `json:"recipient"`
	Status        ReminderStatus `json:"status"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (r *Reminder) Offset() time.Duration { return time.Duration(r.OffsetMinutes) * time.Minute }

// Principal is a provider or patient as seen through the directory.
type Principal struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// ---------------------------------------------------------------------------
// Availability
// ---------------------------------------------------------------------------

// AvailabilityWindow is either a weekly template (DayOfWeek set) or a
// date-specific override (SpecificDate set).
type AvailabilityWindow struct {
	ID           uuid.UUID  `json:"id"`
	ProviderID   uuid.UUID  `json:"provider_id"`
	DayOfWeek    *DayOfWeek `json:"day_of_week,omitempty"`
	SpecificDate *Date      `json:"specific_date,omitempty"`
	StartTime    TimeOfDay  `json:"start_time"`
	EndTime      TimeOfDay  `json:"end_time"`
	IsAvailable  bool       `json:"is_available"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Contains reports whether [start, end] lies inside the window. Bounds are
// inclusive.
func (w *AvailabilityWindow) Contains(start, end TimeOfDay) bool {
	return w.StartTime <= start && w.EndTime >= end
}

// Overlaps reports whether [start, end) intersects the window.
func (w *AvailabilityWindow) Overlaps(start, end TimeOfDay) bool {
	return start < w.EndTime && end > w.StartTime
}

// Slot is a bookable interval produced by slot discovery.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DayOfWeek wraps time.Weekday and reads/writes names like "MONDAY".
type DayOfWeek time.Weekday

func (d DayOfWeek) Weekday() time.Weekday { return time.Weekday(d) }

func (d DayOfWeek) String() string { return strings.ToUpper(time.Weekday(d).String()) }

func ParseDayOfWeek(s string) (DayOfWeek, error) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(s, wd.String()) {
			return DayOfWeek(wd), nil
		}
	}
	return 0, fmt.Errorf("invalid day of week %q", s)
}

func (d DayOfWeek) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *DayOfWeek) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDayOfWeek(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TimeOfDay is minutes after midnight, 0 through 1440.
type TimeOfDay int

const EndOfDay TimeOfDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

// TimeOfDayOf returns the wall-clock minute of t in its own location.
func TimeOfDayOf(t time.Time) TimeOfDay { return NewTimeOfDay(t.Hour(), t.Minute()) }

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	// Accept HH:MM and HH:MM:SS with zero seconds, the form Postgres TIME prints.
	if len(s) == 8 && strings.HasSuffix(s, ":00") {
		s = s[:5]
	}
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, herr := strconv.Atoi(s[:2])
	m, merr := strconv.Atoi(s[3:])
	if herr != nil || merr != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	t := NewTimeOfDay(h, m)
	if h < 0 || m < 0 || m > 59 || t > EndOfDay {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute()) }

// Duration is the offset from midnight.
func (t TimeOfDay) Duration() time.Duration { return time.Duration(t) * time.Minute }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date is a calendar day with no time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// At returns the instant at wall-clock tod on d in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, tod.Hour(), tod.Minute(), 0, 0, loc)
}

func (d Date) Weekday() time.Weekday { return d.In(time.UTC).Weekday() }

func (d Date) AddDays(n int) Date { return DateOf(d.In(time.UTC).AddDate(0, 0, n)) }

func (d Date) Before(o Date) bool { return d.In(time.UTC).Before(o.In(time.UTC)) }

func (d Date) String() string { return d.In(time.UTC).Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
