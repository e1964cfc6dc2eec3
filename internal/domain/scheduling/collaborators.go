package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Directory resolves providers and patients. Both lookups return ErrNotFound
// for unknown ids.
type Directory interface {
	FindProvider(ctx context.Context, id uuid.UUID) (*Principal, error)
	FindPatient(ctx context.Context, id uuid.UUID) (*Principal, error)
}

// Participants is an appointment together with the people on it.
type Participants struct {
	Appointment *Appointment
	Provider    *Principal
	Patient     *Principal
}

// Notifier delivers lifecycle messages. Errors are reported to the caller,
// which logs them and carries on.
type Notifier interface {
	SendConfirmation(ctx context.Context, p Participants) error
	SendReschedule(ctx context.Context, p Participants) error
	SendCancellation(ctx context.Context, p Participants) error
	SendReminder(ctx context.Context, r *Reminder, p Participants) error
}

// CalendarEvent is what gets mirrored into an external calendar.
type CalendarEvent struct {
	AppointmentID uuid.UUID
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
}

// CalendarBridge mirrors attendance records into an external calendar.
type CalendarBridge interface {
	Sync(ctx context.Context, provider string, ev CalendarEvent) (externalID string, err error)
	Unsync(ctx context.Context, provider, externalID string) error
}

// Event types published after successful mutations.
const (
	EventBooked      = "appointment.booked"
	EventRescheduled = "appointment.rescheduled"
	EventCancelled   = "appointment.cancelled"
	EventCompleted   = "appointment.completed"
)

// AuditEvent describes one lifecycle change.
type AuditEvent struct {
	Type          string    `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	StartTime     time.Time `json:"start_time"`
	Actor         string    `json:"actor,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Auditor records lifecycle events. Failures never undo the change.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent) error
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) error { return nil }
