package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repositories return ErrNotFound for missing rows. Writes that would put a
// second active appointment on the same provider and start return
// ErrSlotUnavailable. Other failures come back as *StorageError.

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// CountActiveAt counts non-cancelled appointments of the provider starting
	// exactly at start.
	CountActiveAt(ctx context.Context, providerID uuid.UUID, start time.Time) (int, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	// ListActiveBetween returns non-cancelled appointments of the provider
	// with from <= start < to, ordered by start.
	ListActiveBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*Appointment, error)
}

type AttendanceRepository interface {
	// Create returns ErrDuplicateRecord when the appointment already has a record.
	Create(ctx context.Context, r *AttendanceRecord) error
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*AttendanceRecord, error)
	UpdateCalendarLink(ctx context.Context, r *AttendanceRecord) error
	ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error)
}

type ReminderRepository interface {
	Create(ctx context.Context, r *Reminder) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Reminder, error)
	// ListDue returns PENDING reminders with fire time at or before now,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error)
	// UpdateFireTime only touches PENDING reminders.
	UpdateFireTime(ctx context.Context, id uuid.UUID, fireTime time.Time) error
	// MarkSent flips a PENDING reminder to SENT. It reports false when the
	// reminder is gone or no longer pending.
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error)
	DeleteByAppointment(ctx context.Context, appointmentID uuid.UUID) (int, error)
}

type AvailabilityRepository interface {
	Create(ctx context.Context, w *AvailabilityWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error)
	Update(ctx context.Context, w *AvailabilityWindow) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*AvailabilityWindow, error)
	// ListByWeekday returns recurring windows only.
	ListByWeekday(ctx context.Context, providerID uuid.UUID, day time.Weekday) ([]*AvailabilityWindow, error)
	ListByDate(ctx context.Context, providerID uuid.UUID, date Date) ([]*AvailabilityWindow, error)
}
