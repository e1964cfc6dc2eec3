package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConflictChecker decides whether a provider is already booked at a start
// time. Only an exact start match with a non-cancelled appointment counts;
// overlapping intervals with different starts do not conflict.
type ConflictChecker struct {
	appointments AppointmentRepository
}

func NewConflictChecker(appointments AppointmentRepository) *ConflictChecker {
	return &ConflictChecker{appointments: appointments}
}

func (c *ConflictChecker) HasConflict(ctx context.Context, providerID uuid.UUID, start time.Time) (bool, error) {
	n, err := c.appointments.CountActiveAt(ctx, providerID, start)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func providerLockKey(providerID uuid.UUID) string { return "provider:" + providerID.String() }
