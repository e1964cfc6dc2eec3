package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/platform/clock"
)

// DefaultReminderBatchSize caps how many due reminders one sweep handles.
const DefaultReminderBatchSize = 100

// ReminderScheduler creates, moves and removes appointment reminders and
// delivers the ones that are due.
type ReminderScheduler struct {
	reminders    ReminderRepository
	appointments AppointmentRepository
	directory    Directory
	notifier     Notifier
	clock        clock.Clock
	logger       zerolog.Logger
	batchSize    int
}

func NewReminderScheduler(
	reminders ReminderRepository,
	appointments AppointmentRepository,
	directory Directory,
	notifier Notifier,
	clk clock.Clock,
	logger zerolog.Logger,
	batchSize int,
) *ReminderScheduler {
	if batchSize <= 0 {
		batchSize = DefaultReminderBatchSize
	}
	return &ReminderScheduler{
		reminders:    reminders,
		appointments: appointments,
		directory:    directory,
		notifier:     notifier,
		clock:        clk,
		logger:       logger.With().Str("component", "reminders").Logger(),
		batchSize:    batchSize,
	}
}

// ScheduleFor creates one PENDING reminder per offset, addressed to recipient.
func (s *ReminderScheduler) ScheduleFor(ctx context.Context, a *Appointment, recipient string) ([]*Reminder, error) {
	out := make([]*Reminder, 0, len(ReminderOffsets))
	for _, offset := range ReminderOffsets {
		rm := &Reminder{
			ID:            uuid.New(),
			AppointmentID: a.ID,
			Type:          ReminderTypeAppointment,
			OffsetMinutes: int(offset / time.Minute),
			FireTime:      a.StartTime.Add(-offset),
			Recipient:     recipient,
			Status:        ReminderPending,
		}
		if err := s.reminders.Create(ctx, rm); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, nil
}

// Recompute moves PENDING reminders to start minus their offset. Sent
// reminders keep their history.
func (s *ReminderScheduler) Recompute(ctx context.Context, a *Appointment) error {
	existing, err := s.reminders.ListByAppointment(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, rm := range existing {
		if rm.Status != ReminderPending {
			continue
		}
		fire := a.StartTime.Add(-rm.Offset())
		if err := s.reminders.UpdateFireTime(ctx, rm.ID, fire); err != nil {
			return err
		}
		rm.FireTime = fire
	}
	return nil
}

// DeleteFor removes every reminder of the appointment, whatever its status.
func (s *ReminderScheduler) DeleteFor(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	return s.reminders.DeleteByAppointment(ctx, appointmentID)
}

func (s *ReminderScheduler) ListFor(ctx context.Context, appointmentID uuid.UUID) ([]*Reminder, error) {
	return s.reminders.ListByAppointment(ctx, appointmentID)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Due    int `json:"due"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	// Skipped counts reminders removed or already sent while being delivered.
	Skipped int `json:"skipped"`
}

// Sweep delivers every due PENDING reminder. A failed delivery is logged and
// left PENDING for the next sweep; it never stops the rest of the batch.
func (s *ReminderScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	due, err := s.reminders.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Due: len(due)}
	for _, rm := range due {
		if ctx.Err() != nil {
			break
		}
		sent, err := s.deliverOne(ctx, rm, now)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Error().Err(err).
				Str("reminder_id", rm.ID.String()).
				Str("appointment_id", rm.AppointmentID.String()).
				Msg("reminder delivery failed")
		case sent:
			res.Sent++
		default:
			res.Skipped++
		}
	}

	if res.Due > 0 {
		s.logger.Info().
			Int("due", res.Due).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("reminder sweep finished")
	}
	return res, ctx.Err()
}

func (s *ReminderScheduler) deliverOne(ctx context.Context, rm *Reminder, now time.Time) (bool, error) {
	appt, err := s.appointments.GetByID(ctx, rm.AppointmentID)
	if err != nil {
		return false, err
	}
	provider, err := s.directory.FindProvider(ctx, appt.ProviderID)
	if err != nil {
		return false, err
	}
	patient := &Principal{ID: appt.PatientID, Email: rm.Recipient}
	if p, err := s.directory.FindPatient(ctx, appt.PatientID); err == nil {
		patient = p
	}

	if err := s.notifier.SendReminder(ctx, rm, Participants{Appointment: appt, Provider: provider, Patient: patient}); err != nil {
		return false, &NotificationError{Kind: "reminder", Err: err}
	}

	ok, err := s.reminders.MarkSent(ctx, rm.ID, now)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug().Str("reminder_id", rm.ID.String()).Msg("reminder changed during delivery")
	}
	return ok, nil
}
