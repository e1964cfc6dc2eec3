package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pats/pats/internal/platform/db"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return storageErr(op, err)
}

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pgBase }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pgBase{pool: pool}}
}

const apptCols = `id, provider_id, patient_id, start_time, duration_minutes, appointment_type, status,
	notes, prior_start_time, rescheduled_at, cancelled_at, cancellation_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.ProviderID, &a.PatientID, &a.StartTime, &a.DurationMinutes, &a.Type, &a.Status,
		&a.Notes, &a.PriorStartTime, &a.RescheduledAt, &a.CancelledAt, &a.CancellationReason,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, provider_id, patient_id, start_time, duration_minutes,
			appointment_type, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.ProviderID, a.PatientID, a.StartTime, a.DurationMinutes, a.Type, a.Status, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrSlotUnavailable
	}
	return storageErr("create appointment", err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get appointment", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET start_time=$2, duration_minutes=$3, appointment_type=$4, status=$5,
			notes=$6, prior_start_time=$7, rescheduled_at=$8, cancelled_at=$9, cancellation_reason=$10,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.StartTime, a.DurationMinutes, a.Type, a.Status,
		a.Notes, a.PriorStartTime, a.RescheduledAt, a.CancelledAt, a.CancellationReason,
	).Scan(&a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrSlotUnavailable
	}
	return notFoundOr("update appointment", err)
}

func (r *appointmentRepoPG) CountActiveAt(ctx context.Context, providerID uuid.UUID, start time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE provider_id = $1 AND start_time = $2 AND status <> 'CANCELLED'`,
		providerID, start).Scan(&n)
	return n, storageErr("count active appointments", err)
}

func (r *appointmentRepoPG) list(ctx context.Context, op, where string, arg uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, storageErr(op, err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE `+where+`
		ORDER BY start_time DESC LIMIT $2 OFFSET $3`, arg, limit, offset)
	if err != nil {
		return nil, 0, storageErr(op, err)
	}
	defer rows.Close()
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, storageErr(op, err)
	}
	return items, total, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "list provider appointments", "provider_id = $1", providerID, limit, offset)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "list patient appointments", "patient_id = $1", patientID, limit, offset)
}

func (r *appointmentRepoPG) ListActiveBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE provider_id = $1 AND start_time >= $2 AND start_time < $3 AND status <> 'CANCELLED'
		ORDER BY start_time`, providerID, from, to)
	if err != nil {
		return nil, storageErr("list appointments in window", err)
	}
	defer rows.Close()
	items, err := collectAppointments(rows)
	return items, storageErr("list appointments in window", err)
}

// =========== Attendance Repository ===========

type attendanceRepoPG struct{ pgBase }

func NewAttendanceRepoPG(pool *pgxpool.Pool) AttendanceRepository {
	return &attendanceRepoPG{pgBase{pool: pool}}
}

const attendanceCols = `id, appointment_id, provider_id, patient_id, outcome, notes, actual_duration_minutes,
	recorded_at, external_event_id, calendar_provider`

func scanAttendance(row pgx.Row) (*AttendanceRecord, error) {
	var rec AttendanceRecord
	err := row.Scan(&rec.ID, &rec.AppointmentID, &rec.ProviderID, &rec.PatientID, &rec.Outcome, &rec.Notes,
		&rec.ActualDurationMinutes, &rec.RecordedAt, &rec.ExternalEventID, &rec.CalendarProvider)
	return &rec, err
}

func (r *attendanceRepoPG) Create(ctx context.Context, rec *AttendanceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO attendance_record (`+attendanceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.AppointmentID, rec.ProviderID, rec.PatientID, rec.Outcome, rec.Notes,
		rec.ActualDurationMinutes, rec.RecordedAt, rec.ExternalEventID, rec.CalendarProvider)
	if isUniqueViolation(err) {
		return ErrDuplicateRecord
	}
	return storageErr("create attendance record", err)
}

func (r *attendanceRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*AttendanceRecord, error) {
	rec, err := scanAttendance(r.conn(ctx).QueryRow(ctx,
		`SELECT `+attendanceCols+` FROM attendance_record WHERE appointment_id = $1`, appointmentID))
	if err != nil {
		return nil, notFoundOr("get attendance record", err)
	}
	return rec, nil
}

func (r *attendanceRepoPG) UpdateCalendarLink(ctx context.Context, rec *AttendanceRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE attendance_record SET external_event_id=$2, calendar_provider=$3 WHERE id = $1`,
		rec.ID, rec.ExternalEventID, rec.CalendarProvider)
	if err != nil {
		return storageErr("update calendar link", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attendanceRepoPG) list(ctx context.Context, op, where string, arg uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM attendance_record WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, storageErr(op, err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+attendanceCols+` FROM attendance_record WHERE `+where+`
		ORDER BY recorded_at DESC LIMIT $2 OFFSET $3`, arg, limit, offset)
	if err != nil {
		return nil, 0, storageErr(op, err)
	}
	defer rows.Close()
	var items []*AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, 0, storageErr(op, err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr(op, err)
	}
	return items, total, nil
}

func (r *attendanceRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	return r.list(ctx, "list provider attendance", "provider_id = $1", providerID, limit, offset)
}

func (r *attendanceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	return r.list(ctx, "list patient attendance", "patient_id = $1", patientID, limit, offset)
}

// =========== Reminder Repository ===========

type reminderRepoPG struct{ pgBase }

func NewReminderRepoPG(pool *pgxpool.Pool) ReminderRepository {
	return &reminderRepoPG{pgBase{pool: pool}}
}

const reminderCols = `id, appointment_id, reminder_type, offset_minutes, fire_time, recipient, status,
	sent_at, created_at`

func scanReminder(row pgx.Row) (*Reminder, error) {
	var rm Reminder
	err := row.Scan(&rm.ID, &rm.AppointmentID, &rm.Type, &rm.OffsetMinutes, &rm.FireTime, &rm.Recipient,
		&rm.Status, &rm.SentAt, &rm.CreatedAt)
	return &rm, err
}

func collectReminders(rows pgx.Rows) ([]*Reminder, error) {
	defer rows.Close()
	var items []*Reminder
	for rows.Next() {
		rm, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rm)
	}
	return items, rows.Err()
}

func (r *reminderRepoPG) Create(ctx context.Context, rm *Reminder) error {
	if rm.ID == uuid.Nil {
		rm.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reminder (id, appointment_id, reminder_type, offset_minutes, fire_time, recipient, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		rm.ID, rm.AppointmentID, rm.Type, rm.OffsetMinutes, rm.FireTime, rm.Recipient, rm.Status,
	).Scan(&rm.CreatedAt)
	return storageErr("create reminder", err)
}

func (r *reminderRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Reminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reminderCols+` FROM reminder
		WHERE appointment_id = $1 ORDER BY fire_time`, appointmentID)
	if err != nil {
		return nil, storageErr("list reminders", err)
	}
	items, err := collectReminders(rows)
	return items, storageErr("list reminders", err)
}

func (r *reminderRepoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reminderCols+` FROM reminder
		WHERE status = 'PENDING' AND fire_time <= $1
		ORDER BY fire_time LIMIT $2`, now, limit)
	if err != nil {
		return nil, storageErr("list due reminders", err)
	}
	items, err := collectReminders(rows)
	return items, storageErr("list due reminders", err)
}

func (r *reminderRepoPG) UpdateFireTime(ctx context.Context, id uuid.UUID, fireTime time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE reminder SET fire_time = $2 WHERE id = $1 AND status = 'PENDING'`, id, fireTime)
	return storageErr("update reminder fire time", err)
}

func (r *reminderRepoPG) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reminder SET status = 'SENT', sent_at = $2 WHERE id = $1 AND status = 'PENDING'`, id, sentAt)
	if err != nil {
		return false, storageErr("mark reminder sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *reminderRepoPG) DeleteByAppointment(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM reminder WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return 0, storageErr("delete reminders", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pgBase }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pgBase{pool: pool}}
}

const availabilityCols = `id, provider_id, day_of_week, specific_date, start_time, end_time, is_available,
	created_at, updated_at`

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var (
		w          AvailabilityWindow
		day        *int16
		date       *time.Time
		start, end pgtype.Time
	)
	if err := row.Scan(&w.ID, &w.ProviderID, &day, &date, &start, &end, &w.IsAvailable,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if day != nil {
		d := DayOfWeek(*day)
		w.DayOfWeek = &d
	}
	if date != nil {
		d := DateOf(*date)
		w.SpecificDate = &d
	}
	w.StartTime = timeOfDayFromPG(start)
	w.EndTime = timeOfDayFromPG(end)
	return &w, nil
}

func timeOfDayFromPG(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func timeOfDayToPG(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t.Duration() / time.Microsecond), Valid: true}
}

func windowArgs(w *AvailabilityWindow) (day *int16, date *time.Time) {
	if w.DayOfWeek != nil {
		d := int16(*w.DayOfWeek)
		day = &d
	}
	if w.SpecificDate != nil {
		t := w.SpecificDate.In(time.UTC)
		date = &t
	}
	return day, date
}

func collectWindows(rows pgx.Rows) ([]*AvailabilityWindow, error) {
	defer rows.Close()
	var items []*AvailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) Create(ctx context.Context, w *AvailabilityWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	day, date := windowArgs(w)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_window (id, provider_id, day_of_week, specific_date, start_time, end_time, is_available)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		w.ID, w.ProviderID, day, date, timeOfDayToPG(w.StartTime), timeOfDayToPG(w.EndTime), w.IsAvailable,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	return storageErr("create availability window", err)
}

func (r *availabilityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	w, err := scanWindow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+availabilityCols+` FROM availability_window WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get availability window", err)
	}
	return w, nil
}

func (r *availabilityRepoPG) Update(ctx context.Context, w *AvailabilityWindow) error {
	day, date := windowArgs(w)
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE availability_window SET day_of_week=$2, specific_date=$3, start_time=$4, end_time=$5,
			is_available=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		w.ID, day, date, timeOfDayToPG(w.StartTime), timeOfDayToPG(w.EndTime), w.IsAvailable,
	).Scan(&w.UpdatedAt)
	return notFoundOr("update availability window", err)
}

func (r *availabilityRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_window WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete availability window", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *availabilityRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*AvailabilityWindow, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+availabilityCols+` FROM availability_window
		WHERE provider_id = $1 ORDER BY specific_date NULLS FIRST, day_of_week, start_time`, providerID)
	if err != nil {
		return nil, storageErr("list availability", err)
	}
	items, err := collectWindows(rows)
	return items, storageErr("list availability", err)
}

func (r *availabilityRepoPG) ListByWeekday(ctx context.Context, providerID uuid.UUID, day time.Weekday) ([]*AvailabilityWindow, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+availabilityCols+` FROM availability_window
		WHERE provider_id = $1 AND day_of_week = $2 ORDER BY start_time`, providerID, int16(day))
	if err != nil {
		return nil, storageErr("list weekday availability", err)
	}
	items, err := collectWindows(rows)
	return items, storageErr("list weekday availability", err)
}

func (r *availabilityRepoPG) ListByDate(ctx context.Context, providerID uuid.UUID, date Date) ([]*AvailabilityWindow, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+availabilityCols+` FROM availability_window
		WHERE provider_id = $1 AND specific_date = $2 ORDER BY start_time`, providerID, date.In(time.UTC))
	if err != nil {
		return nil, storageErr("list date availability", err)
	}
	items, err := collectWindows(rows)
	return items, storageErr("list date availability", err)
}
