package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/platform/clock"
	"github.com/pats/pats/internal/platform/keylock"
)

// -- Mock Repositories --

type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
	// failCount makes CountActiveAt fail when set.
	failCount error
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func copyAppt(a *Appointment) *Appointment {
	c := *a
	return &c
}

// slotTaken mirrors the partial unique index on (provider_id, start_time).
func (m *mockAppointmentRepo) slotTaken(a *Appointment) bool {
	for _, o := range m.appts {
		if o.ID != a.ID && o.ProviderID == a.ProviderID && o.StartTime.Equal(a.StartTime) && o.Active() && a.Active() {
			return true
		}
	}
	return false
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slotTaken(a) {
		return ErrSlotUnavailable
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = copyAppt(a)
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAppt(a), nil
}

func (m *mockAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[a.ID]; !ok {
		return ErrNotFound
	}
	if m.slotTaken(a) {
		return ErrSlotUnavailable
	}
	a.UpdatedAt = time.Now()
	m.appts[a.ID] = copyAppt(a)
	return nil
}

func (m *mockAppointmentRepo) CountActiveAt(_ context.Context, providerID uuid.UUID, start time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCount != nil {
		return 0, &StorageError{Op: "count active", Err: m.failCount}
	}
	n := 0
	for _, a := range m.appts {
		if a.ProviderID == providerID && a.StartTime.Equal(start) && a.Active() {
			n++
		}
	}
	return n, nil
}

func (m *mockAppointmentRepo) list(match func(*Appointment) bool) []*Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if match(a) {
			out = append(out, copyAppt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (m *mockAppointmentRepo) ListByProvider(_ context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	all := m.list(func(a *Appointment) bool { return a.ProviderID == providerID })
	return page(all, limit, offset), len(all), nil
}

func (m *mockAppointmentRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	all := m.list(func(a *Appointment) bool { return a.PatientID == patientID })
	return page(all, limit, offset), len(all), nil
}

func (m *mockAppointmentRepo) ListActiveBetween(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	return m.list(func(a *Appointment) bool {
		return a.ProviderID == providerID && a.Active() && !a.StartTime.Before(from) && a.StartTime.Before(to)
	}), nil
}

type mockAttendanceRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*AttendanceRecord
}

func newMockAttendanceRepo() *mockAttendanceRepo {
	return &mockAttendanceRepo{records: make(map[uuid.UUID]*AttendanceRecord)}
}

func (m *mockAttendanceRepo) Create(_ context.Context, r *AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.AppointmentID]; ok {
		return ErrDuplicateRecord
	}
	c := *r
	m.records[r.AppointmentID] = &c
	return nil
}

func (m *mockAttendanceRepo) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[appointmentID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *mockAttendanceRepo) UpdateCalendarLink(_ context.Context, r *AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[r.AppointmentID]
	if !ok {
		return ErrNotFound
	}
	existing.ExternalEventID = r.ExternalEventID
	existing.CalendarProvider = r.CalendarProvider
	return nil
}

func (m *mockAttendanceRepo) list(match func(*AttendanceRecord) bool) []*AttendanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AttendanceRecord
	for _, r := range m.records {
		if match(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out
}

func (m *mockAttendanceRepo) ListByProvider(_ context.Context, providerID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	all := m.list(func(r *AttendanceRecord) bool { return r.ProviderID == providerID })
	return page(all, limit, offset), len(all), nil
}

func (m *mockAttendanceRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*AttendanceRecord, int, error) {
	all := m.list(func(r *AttendanceRecord) bool { return r.PatientID == patientID })
	return page(all, limit, offset), len(all), nil
}

type mockReminderRepo struct {
	mu        sync.Mutex
	reminders map[uuid.UUID]*Reminder
	// beforeMarkSent runs inside MarkSent before the status check.
	beforeMarkSent func(id uuid.UUID)
}

func newMockReminderRepo() *mockReminderRepo {
	return &mockReminderRepo{reminders: make(map[uuid.UUID]*Reminder)}
}

func (m *mockReminderRepo) Create(_ context.Context, r *Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = time.Now()
	c := *r
	m.reminders[r.ID] = &c
	return nil
}

func (m *mockReminderRepo) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Reminder
	for _, r := range m.reminders {
		if r.AppointmentID == appointmentID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireTime.Before(out[j].FireTime) })
	return out, nil
}

func (m *mockReminderRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Reminder
	for _, r := range m.reminders {
		if r.Status == ReminderPending && !r.FireTime.After(now) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireTime.Before(out[j].FireTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockReminderRepo) UpdateFireTime(_ context.Context, id uuid.UUID, fireTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reminders[id]; ok && r.Status == ReminderPending {
		r.FireTime = fireTime
	}
	return nil
}

func (m *mockReminderRepo) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	if m.beforeMarkSent != nil {
		m.beforeMarkSent(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.Status != ReminderPending {
		return false, nil
	}
	r.Status = ReminderSent
	r.SentAt = &sentAt
	return true, nil
}

func (m *mockReminderRepo) DeleteByAppointment(_ context.Context, appointmentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.reminders {
		if r.AppointmentID == appointmentID {
			delete(m.reminders, id)
			n++
		}
	}
	return n, nil
}

func (m *mockReminderRepo) get(id uuid.UUID) *Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

type mockAvailabilityRepo struct {
	mu      sync.Mutex
	windows map[uuid.UUID]*AvailabilityWindow
}

func newMockAvailabilityRepo() *mockAvailabilityRepo {
	return &mockAvailabilityRepo{windows: make(map[uuid.UUID]*AvailabilityWindow)}
}

func (m *mockAvailabilityRepo) Create(_ context.Context, w *AvailabilityWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	c := *w
	m.windows[w.ID] = &c
	return nil
}

func (m *mockAvailabilityRepo) GetByID(_ context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

func (m *mockAvailabilityRepo) Update(_ context.Context, w *AvailabilityWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[w.ID]; !ok {
		return ErrNotFound
	}
	c := *w
	m.windows[w.ID] = &c
	return nil
}

func (m *mockAvailabilityRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[id]; !ok {
		return ErrNotFound
	}
	delete(m.windows, id)
	return nil
}

func (m *mockAvailabilityRepo) filter(match func(*AvailabilityWindow) bool) []*AvailabilityWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AvailabilityWindow
	for _, w := range m.windows {
		if match(w) {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

func (m *mockAvailabilityRepo) ListByProvider(_ context.Context, providerID uuid.UUID) ([]*AvailabilityWindow, error) {
	return m.filter(func(w *AvailabilityWindow) bool { return w.ProviderID == providerID }), nil
}

func (m *mockAvailabilityRepo) ListByWeekday(_ context.Context, providerID uuid.UUID, day time.Weekday) ([]*AvailabilityWindow, error) {
	return m.filter(func(w *AvailabilityWindow) bool {
		return w.ProviderID == providerID && w.DayOfWeek != nil && w.DayOfWeek.Weekday() == day
	}), nil
}

func (m *mockAvailabilityRepo) ListByDate(_ context.Context, providerID uuid.UUID, date Date) ([]*AvailabilityWindow, error) {
	return m.filter(func(w *AvailabilityWindow) bool {
		return w.ProviderID == providerID && w.SpecificDate != nil && *w.SpecificDate == date
	}), nil
}

// -- Mock collaborators --

type mockDirectory struct {
	providers map[uuid.UUID]*Principal
	patients  map[uuid.UUID]*Principal
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{providers: map[uuid.UUID]*Principal{}, patients: map[uuid.UUID]*Principal{}}
}

func (d *mockDirectory) addProvider(name, email string) *Principal {
	p := &Principal{ID: uuid.New(), Name: name, Email: email}
	d.providers[p.ID] = p
	return p
}

func (d *mockDirectory) addPatient(name, email string) *Principal {
	p := &Principal{ID: uuid.New(), Name: name, Email: email}
	d.patients[p.ID] = p
	return p
}

func (d *mockDirectory) FindProvider(_ context.Context, id uuid.UUID) (*Principal, error) {
	if p, ok := d.providers[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (d *mockDirectory) FindPatient(_ context.Context, id uuid.UUID) (*Principal, error) {
	if p, ok := d.patients[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

type notifierCall struct {
	Kind          string
	AppointmentID uuid.UUID
	ReminderID    uuid.UUID
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
	// fail decides per call whether delivery fails.
	fail func(call notifierCall) error
}

func (n *mockNotifier) record(c notifierCall) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, c)
	if n.fail != nil {
		return n.fail(c)
	}
	return nil
}

func (n *mockNotifier) SendConfirmation(_ context.Context, p Participants) error {
	return n.record(notifierCall{Kind: "confirmation", AppointmentID: p.Appointment.ID})
}

func (n *mockNotifier) SendReschedule(_ context.Context, p Participants) error {
	return n.record(notifierCall{Kind: "reschedule", AppointmentID: p.Appointment.ID})
}

func (n *mockNotifier) SendCancellation(_ context.Context, p Participants) error {
	return n.record(notifierCall{Kind: "cancellation", AppointmentID: p.Appointment.ID})
}

func (n *mockNotifier) SendReminder(_ context.Context, r *Reminder, p Participants) error {
	return n.record(notifierCall{Kind: "reminder", AppointmentID: p.Appointment.ID, ReminderID: r.ID})
}

func (n *mockNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, call := range n.calls {
		if call.Kind == kind {
			c++
		}
	}
	return c
}

type mockCalendar struct {
	events  map[string]CalendarEvent
	seq     int
	failErr error
}

func newMockCalendar() *mockCalendar {
	return &mockCalendar{events: make(map[string]CalendarEvent)}
}

func (c *mockCalendar) Sync(_ context.Context, provider string, ev CalendarEvent) (string, error) {
	if c.failErr != nil {
		return "", c.failErr
	}
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", provider, ev.AppointmentID, c.seq)
	c.events[id] = ev
	return id, nil
}

func (c *mockCalendar) Unsync(_ context.Context, _ string, externalID string) error {
	if c.failErr != nil {
		return c.failErr
	}
	if _, ok := c.events[externalID]; !ok {
		return errors.New("event not found")
	}
	delete(c.events, externalID)
	return nil
}

type mockAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *mockAuditor) Record(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *mockAuditor) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Type
	}
	return out
}

// -- Fixture --

type fixture struct {
	svc          *Service
	appointments *mockAppointmentRepo
	attendance   *mockAttendanceRepo
	reminders    *mockReminderRepo
	windows      *mockAvailabilityRepo
	directory    *mockDirectory
	notifier     *mockNotifier
	calendar     *mockCalendar
	auditor      *mockAuditor
	clock        *clock.Fixed
	scheduler    *ReminderScheduler
	avail        *AvailabilityService
	provider     *Principal
	patient      *Principal
}

var fixtureNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newFixture(cfg Config) *fixture {
	f := &fixture{
		appointments: newMockAppointmentRepo(),
		attendance:   newMockAttendanceRepo(),
		reminders:    newMockReminderRepo(),
		windows:      newMockAvailabilityRepo(),
		directory:    newMockDirectory(),
		notifier:     &mockNotifier{},
		calendar:     newMockCalendar(),
		auditor:      &mockAuditor{},
		clock:        clock.NewFixed(fixtureNow),
	}
	f.provider = f.directory.addProvider("Dr. Ada Moreau", "ada@clinic.test")
	f.patient = f.directory.addPatient("Sam Rivera", "sam@example.test")

	logger := zerolog.Nop()
	f.scheduler = NewReminderScheduler(f.reminders, f.appointments, f.directory, f.notifier, f.clock, logger, 0)
	f.avail = NewAvailabilityService(f.windows, f.appointments, f.clock, cfg.Location)
	f.svc = NewService(Deps{
		Appointments: f.appointments,
		Attendance:   f.attendance,
		Reminders:    f.scheduler,
		Availability: f.avail,
		Directory:    f.directory,
		Notifier:     f.notifier,
		Calendar:     f.calendar,
		Auditor:      f.auditor,
		Locker:       keylock.NewLocal(),
		Clock:        f.clock,
		Logger:       logger,
	}, cfg)
	return f
}

func (f *fixture) book(start time.Time) (*Appointment, error) {
	return f.svc.Book(context.Background(), BookRequest{
		ProviderID:      f.provider.ID,
		PatientID:       f.patient.ID,
		StartTime:       start,
		DurationMinutes: 50,
		Type:            TypeFollowUp,
	})
}
