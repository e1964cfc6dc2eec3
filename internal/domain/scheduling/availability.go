package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/pats/pats/internal/platform/clock"
)

// MaxSlotRangeDays bounds a single slot discovery request.
const MaxSlotRangeDays = 62

// AvailabilityService owns provider availability windows and answers
// "is this provider open" questions against them.
type AvailabilityService struct {
	windows      AvailabilityRepository
	appointments AppointmentRepository
	clock        clock.Clock
	loc          *time.Location
}

func NewAvailabilityService(windows AvailabilityRepository, appointments AppointmentRepository, clk clock.Clock, loc *time.Location) *AvailabilityService {
	if loc == nil {
		loc = time.UTC
	}
	return &AvailabilityService{windows: windows, appointments: appointments, clock: clk, loc: loc}
}

// -- Window CRUD --

func validateWindow(w *AvailabilityWindow) error {
	if w.ProviderID == uuid.Nil {
		return validationErr("provider_id is required")
	}
	if (w.DayOfWeek == nil) == (w.SpecificDate == nil) {
		return validationErr("exactly one of day_of_week or specific_date must be set")
	}
	if w.StartTime < 0 || w.EndTime > EndOfDay {
		return validationErr("times must fall between 00:00 and 24:00")
	}
	if w.StartTime >= w.EndTime {
		return validationErr("start_time must be before end_time")
	}
	return nil
}

func (s *AvailabilityService) CreateWindow(ctx context.Context, w *AvailabilityWindow) error {
	if err := validateWindow(w); err != nil {
		return err
	}
	return s.windows.Create(ctx, w)
}

func (s *AvailabilityService) GetWindow(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	return s.windows.GetByID(ctx, id)
}

// UpdateWindow replaces the mutable fields of an existing window. The owning
// provider cannot change.
func (s *AvailabilityService) UpdateWindow(ctx context.Context, w *AvailabilityWindow) error {
	existing, err := s.windows.GetByID(ctx, w.ID)
	if err != nil {
		return err
	}
	w.ProviderID = existing.ProviderID
	if err := validateWindow(w); err != nil {
		return err
	}
	return s.windows.Update(ctx, w)
}

func (s *AvailabilityService) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	return s.windows.Delete(ctx, id)
}

func (s *AvailabilityService) ListWindows(ctx context.Context, providerID uuid.UUID) ([]*AvailabilityWindow, error) {
	return s.windows.ListByProvider(ctx, providerID)
}

// -- Matching --

// IsSlotOpen reports whether one of the provider's recurring windows for day
// is open and fully contains [start, end]. Adjacent windows are not merged
// and date-specific records are ignored.
func (s *AvailabilityService) IsSlotOpen(ctx context.Context, providerID uuid.UUID, day time.Weekday, start, end TimeOfDay) (bool, error) {
	windows, err := s.windows.ListByWeekday(ctx, providerID, day)
	if err != nil {
		return false, err
	}
	return anyOpenContains(windows, start, end), nil
}

// FindDateSpecific returns the provider's override records for date.
func (s *AvailabilityService) FindDateSpecific(ctx context.Context, providerID uuid.UUID, date Date) ([]*AvailabilityWindow, error) {
	return s.windows.ListByDate(ctx, providerID, date)
}

// IsOpenOn applies overrides first: when date has any date-specific records
// only those are consulted, otherwise the weekly template for its weekday.
func (s *AvailabilityService) IsOpenOn(ctx context.Context, providerID uuid.UUID, date Date, start, end TimeOfDay) (bool, error) {
	overrides, err := s.FindDateSpecific(ctx, providerID, date)
	if err != nil {
		return false, err
	}
	if len(overrides) > 0 {
		return anyOpenContains(overrides, start, end), nil
	}
	return s.IsSlotOpen(ctx, providerID, date.Weekday(), start, end)
}

// CoversInterval checks an appointment-shaped interval in the operating zone.
// Intervals that cross midnight are never covered.
func (s *AvailabilityService) CoversInterval(ctx context.Context, providerID uuid.UUID, start time.Time, durationMinutes int) (bool, error) {
	local := start.In(s.loc)
	end := local.Add(time.Duration(durationMinutes) * time.Minute)
	endTOD := TimeOfDayOf(end)
	if DateOf(end) != DateOf(local) {
		if endTOD != 0 || end.Sub(local) > 24*time.Hour {
			return false, nil
		}
		endTOD = EndOfDay
	}
	return s.IsOpenOn(ctx, providerID, DateOf(local), TimeOfDayOf(local), endTOD)
}

func anyOpenContains(windows []*AvailabilityWindow, start, end TimeOfDay) bool {
	for _, w := range windows {
		if w.IsAvailable && w.Contains(start, end) {
			return true
		}
	}
	return false
}

// -- Slot discovery --

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// OpenSlots lists bookable starts between from and to (inclusive dates),
// stepping by duration inside each open window. Slots in the past, slots
// overlapping a blocked window, and starts already taken by an active
// appointment are left out.
func (s *AvailabilityService) OpenSlots(ctx context.Context, providerID uuid.UUID, from, to Date, durationMinutes int) ([]Slot, error) {
	if durationMinutes <= 0 {
		return nil, validationErr("duration must be positive")
	}
	if to.Before(from) {
		return nil, validationErr("to must not be before from")
	}
	if from.AddDays(MaxSlotRangeDays).Before(to) {
		return nil, validationErr("range must not exceed %d days", MaxSlotRangeDays)
	}

	windows, err := s.windows.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	recurring := make(map[time.Weekday][]*AvailabilityWindow)
	overrides := make(map[Date][]*AvailabilityWindow)
	for _, w := range windows {
		switch {
		case w.SpecificDate != nil:
			if !w.SpecificDate.Before(from) && !to.Before(*w.SpecificDate) {
				overrides[*w.SpecificDate] = append(overrides[*w.SpecificDate], w)
			}
		case w.DayOfWeek != nil:
			recurring[w.DayOfWeek.Weekday()] = append(recurring[w.DayOfWeek.Weekday()], w)
		}
	}

	dates, err := s.expandDates(from, to, recurring, overrides)
	if err != nil {
		return nil, err
	}

	booked, err := s.appointments.ListActiveBetween(ctx, providerID, from.In(s.loc), to.AddDays(1).In(s.loc))
	if err != nil {
		return nil, err
	}
	taken := make(map[int64]bool, len(booked))
	for _, a := range booked {
		taken[a.StartTime.Unix()] = true
	}

	now := s.clock.Now()
	step := TimeOfDay(durationMinutes)
	seen := make(map[int64]bool)
	var slots []Slot
	for _, date := range dates {
		ws := overrides[date]
		if len(ws) == 0 {
			ws = recurring[date.Weekday()]
		}
		for _, w := range ws {
			if !w.IsAvailable {
				continue
			}
			for t := w.StartTime; t+step <= w.EndTime; t += step {
				if overlapsBlocked(ws, t, t+step) {
					continue
				}
				start := date.At(t, s.loc)
				key := start.Unix()
				if start.Before(now) || taken[key] || seen[key] {
					continue
				}
				seen[key] = true
				slots = append(slots, Slot{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)})
			}
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots, nil
}

// expandDates turns the weekly template into concrete dates with a weekly
// recurrence rule. Dates with overrides are excluded from the rule and added
// back directly.
func (s *AvailabilityService) expandDates(from, to Date, recurring map[time.Weekday][]*AvailabilityWindow, overrides map[Date][]*AvailabilityWindow) ([]Date, error) {
	set := make(map[Date]bool)
	for d := range overrides {
		set[d] = true
	}

	if len(recurring) > 0 {
		days := make([]rrule.Weekday, 0, len(recurring))
		for wd := range recurring {
			days = append(days, rruleWeekdays[wd])
		}
		rule, err := rrule.NewRRule(rrule.ROption{
			Freq:      rrule.WEEKLY,
			Dtstart:   from.In(time.UTC),
			Until:     to.In(time.UTC),
			Byweekday: days,
		})
		if err != nil {
			return nil, fmt.Errorf("build availability rule: %w", err)
		}
		var rs rrule.Set
		rs.RRule(rule)
		for d := range overrides {
			rs.ExDate(d.In(time.UTC))
		}
		for _, occ := range rs.Between(from.In(time.UTC), to.In(time.UTC), true) {
			d := DateOf(occ)
			if _, ok := recurring[d.Weekday()]; ok {
				set[d] = true
			}
		}
	}

	dates := make([]Date, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func overlapsBlocked(windows []*AvailabilityWindow, start, end TimeOfDay) bool {
	for _, w := range windows {
		if !w.IsAvailable && w.Overlaps(start, end) {
			return true
		}
	}
	return false
}
