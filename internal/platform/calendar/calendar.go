// Package calendar mirrors attendance records into per-provider iCalendar
// feeds.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/domain/scheduling"
	"github.com/pats/pats/internal/platform/clock"
)

var ErrEventNotFound = errors.New("calendar event not found")

const productID = "-//PATS//Therapy Scheduling//EN"

type entry struct {
	uid     string
	event   scheduling.CalendarEvent
	stamped time.Time
}

// Bridge keeps mirrored events in memory, keyed by calendar provider and
// external id.
type Bridge struct {
	mu     sync.RWMutex
	feeds  map[string]map[string]entry
	clock  clock.Clock
	logger zerolog.Logger
}

func NewBridge(clk clock.Clock, logger zerolog.Logger) *Bridge {
	if clk == nil {
		clk = clock.NewReal(time.UTC)
	}
	return &Bridge{
		feeds:  make(map[string]map[string]entry),
		clock:  clk,
		logger: logger.With().Str("component", "calendar").Logger(),
	}
}

// Sync stores ev under provider and returns its external id,
// PATS_<appointment id>_<unix millis>.
func (b *Bridge) Sync(_ context.Context, provider string, ev scheduling.CalendarEvent) (string, error) {
	provider = normalize(provider)
	if provider == "" {
		return "", errors.New("calendar provider is required")
	}
	if !ev.End.After(ev.Start) {
		return "", fmt.Errorf("calendar event ends before it starts")
	}

	now := b.clock.Now()
	id := fmt.Sprintf("PATS_%s_%d", ev.AppointmentID, now.UnixMilli())

	b.mu.Lock()
	defer b.mu.Unlock()
	feed, ok := b.feeds[provider]
	if !ok {
		feed = make(map[string]entry)
		b.feeds[provider] = feed
	}
	if _, dup := feed[id]; dup {
		id = fmt.Sprintf("%s_%d", id, len(feed))
	}
	feed[id] = entry{uid: id, event: ev, stamped: now}

	b.logger.Debug().
		Str("provider", provider).
		Str("external_id", id).
		Str("appointment_id", ev.AppointmentID.String()).
		Msg("event synced")
	return id, nil
}

// Unsync removes an event. Unknown ids give ErrEventNotFound.
func (b *Bridge) Unsync(_ context.Context, provider, externalID string) error {
	provider = normalize(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	feed := b.feeds[provider]
	if _, ok := feed[externalID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrEventNotFound, provider, externalID)
	}
	delete(feed, externalID)
	if len(feed) == 0 {
		delete(b.feeds, provider)
	}
	return nil
}

// Events returns provider's events ordered by start time.
func (b *Bridge) Events(provider string) []scheduling.CalendarEvent {
	entries := b.sorted(normalize(provider))
	out := make([]scheduling.CalendarEvent, len(entries))
	for i, e := range entries {
		out[i] = e.event
	}
	return out
}

func (b *Bridge) sorted(provider string) []entry {
	b.mu.RLock()
	feed := b.feeds[provider]
	entries := make([]entry, 0, len(feed))
	for _, e := range feed {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].event.Start.Equal(entries[j].event.Start) {
			return entries[i].uid < entries[j].uid
		}
		return entries[i].event.Start.Before(entries[j].event.Start)
	})
	return entries
}

// Feed renders provider's events as an iCalendar document.
func (b *Bridge) Feed(provider string) string {
	provider = normalize(provider)
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName("PATS " + provider)

	for _, e := range b.sorted(provider) {
		ev := cal.AddEvent(e.uid)
		ev.SetDtStampTime(e.stamped.UTC())
		ev.SetStartAt(e.event.Start.UTC())
		ev.SetEndAt(e.event.End.UTC())
		ev.SetSummary(e.event.Summary)
		if e.event.Description != "" {
			ev.SetDescription(e.event.Description)
		}
	}
	return cal.Serialize()
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
