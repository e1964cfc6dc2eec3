package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/domain/scheduling"
	"github.com/pats/pats/internal/platform/auth"
	"github.com/pats/pats/internal/platform/clock"
)

var testNow = time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

func newTestBridge() (*Bridge, *clock.Fixed) {
	clk := clock.NewFixed(testNow)
	return NewBridge(clk, zerolog.Nop()), clk
}

func session(start time.Time) scheduling.CalendarEvent {
	return scheduling.CalendarEvent{
		AppointmentID: uuid.New(),
		Summary:       "Therapy session (ATTENDED)",
		Description:   "Recorded attendance",
		Start:         start,
		End:           start.Add(50 * time.Minute),
	}
}

func TestBridge_SyncReturnsExternalID(t *testing.T) {
	b, _ := newTestBridge()
	ev := session(testNow.Add(-2 * time.Hour))

	id, err := b.Sync(context.Background(), "Google", ev)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := "PATS_" + ev.AppointmentID.String() + "_" + "1741604400000"
	if id != want {
		t.Errorf("expected %s, got %s", want, id)
	}
	if got := b.Events("google"); len(got) != 1 || got[0].AppointmentID != ev.AppointmentID {
		t.Errorf("expected event stored under normalized provider, got %v", got)
	}
}

func TestBridge_SyncSameInstantGivesDistinctIDs(t *testing.T) {
	b, _ := newTestBridge()
	ev := session(testNow)
	first, _ := b.Sync(context.Background(), "ics", ev)
	second, _ := b.Sync(context.Background(), "ics", ev)
	if first == second {
		t.Errorf("expected distinct ids, got %s twice", first)
	}
}

func TestBridge_SyncValidation(t *testing.T) {
	b, _ := newTestBridge()
	if _, err := b.Sync(context.Background(), " ", session(testNow)); err == nil {
		t.Error("expected error for empty provider")
	}
	bad := session(testNow)
	bad.End = bad.Start
	if _, err := b.Sync(context.Background(), "ics", bad); err == nil {
		t.Error("expected error for empty interval")
	}
}

func TestBridge_Unsync(t *testing.T) {
	b, _ := newTestBridge()
	id, _ := b.Sync(context.Background(), "ics", session(testNow))

	if err := b.Unsync(context.Background(), "ICS", id); err != nil {
		t.Fatalf("Unsync: %v", err)
	}
	if len(b.Events("ics")) != 0 {
		t.Error("expected feed to be empty")
	}
	if err := b.Unsync(context.Background(), "ics", id); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
	if err := b.Unsync(context.Background(), "outlook", "PATS_missing"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound for unknown provider, got %v", err)
	}
}

func TestBridge_FeedParses(t *testing.T) {
	b, clk := newTestBridge()
	later := session(testNow.Add(24 * time.Hour))
	earlier := session(testNow.Add(-time.Hour))
	if _, err := b.Sync(context.Background(), "ics", later); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := b.Sync(context.Background(), "ics", earlier); err != nil {
		t.Fatal(err)
	}

	cal, err := ical.ParseCalendar(strings.NewReader(b.Feed("ics")))
	if err != nil {
		t.Fatalf("feed does not parse: %v", err)
	}
	events := cal.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	start, err := events[0].GetStartAt()
	if err != nil {
		t.Fatalf("GetStartAt: %v", err)
	}
	if !start.Equal(earlier.Start) {
		t.Errorf("expected events ordered by start, first is %v", start)
	}
	if p := events[0].GetProperty(ical.ComponentPropertySummary); p == nil || p.Value != "Therapy session (ATTENDED)" {
		t.Errorf("unexpected summary %v", p)
	}
}

func TestHandler_Feed(t *testing.T) {
	b, _ := newTestBridge()
	if _, err := b.Sync(context.Background(), "ics", session(testNow)); err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/calendar/ics/feed.ics", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "dr-1", auth.RolePsychologist))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("provider")
	c.SetParamValues("ics")

	if err := NewHandler(b).Feed(c); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "BEGIN:VEVENT") {
		t.Errorf("expected a VEVENT in %s", rec.Body.String())
	}
}

func TestHandler_FeedRequiresStaff(t *testing.T) {
	e := echo.New()
	b, _ := newTestBridge()
	NewHandler(b).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calendar/ics/feed.ics", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "p-1", auth.RolePatient))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
