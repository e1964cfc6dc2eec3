package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/pats/pats/internal/domain/scheduling"
	"github.com/pats/pats/internal/platform/db"
)

func TestHistogram_Observe(t *testing.T) {
	h := newHistogram([]float64{1, 5})
	for _, v := range []float64{0.5, 3, 10} {
		h.Observe(v)
	}
	if h.Count() != 3 {
		t.Fatalf("expected count 3, got %d", h.Count())
	}
	if h.Sum() != 13.5 {
		t.Errorf("expected sum 13.5, got %g", h.Sum())
	}
	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("unexpected cumulative buckets %v", cum)
	}
}

func TestCounterStore_Concurrent(t *testing.T) {
	s := newCounterStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.add("k", 1)
		}()
	}
	wg.Wait()
	if got := s.get("k"); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func newServer(m *Metrics) *echo.Echo {
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/appointments/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", m.Handler())
	return e
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	m := New()
	e := newServer(m)

	for _, id := range []string{"a", "b", "missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments/"+id, nil))
	}

	if got := m.RequestCount(http.MethodGet, "/api/v1/appointments/:id", http.StatusOK); got != 2 {
		t.Errorf("expected 2 ok requests, got %d", got)
	}
	if got := m.RequestCount(http.MethodGet, "/api/v1/appointments/:id", http.StatusNotFound); got != 1 {
		t.Errorf("expected 1 not found request, got %d", got)
	}
}

func TestMiddleware_ErrorStillRendered(t *testing.T) {
	e := newServer(New())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRecordAndObserveSweep(t *testing.T) {
	m := New()
	ctx := context.Background()
	_ = m.Record(ctx, scheduling.AuditEvent{Type: scheduling.EventBooked})
	_ = m.Record(ctx, scheduling.AuditEvent{Type: scheduling.EventBooked})
	_ = m.Record(ctx, scheduling.AuditEvent{Type: scheduling.EventCancelled})
	m.ObserveSweep(scheduling.SweepResult{Due: 3, Sent: 2, Failed: 1})

	if got := m.EventCount(scheduling.EventBooked); got != 2 {
		t.Errorf("expected 2 booked events, got %d", got)
	}
	if got := m.EventCount(scheduling.EventCancelled); got != 1 {
		t.Errorf("expected 1 cancelled event, got %d", got)
	}
	if got := m.reminders.get(labels("result", "sent")); got != 2 {
		t.Errorf("expected 2 sent reminders, got %d", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New().WithPoolStats(func() *db.PoolStats {
		return &db.PoolStats{AcquiredConns: 2, IdleConns: 3, MaxConns: 10}
	})
	e := newServer(m)
	_ = m.Record(context.Background(), scheduling.AuditEvent{Type: scheduling.EventRescheduled})
	m.ObserveSweep(scheduling.SweepResult{Sent: 4})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments/a", nil))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`pats_http_requests_total{method="GET",route="/api/v1/appointments/:id",status_code="200"} 1`,
		`pats_http_request_duration_seconds_count{method="GET",route="/api/v1/appointments/:id",status_code="200"} 1`,
		`pats_appointment_events_total{type="appointment.rescheduled"} 1`,
		`pats_reminders_total{result="sent"} 4`,
		"pats_reminder_sweeps_total 1",
		"pats_db_pool_max_connections 10",
		"# TYPE pats_http_active_requests gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %q\n%s", want, body)
		}
	}
}
