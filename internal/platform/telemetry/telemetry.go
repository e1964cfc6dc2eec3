// Package telemetry collects request, lifecycle and reminder metrics and
// serves them in the Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pats/pats/internal/domain/scheduling"
	"github.com/pats/pats/internal/platform/db"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// ---------------------------------------------------------------------------
// Counter store
// ---------------------------------------------------------------------------

// counterStore holds counters keyed by their rendered label set.
type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// sorted returns the keys in a stable order for export.
func (s *counterStore) sorted() ([]string, map[string]int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	vals := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		keys = append(keys, k)
		vals[k] = atomic.LoadInt64(p)
	}
	sort.Strings(keys)
	return keys, vals
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics is the process-wide metrics registry. It records HTTP traffic
// through Middleware, lifecycle events as a scheduling.Auditor and reminder
// sweeps as a scheduling.SweepObserver.
type Metrics struct {
	histMu    sync.RWMutex
	durations map[string]*histogram // labels -> histogram

	active    int64
	requests  *counterStore
	events    *counterStore
	reminders *counterStore
	sweeps    int64

	poolStats func() *db.PoolStats
	now       func() time.Time
}

func New() *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		requests:  newCounterStore(),
		events:    newCounterStore(),
		reminders: newCounterStore(),
		now:       time.Now,
	}
}

// WithPoolStats exports database pool gauges read from fn at scrape time.
func (m *Metrics) WithPoolStats(fn func() *db.PoolStats) *Metrics {
	m.poolStats = fn
	return m
}

func labels(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", pairs[i], pairs[i+1]))
	}
	return strings.Join(parts, ",")
}

func (m *Metrics) duration(key string) *histogram {
	m.histMu.RLock()
	h, ok := m.durations[key]
	m.histMu.RUnlock()
	if ok {
		return h
	}
	m.histMu.Lock()
	defer m.histMu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[key] = h
	}
	return h
}

// Middleware records request counts and durations by method, route pattern
// and status code. Errors are rendered here so the recorded status is final.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			defer atomic.AddInt64(&m.active, -1)

			start := m.now()
			err := next(c)

			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := labels("method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status))
			m.requests.add(key, 1)
			m.duration(key).Observe(m.now().Sub(start).Seconds())
			return nil
		}
	}
}

// Record counts a lifecycle event by type.
func (m *Metrics) Record(_ context.Context, ev scheduling.AuditEvent) error {
	m.events.add(labels("type", ev.Type), 1)
	return nil
}

// ObserveSweep counts reminder outcomes of one sweep.
func (m *Metrics) ObserveSweep(res scheduling.SweepResult) {
	atomic.AddInt64(&m.sweeps, 1)
	m.reminders.add(labels("result", "sent"), int64(res.Sent))
	m.reminders.add(labels("result", "failed"), int64(res.Failed))
	m.reminders.add(labels("result", "skipped"), int64(res.Skipped))
}

// EventCount returns how many events of type were recorded.
func (m *Metrics) EventCount(eventType string) int64 {
	return m.events.get(labels("type", eventType))
}

// RequestCount returns the number of requests recorded for the label set.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	return m.requests.get(labels("method", method, "route", route, "status_code", strconv.Itoa(status)))
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// Handler serves all metrics in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeCounters(&b, "pats_http_requests_total", "Total HTTP requests.", m.requests)

		b.WriteString("# HELP pats_http_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE pats_http_request_duration_seconds histogram\n")
		m.histMu.RLock()
		keys := make([]string, 0, len(m.durations))
		for k := range m.durations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeHistogram(&b, "pats_http_request_duration_seconds", k, m.durations[k])
		}
		m.histMu.RUnlock()
		b.WriteByte('\n')

		writeGauge(&b, "pats_http_active_requests", "Requests currently being served.", atomic.LoadInt64(&m.active))
		writeCounters(&b, "pats_appointment_events_total", "Appointment lifecycle events by type.", m.events)
		writeCounters(&b, "pats_reminders_total", "Reminder deliveries by result.", m.reminders)
		b.WriteString("# HELP pats_reminder_sweeps_total Completed reminder sweeps.\n")
		b.WriteString("# TYPE pats_reminder_sweeps_total counter\n")
		fmt.Fprintf(&b, "pats_reminder_sweeps_total %d\n\n", atomic.LoadInt64(&m.sweeps))

		if m.poolStats != nil {
			if st := m.poolStats(); st != nil {
				writeGauge(&b, "pats_db_pool_acquired_connections", "Connections in use.", int64(st.AcquiredConns))
				writeGauge(&b, "pats_db_pool_idle_connections", "Idle connections.", int64(st.IdleConns))
				writeGauge(&b, "pats_db_pool_max_connections", "Maximum pool size.", int64(st.MaxConns))
			}
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeCounters(b *strings.Builder, name, help string, s *counterStore) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	keys, vals := s.sorted()
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s} %d\n", name, k, vals[k])
	}
	b.WriteByte('\n')
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, v)
}

func writeHistogram(b *strings.Builder, name, lbls string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, lbls, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, lbls, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, lbls, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, lbls, total)
}
