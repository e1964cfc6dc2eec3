package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pats/pats/internal/domain/scheduling"
)

func sampleEvent() scheduling.AuditEvent {
	return scheduling.AuditEvent{
		Type:          scheduling.EventBooked,
		AppointmentID: uuid.New(),
		ProviderID:    uuid.New(),
		PatientID:     uuid.New(),
		StartTime:     time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		OccurredAt:    time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

// receiver is a test endpoint that fails the first failFirst requests.
type receiver struct {
	mu        sync.Mutex
	failFirst int32
	calls     int32
	bodies    [][]byte
	headers   []http.Header
	done      chan struct{}
}

func newReceiver(t *testing.T, failFirst int32) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{failFirst: failFirst, done: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		n := atomic.AddInt32(&r.calls, 1)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		if n <= r.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		r.done <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"appointment.booked"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"appointment.booked", "appointment.booked", true},
		{"appointment.*", "appointment.cancelled", true},
		{"*", "appointment.completed", true},
		{"appointment.booked", "appointment.cancelled", false},
		{"reminder.*", "appointment.booked", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestRegister(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	ep, err := m.Register(ctx, RegisterRequest{URL: "https://clinic.example.org/hooks", Events: []string{"appointment.*"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ep.Status != StatusActive || len(ep.Secret) != 64 {
		t.Errorf("unexpected endpoint %+v", ep)
	}

	bad := []RegisterRequest{
		{URL: "ftp://clinic.example.org", Events: []string{"*"}},
		{URL: "https://", Events: []string{"*"}},
		{URL: "https://clinic.example.org"},
	}
	for _, req := range bad {
		if _, err := m.Register(ctx, req); !errors.Is(err, ErrInvalid) {
			t.Errorf("Register(%+v) error = %v, want ErrInvalid", req, err)
		}
	}
}

func TestRecord_DeliversSignedEvent(t *testing.T) {
	rcv, srv := newReceiver(t, 0)
	m := NewManager(NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); m.Wait() }()
	m.Start(ctx)

	ep, err := m.Register(ctx, RegisterRequest{URL: srv.URL, Secret: "topsecret", Events: []string{"appointment.*"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ev := sampleEvent()
	if err := m.Record(ctx, ev); err != nil {
		t.Fatalf("Record: %v", err)
	}
	waitFor(t, rcv.done)

	rcv.mu.Lock()
	body, hdr := rcv.bodies[0], rcv.headers[0]
	rcv.mu.Unlock()
	if !VerifySignature(body, "topsecret", hdr.Get("X-PATS-Signature")) {
		t.Error("signature does not verify")
	}
	if hdr.Get("X-PATS-Event") != scheduling.EventBooked {
		t.Errorf("unexpected event header %q", hdr.Get("X-PATS-Event"))
	}
	var got Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data.AppointmentID != ev.AppointmentID {
		t.Errorf("unexpected payload %+v", got)
	}

	deadline := time.Now().Add(time.Second)
	for {
		ds, total, _ := m.Deliveries(ctx, ep.ID, 10, 0)
		if total == 1 && ds[0].Status == DeliverySucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one succeeded delivery, got %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecord_RetriesUntilSuccess(t *testing.T) {
	rcv, srv := newReceiver(t, 2)
	m := NewManager(NewMemoryStore(), WithBackoff(func(int) time.Duration { return time.Millisecond }))
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); m.Wait() }()
	m.Start(ctx)

	ep, _ := m.Register(ctx, RegisterRequest{URL: srv.URL, Events: []string{"*"}})
	if err := m.Record(ctx, sampleEvent()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	waitFor(t, rcv.done)

	if got := atomic.LoadInt32(&rcv.calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
	deadline := time.Now().Add(time.Second)
	for {
		_, total, _ := m.Deliveries(ctx, ep.ID, 10, 0)
		if total == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 recorded attempts, got %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecord_SkipsPausedAndOtherProviders(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()
	ev := sampleEvent()
	other := uuid.New()

	paused, _ := m.Register(ctx, RegisterRequest{URL: "https://a.example.org", Events: []string{"*"}})
	if _, err := m.SetStatus(ctx, paused.ID, StatusPaused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_, _ = m.Register(ctx, RegisterRequest{URL: "https://b.example.org", Events: []string{"*"}, ProviderID: &other})
	_, _ = m.Register(ctx, RegisterRequest{URL: "https://c.example.org", Events: []string{scheduling.EventCancelled}})
	_, _ = m.Register(ctx, RegisterRequest{URL: "https://d.example.org", Events: []string{"*"}, ProviderID: &ev.ProviderID})

	if err := m.Record(ctx, ev); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := len(m.queue); got != 1 {
		t.Fatalf("expected 1 queued delivery, got %d", got)
	}
	j := <-m.queue
	if j.endpoint.URL != "https://d.example.org" {
		t.Errorf("unexpected endpoint %s", j.endpoint.URL)
	}
}

func TestRecord_QueueFull(t *testing.T) {
	m := NewManager(NewMemoryStore())
	m.queue = make(chan job, 1)
	ctx := context.Background()
	_, _ = m.Register(ctx, RegisterRequest{URL: "https://a.example.org", Events: []string{"*"}})

	if err := m.Record(ctx, sampleEvent()); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := m.Record(ctx, sampleEvent()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestTestAndRetry(t *testing.T) {
	_, srv := newReceiver(t, 1)
	m := NewManager(NewMemoryStore())
	ctx := context.Background()
	ep, _ := m.Register(ctx, RegisterRequest{URL: srv.URL, Events: []string{"*"}})

	first, err := m.Test(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if first.Status != DeliveryFailed || first.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected failed first attempt, got %+v", first)
	}

	second, err := m.Retry(ctx, first.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if second.Status != DeliverySucceeded || second.Attempt != 2 || second.EventID != first.EventID {
		t.Errorf("unexpected retry %+v", second)
	}

	if _, err := m.Retry(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDefaultBackoff(t *testing.T) {
	if DefaultBackoff(1) != time.Second || DefaultBackoff(3) != 4*time.Second {
		t.Error("unexpected early backoff")
	}
	if DefaultBackoff(20) != 5*time.Minute || DefaultBackoff(80) != 5*time.Minute {
		t.Error("expected backoff to cap at five minutes")
	}
}

func TestMemoryStore_DeleteCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ep := &Endpoint{ID: uuid.New(), Status: StatusActive}
	_ = s.CreateEndpoint(ctx, ep)
	_ = s.RecordDelivery(ctx, &Delivery{ID: uuid.New(), EndpointID: ep.ID})

	if err := s.DeleteEndpoint(ctx, ep.ID); err != nil {
		t.Fatalf("DeleteEndpoint: %v", err)
	}
	if _, total, _ := s.ListDeliveries(ctx, ep.ID, 10, 0); total != 0 {
		t.Errorf("expected deliveries removed, got %d", total)
	}
	if err := s.DeleteEndpoint(ctx, ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
