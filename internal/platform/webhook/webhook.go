// Package webhook delivers appointment lifecycle events to registered HTTP
// endpoints. Payloads are signed with HMAC-SHA256 and failed deliveries are
// retried with backoff by a small worker pool.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/domain/scheduling"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySucceeded = "succeeded"
	DeliveryFailed    = "failed"

	// TestEventType is sent by Manager.Test.
	TestEventType = "webhook.test"
)

var (
	ErrNotFound  = errors.New("webhook: not found")
	ErrInvalid   = errors.New("webhook: invalid endpoint")
	ErrQueueFull = errors.New("webhook: delivery queue full")
)

// Endpoint is a registered delivery target. Events holds subscription
// patterns: an exact type, "appointment.*" or "*". A non-nil ProviderID
// restricts delivery to that psychologist's appointments.
type Endpoint struct {
	ID         uuid.UUID  `json:"id"`
	URL        string     `json:"url"`
	Secret     string     `json:"secret,omitempty"`
	Events     []string   `json:"events"`
	ProviderID *uuid.UUID `json:"provider_id,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Delivery records one attempt to POST an event to an endpoint.
type Delivery struct {
	ID           uuid.UUID       `json:"id"`
	EndpointID   uuid.UUID       `json:"endpoint_id"`
	EventID      uuid.UUID       `json:"event_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	Status       string          `json:"status"`
	StatusCode   int             `json:"status_code,omitempty"`
	ResponseBody string          `json:"response_body,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID         uuid.UUID             `json:"id"`
	Type       string                `json:"type"`
	OccurredAt time.Time             `json:"occurred_at"`
	Data       scheduling.AuditEvent `json:"data"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload. The "sha256="
// prefix sent in the header is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalid, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: url scheme must be http or https, got %q", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrInvalid)
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (ep *Endpoint) accepts(ev scheduling.AuditEvent) bool {
	if ep.Status != StatusActive {
		return false
	}
	if ep.ProviderID != nil && *ep.ProviderID != ev.ProviderID {
		return false
	}
	for _, p := range ep.Events {
		if eventMatches(p, ev.Type) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithMaxAttempts bounds delivery attempts per event and endpoint.
func WithMaxAttempts(n int) Option { return func(m *Manager) { m.maxAttempts = n } }

func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

// WithBackoff sets the wait before attempt n+1.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(m *Manager) { m.backoff = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "webhooks").Logger() }
}

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type job struct {
	endpoint *Endpoint
	event    Event
}

// Manager owns endpoint registration and event delivery. It is a
// scheduling.Auditor: Record queues the event for every matching endpoint.
type Manager struct {
	store       Store
	client      *http.Client
	maxAttempts int
	workers     int
	backoff     func(attempt int) time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	queue   chan job
	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// DefaultBackoff doubles from one second and caps at five minutes.
func DefaultBackoff(attempt int) time.Duration {
	const ceiling = 5 * time.Minute
	d := time.Second
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 4,
		workers:     2,
		backoff:     DefaultBackoff,
		logger:      zerolog.Nop(),
		now:         time.Now,
		queue:       make(chan job, 256),
	}
	for _, o := range opts {
		o(m)
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = 1
	}
	if m.workers <= 0 {
		m.workers = 1
	}
	return m
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	URL        string     `json:"url" validate:"required,url"`
	Secret     string     `json:"secret"`
	Events     []string   `json:"events" validate:"required,min=1,dive,required"`
	ProviderID *uuid.UUID `json:"provider_id"`
}

// Register validates and stores a new endpoint. An empty secret is replaced
// with a random one, returned once in the response.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*Endpoint, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	if len(req.Events) == 0 {
		return nil, fmt.Errorf("%w: at least one event pattern is required", ErrInvalid)
	}
	secret := req.Secret
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	now := m.now().UTC()
	ep := &Endpoint{
		ID:         uuid.New(),
		URL:        req.URL,
		Secret:     secret,
		Events:     req.Events,
		ProviderID: req.ProviderID,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// UpdateRequest changes the fields that are set.
type UpdateRequest struct {
	URL    string   `json:"url" validate:"omitempty,url"`
	Events []string `json:"events" validate:"omitempty,dive,required"`
	Status string   `json:"status" validate:"omitempty,oneof=active paused"`
}

func (m *Manager) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*Endpoint, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return nil, err
		}
		ep.URL = req.URL
	}
	if len(req.Events) > 0 {
		ep.Events = req.Events
	}
	switch req.Status {
	case "":
	case StatusActive, StatusPaused:
		ep.Status = req.Status
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, req.Status)
	}
	ep.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) SetStatus(ctx context.Context, id uuid.UUID, status string) (*Endpoint, error) {
	return m.Update(ctx, id, UpdateRequest{Status: status})
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	return m.store.ListEndpoints(ctx, limit, offset)
}

func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.store.DeleteEndpoint(ctx, id)
}

func (m *Manager) Deliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.store.GetEndpoint(ctx, endpointID); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}

// Record queues ev for every active endpoint subscribed to it. It never
// blocks; a full queue drops the event with ErrQueueFull.
func (m *Manager) Record(ctx context.Context, ev scheduling.AuditEvent) error {
	endpoints, err := m.store.ActiveEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}
	out := Event{ID: uuid.New(), Type: ev.Type, OccurredAt: ev.OccurredAt, Data: ev}
	for _, ep := range endpoints {
		if !ep.accepts(ev) {
			continue
		}
		select {
		case m.queue <- job{endpoint: ep, event: out}:
		default:
			m.logger.Warn().Str("endpoint_id", ep.ID.String()).Str("event", ev.Type).Msg("webhook queue full, event dropped")
			err = ErrQueueFull
		}
	}
	return err
}

// Start launches the delivery workers. They exit when ctx is cancelled;
// Wait blocks until they have.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.work(ctx)
	}
	m.logger.Info().Int("workers", m.workers).Msg("webhook delivery started")
}

func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) work(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.queue:
			m.deliverWithRetry(ctx, j.endpoint, j.event)
		}
	}
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode webhook event")
		return
	}
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		d := m.send(ctx, ep, ev.ID, ev.Type, payload, attempt)
		if d.Status == DeliverySucceeded {
			return
		}
		if attempt == m.maxAttempts {
			m.logger.Warn().Str("endpoint_id", ep.ID.String()).Str("event", ev.Type).
				Int("attempts", attempt).Str("error", d.Error).Msg("webhook delivery abandoned")
			return
		}
		t := time.NewTimer(m.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// send makes one signed POST and records the attempt.
func (m *Manager) send(ctx context.Context, ep *Endpoint, eventID uuid.UUID, eventType string, payload []byte, attempt int) *Delivery {
	now := m.now().UTC()
	d := &Delivery{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    payload,
		Attempt:    attempt,
		Status:     DeliveryFailed,
		CreatedAt:  now,
	}
	defer func() {
		if err := m.store.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
			m.logger.Error().Err(err).Str("delivery_id", d.ID.String()).Msg("record webhook delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pats-webhooks/1")
	req.Header.Set("X-PATS-Event", eventType)
	req.Header.Set("X-PATS-Delivery", d.ID.String())
	req.Header.Set("X-PATS-Timestamp", now.Format(time.RFC3339))
	req.Header.Set("X-PATS-Signature", "sha256="+SignPayload(payload, ep.Secret))

	start := time.Now()
	resp, err := m.client.Do(req)
	d.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.StatusCode = resp.StatusCode
	d.ResponseBody = string(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySucceeded
	} else {
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return d
}

// Test sends a synthetic event to the endpoint synchronously, regardless of
// its status and subscriptions.
func (m *Manager) Test(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := Event{ID: uuid.New(), Type: TestEventType, OccurredAt: m.now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, ev.ID, ev.Type, payload, 1), nil
}

// Retry re-sends the stored payload of a delivery as the next attempt.
func (m *Manager) Retry(ctx context.Context, deliveryID uuid.UUID) (*Delivery, error) {
	orig, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, orig.EndpointID)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, orig.EventID, orig.EventType, orig.Payload, orig.Attempt+1), nil
}
