package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps endpoints and deliveries in the webhook_endpoint and
// webhook_delivery tables.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

const endpointCols = `id, url, secret, events, provider_id, status, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var ep Endpoint
	err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Events, &ep.ProviderID, &ep.Status, &ep.CreatedAt, &ep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &ep, err
}

func collectEndpoints(rows pgx.Rows) ([]*Endpoint, error) {
	defer rows.Close()
	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_endpoint (`+endpointCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ep.ID, ep.URL, ep.Secret, ep.Events, ep.ProviderID, ep.Status, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

func (s *PGStore) GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, `SELECT `+endpointCols+` FROM webhook_endpoint WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return ep, err
}

func (s *PGStore) ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_endpoint`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook endpoints: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+endpointCols+` FROM webhook_endpoint
		ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook endpoints: %w", err)
	}
	items, err := collectEndpoints(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook endpoints: %w", err)
	}
	return items, total, nil
}

func (s *PGStore) ActiveEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+endpointCols+` FROM webhook_endpoint
		WHERE status = $1 ORDER BY created_at`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active webhook endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *PGStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoint SET url=$2, events=$3, status=$4, updated_at=$5 WHERE id = $1`,
		ep.ID, ep.URL, ep.Events, ep.Status, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_endpoint WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryCols = `id, endpoint_id, event_id, event_type, payload, attempt, status, status_code,
	response_body, error_message, duration_ms, created_at`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var (
		d                   Delivery
		statusCode          *int
		respBody, errorText *string
	)
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.EventType, &d.Payload, &d.Attempt, &d.Status,
		&statusCode, &respBody, &errorText, &d.DurationMS, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if statusCode != nil {
		d.StatusCode = *statusCode
	}
	if respBody != nil {
		d.ResponseBody = *respBody
	}
	if errorText != nil {
		d.Error = *errorText
	}
	return &d, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	var statusCode *int
	if d.StatusCode != 0 {
		statusCode = &d.StatusCode
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_delivery (`+deliveryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.EndpointID, d.EventID, d.EventType, []byte(d.Payload), d.Attempt, d.Status, statusCode,
		nullable(d.ResponseBody), nullable(d.Error), d.DurationMS, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *PGStore) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryCols+` FROM webhook_delivery WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get webhook delivery: %w", err)
	}
	return d, err
}

func (s *PGStore) ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_delivery WHERE endpoint_id = $1`,
		endpointID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+deliveryCols+` FROM webhook_delivery
		WHERE endpoint_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, endpointID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}
