package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the notification log in the notification_log table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

const notificationCols = `id, channel, recipient, subject, body, template_id, status,
	error_message, attempts, created_at, sent_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n                              Notification
		subject, templateID, errorText *string
	)
	err := row.Scan(&n.ID, &n.Channel, &n.Recipient, &subject, &n.Body, &templateID, &n.Status,
		&errorText, &n.Attempts, &n.CreatedAt, &n.SentAt)
	if err != nil {
		return nil, err
	}
	if subject != nil {
		n.Subject = *subject
	}
	if templateID != nil {
		n.TemplateID = *templateID
	}
	if errorText != nil {
		n.Error = *errorText
	}
	return &n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGStore) Save(ctx context.Context, n *Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_log (`+notificationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.Channel, n.Recipient, nullable(n.Subject), n.Body, nullable(n.TemplateID), n.Status,
		nullable(n.Error), n.Attempts, n.CreatedAt, n.SentAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, n *Notification) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_log SET status=$2, error_message=$3, attempts=$4, sent_at=$5
		WHERE id = $1`,
		n.ID, n.Status, nullable(n.Error), n.Attempts, n.SentAt)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification_log WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationCols+` FROM notification_log
		WHERE recipient = $1 ORDER BY created_at DESC LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PGStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM notification_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("notification stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
