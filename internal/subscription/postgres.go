package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `id, url, secret, event_types, enabled, max_attempts, custom_headers`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scan(row pgx.Row) (Subscription, error) {
	var s Subscription
	if err := row.Scan(&s.ID, &s.URL, &s.Secret, &s.EventTypes, &s.Enabled, &s.MaxAttempts, &s.CustomHeaders); err != nil {
		return Subscription{}, err
	}
	return s, nil
}

func (s *PostgresStore) ListForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`
		FROM eventhook.subscriptions
		WHERE enabled AND ($1 = ANY(event_types) OR '*' = ANY(event_types))
		ORDER BY id`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", eventType, err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", eventType, err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Subscription, error) {
	sub, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM eventhook.subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

// Upsert writes sub, used to seed subscriptions from a file at startup.
func (s *PostgresStore) Upsert(ctx context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	headers := sub.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eventhook.subscriptions (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url, secret = EXCLUDED.secret, event_types = EXCLUDED.event_types,
			enabled = EXCLUDED.enabled, max_attempts = EXCLUDED.max_attempts,
			custom_headers = EXCLUDED.custom_headers, updated_at = now()`,
		sub.ID, sub.URL, sub.Secret, sub.EventTypes, sub.Enabled, sub.MaxAttempts, headers)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}
