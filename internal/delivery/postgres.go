package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/eventhook/internal/event"
)

const deliveryColumns = `id, subscription_id, event_type, entity_id, payload, occurred_at,
	idempotency_key, attempts, status, last_response_status, last_error, created_at,
	delivered_at, next_attempt_at, claimed_at, first_failed_at, replay_of`

const deadLetterColumns = `id, source_delivery_id, subscription_id, event_type, entity_id, job_type,
	payload, occurred_at, idempotency_key, failure_reason, last_response_status, retry_count,
	first_failed_at, last_failed_at, replayed_at, replay_delivery_id`

// PostgresStore implements Store on the eventhook schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var (
		d        Delivery
		payload  []byte
		status   string
		replayOf *string
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.EntityID, &payload, &d.OccurredAt,
		&d.IdempotencyKey, &d.Attempts, &status, &d.LastResponseStatus, &d.LastError, &d.CreatedAt,
		&d.DeliveredAt, &d.NextAttemptAt, &d.ClaimedAt, &d.FirstFailedAt, &replayOf,
	); err != nil {
		return Delivery{}, err
	}
	if err := d.Payload.UnmarshalJSON(payload); err != nil {
		return Delivery{}, fmt.Errorf("decode payload of delivery %s: %w", d.ID, err)
	}
	d.Status = Status(status)
	if replayOf != nil {
		d.ReplayOf = *replayOf
	}
	return d, nil
}

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var (
		e        DeadLetter
		payload  []byte
		replayID *string
	)
	if err := row.Scan(&e.ID, &e.SourceDeliveryID, &e.SubscriptionID, &e.EventType, &e.EntityID, &e.JobType,
		&payload, &e.OccurredAt, &e.IdempotencyKey, &e.FailureReason, &e.LastResponseStatus, &e.RetryCount,
		&e.FirstFailedAt, &e.LastFailedAt, &e.ReplayedAt, &replayID,
	); err != nil {
		return DeadLetter{}, err
	}
	if err := e.Payload.UnmarshalJSON(payload); err != nil {
		return DeadLetter{}, fmt.Errorf("decode payload of dead letter %s: %w", e.ID, err)
	}
	if replayID != nil {
		e.ReplayDeliveryID = *replayID
	}
	return e, nil
}

func encodePayload(v event.Value) (string, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func nullableUUID(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const insertDelivery = `
	INSERT INTO eventhook.deliveries (` + deliveryColumns + `)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func insertArgs(d Delivery) ([]any, error) {
	payload, err := encodePayload(d.Payload)
	if err != nil {
		return nil, err
	}
	return []any{d.ID, d.SubscriptionID, d.EventType, d.EntityID, payload, d.OccurredAt,
		d.IdempotencyKey, d.Attempts, string(d.Status), d.LastResponseStatus, d.LastError, d.CreatedAt,
		d.DeliveredAt, d.NextAttemptAt, d.ClaimedAt, d.FirstFailedAt, nullableUUID(d.ReplayOf)}, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, d Delivery, window time.Duration) (Delivery, bool, error) {
	args, err := insertArgs(d)
	if err != nil {
		return Delivery{}, false, err
	}

	var (
		stored  = d
		created bool
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes concurrent dispatches of the same key until commit.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, d.IdempotencyKey); err != nil {
			return fmt.Errorf("lock idempotency key: %w", err)
		}

		existing, err := scanDelivery(tx.QueryRow(ctx, `
			SELECT `+deliveryColumns+`
			FROM eventhook.deliveries
			WHERE idempotency_key = $1 AND created_at > $2
			ORDER BY created_at DESC
			LIMIT 1`,
			d.IdempotencyKey, d.CreatedAt.Add(-window)))
		switch {
		case err == nil:
			stored = existing
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("dedup lookup: %w", err)
		}

		if _, err := tx.Exec(ctx, insertDelivery, args...); err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return Delivery{}, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) Create(ctx context.Context, d Delivery) error {
	args, err := insertArgs(d)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertDelivery, args...); err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Delivery, error) {
	if !validID(id) {
		return Delivery{}, ErrNotFound
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM eventhook.deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (Delivery, bool, error) {
	if !validID(id) {
		return Delivery{}, false, nil
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE eventhook.deliveries
		SET status = 'attempting', claimed_at = $2, updated_at = now()
		WHERE id = $1 AND (
			(status IN ('pending', 'retrying') AND (next_attempt_at IS NULL OR next_attempt_at <= $3))
			OR (status = 'attempting' AND claimed_at < $4))
		RETURNING `+deliveryColumns,
		id, now, now.Add(ClaimSkew), now.Add(-lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("claim delivery: %w", err)
	}
	return d, true, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// guarded runs an update that must touch exactly the claimed row.
func guarded(ctx context.Context, q execer, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, id string, claimed int, retryAt time.Time) error {
	err := guarded(ctx, s.pool, `
		UPDATE eventhook.deliveries
		SET status = 'pending', claimed_at = NULL, next_attempt_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'attempting' AND attempts = $2`,
		id, claimed, retryAt)
	if err != nil && !errors.Is(err, ErrClaimLost) {
		return fmt.Errorf("release delivery: %w", err)
	}
	return err
}

func (s *PostgresStore) Abandon(ctx context.Context, id string, claimed int, reason string) error {
	err := guarded(ctx, s.pool, `
		UPDATE eventhook.deliveries
		SET status = 'abandoned', last_error = $3, claimed_at = NULL, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'attempting' AND attempts = $2`,
		id, claimed, reason)
	if err != nil && !errors.Is(err, ErrClaimLost) {
		return fmt.Errorf("abandon delivery: %w", err)
	}
	return err
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, claimed int, responseStatus int, at time.Time) error {
	err := guarded(ctx, s.pool, `
		UPDATE eventhook.deliveries
		SET status = 'delivered', attempts = $2 + 1, last_response_status = $3, last_error = '',
			delivered_at = $4, claimed_at = NULL, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'attempting' AND attempts = $2`,
		id, claimed, responseStatus, at)
	if err != nil && !errors.Is(err, ErrClaimLost) {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return err
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, id string, claimed int, f Failure, nextAttemptAt time.Time) error {
	err := guarded(ctx, s.pool, `
		UPDATE eventhook.deliveries
		SET status = 'retrying', attempts = $2 + 1, last_response_status = $3, last_error = $4,
			first_failed_at = COALESCE(first_failed_at, $5), next_attempt_at = $6,
			claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'attempting' AND attempts = $2`,
		id, claimed, f.ResponseStatus, f.Summary(), f.At, nextAttemptAt)
	if err != nil && !errors.Is(err, ErrClaimLost) {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return err
}

func (s *PostgresStore) DeadLetter(ctx context.Context, id string, claimed int, f Failure, entry DeadLetter) error {
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := guarded(ctx, tx, `
			UPDATE eventhook.deliveries
			SET status = 'dead_lettered', attempts = $2 + 1, last_response_status = $3, last_error = $4,
				first_failed_at = COALESCE(first_failed_at, $5), claimed_at = NULL,
				next_attempt_at = NULL, updated_at = now()
			WHERE id = $1 AND status = 'attempting' AND attempts = $2`,
			id, claimed, f.ResponseStatus, f.Summary(), f.At)
		if err != nil {
			if errors.Is(err, ErrClaimLost) {
				return err
			}
			return fmt.Errorf("mark dead lettered: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO eventhook.dead_letters (`+deadLetterColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (source_delivery_id) DO NOTHING`,
			entry.ID, id, entry.SubscriptionID, entry.EventType, entry.EntityID, entry.JobType,
			payload, entry.OccurredAt, entry.IdempotencyKey, entry.FailureReason, entry.LastResponseStatus,
			entry.RetryCount, entry.FirstFailedAt, entry.LastFailedAt, entry.ReplayedAt,
			nullableUUID(entry.ReplayDeliveryID),
		); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) SweepStale(ctx context.Context, now, dueBefore, leaseExpiredBefore time.Time, limit int) ([]string, error) {
	var ids []string
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM eventhook.deliveries
			WHERE status IN ('pending', 'retrying') AND COALESCE(next_attempt_at, created_at) < $2
			ORDER BY COALESCE(next_attempt_at, created_at)
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE eventhook.deliveries d
		SET next_attempt_at = $1, updated_at = now()
		FROM due
		WHERE d.id = due.id
		RETURNING d.id`,
		now, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("sweep due deliveries: %w", err)
	}
	due, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("sweep due deliveries: %w", err)
	}
	ids = append(ids, due...)

	if remaining := limit - len(ids); remaining > 0 {
		rows, err := s.pool.Query(ctx, `
			SELECT id FROM eventhook.deliveries
			WHERE status = 'attempting' AND claimed_at < $1
			ORDER BY claimed_at
			LIMIT $2`,
			leaseExpiredBefore, remaining)
		if err != nil {
			return nil, fmt.Errorf("sweep expired leases: %w", err)
		}
		expired, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("sweep expired leases: %w", err)
		}
		ids = append(ids, expired...)
	}
	return ids, nil
}

func deadLetterWhere(f DeadLetterFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.EventType != "" {
		args = append(args, f.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.SubscriptionID != "" {
		args = append(args, f.SubscriptionID)
		conds = append(conds, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if f.MinRetryCount > 0 {
		args = append(args, f.MinRetryCount)
		conds = append(conds, fmt.Sprintf("retry_count >= $%d", len(args)))
	}
	if len(conds) == 0 {
		return "TRUE", args
	}
	return strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter, limit, offset int) ([]DeadLetter, int, error) {
	where, args := deadLetterWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM eventhook.dead_letters WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+deadLetterColumns+`
		FROM eventhook.dead_letters
		WHERE %s
		ORDER BY last_failed_at DESC, id
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (DeadLetter, error) {
	if !validID(id) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	e, err := scanDeadLetter(s.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+` FROM eventhook.dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("get dead letter: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) MarkReplayed(ctx context.Context, entryID, deliveryID string, at time.Time) error {
	if !validID(entryID) {
		return ErrDeadLetterNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE eventhook.dead_letters SET replayed_at = $2, replay_delivery_id = $3 WHERE id = $1`,
		entryID, at, deliveryID)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrDeadLetterNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM eventhook.dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
