// Package outbox publishes events written to the outbox table in the same
// transaction as the agreement change they describe.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultClaimLimit = 50
	maxErrorLength    = 2000
)

// Message is a claimed outbox row.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is the queue side of the outbox.
type Store interface {
	Claim(ctx context.Context, limit int, staleAfter time.Duration) ([]Message, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
}

type PGRepository struct {
	db DB
}

func NewRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

// Claim moves up to limit due messages to processing and returns them.
// Messages stuck in processing for longer than staleAfter are reclaimed, so a
// crashed dispatcher delays delivery instead of losing it.
func (r *PGRepository) Claim(ctx context.Context, limit int, staleAfter time.Duration) ([]Message, error) {
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	staleSeconds := int(staleAfter.Seconds())
	if staleSeconds <= 0 {
		staleSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM outbox
			WHERE (status = 'pending' AND next_attempt_at <= now())
			   OR (status = 'processing' AND processing_started_at < now() - ($2 * interval '1 second'))
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox AS o
		SET status = 'processing',
			processing_started_at = now(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.topic, o.payload::text, o.attempts`, limit, staleSeconds)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan claimed message: %w", err)
		}
		m.Payload = []byte(payload)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'published',
			published_at = now(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark %d published: %w", id, err)
	}
	return nil
}

func (r *PGRepository) MarkFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if len(reason) > maxErrorLength {
		reason = reason[:maxErrorLength]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'pending',
			next_attempt_at = now() + ($2 * interval '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1`, id, seconds, reason)
	if err != nil {
		return fmt.Errorf("outbox: mark %d failed: %w", id, err)
	}
	return nil
}
