package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrChallengeNotFound signals the nonce is unknown, expired, already
	// used or was issued for another address.
	ErrChallengeNotFound = errors.New("auth: challenge not found")
	// ErrDuplicateNonce signals a nonce collision on insert.
	ErrDuplicateNonce = errors.New("auth: duplicate nonce")
)

// Repository handles challenge storage.
type Repository interface {
	CreateChallenge(ctx context.Context, c Challenge) error
	ConsumeChallenge(ctx context.Context, nonce, address string, now time.Time) (Challenge, error)
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	db DB
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

// CreateChallenge stores a fresh challenge.
func (r *PGRepository) CreateChallenge(ctx context.Context, c Challenge) error {
	const insertSQL = `
		INSERT INTO auth_challenges (nonce, address, expires_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.Exec(ctx, insertSQL, c.Nonce, c.Address, c.ExpiresAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNonce
		}
		return fmt.Errorf("auth: create challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge marks an unexpired challenge as used and returns it. A
// challenge can be consumed once.
func (r *PGRepository) ConsumeChallenge(ctx context.Context, nonce, address string, now time.Time) (Challenge, error) {
	const updateSQL = `
		UPDATE auth_challenges
		SET used_at = $3
		WHERE nonce = $1 AND address = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING nonce, address, expires_at
	`
	var c Challenge
	if err := r.db.QueryRow(ctx, updateSQL, nonce, address, now).Scan(&c.Nonce, &c.Address, &c.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Challenge{}, ErrChallengeNotFound
		}
		return Challenge{}, fmt.Errorf("auth: consume challenge: %w", err)
	}
	return c, nil
}

// PurgeExpired deletes challenges that expired before cutoff.
func (r *PGRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM auth_challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("auth: purge challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}
