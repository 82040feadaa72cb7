package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultLockTTL bounds how long a crashed executor can block an agreement.
const DefaultLockTTL = 2 * time.Minute

// PGLocker keeps execution locks in the execution_locks table. A lock whose
// expiry has passed is taken over by the next caller.
type PGLocker struct {
	q   Querier
	ttl time.Duration
}

func NewPGLocker(q Querier, ttl time.Duration) *PGLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &PGLocker{q: q, ttl: ttl}
}

func (l *PGLocker) Lock(ctx context.Context, agreementID string) (func(context.Context) error, error) {
	token := uuid.NewString()

	const lockSQL = `
INSERT INTO execution_locks (agreement_id, token, expires_at)
VALUES ($1::uuid, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (agreement_id) DO UPDATE
SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
WHERE execution_locks.expires_at < now()
RETURNING token`

	var got string
	if err := l.q.QueryRow(ctx, lockSQL, agreementID, token, l.ttl.Milliseconds()).Scan(&got); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("agreement: acquire execution lock: %w", err)
	}

	unlock := func(ctx context.Context) error {
		if _, err := l.q.Exec(ctx, `DELETE FROM execution_locks WHERE agreement_id = $1::uuid AND token = $2`, agreementID, token); err != nil {
			return fmt.Errorf("agreement: release execution lock: %w", err)
		}
		return nil
	}
	return unlock, nil
}
