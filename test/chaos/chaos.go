// Package chaos injects connection failures into a running stress test.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// Killer terminates backends of one application from a connection of its
// own, so the pool under test never kills itself. Only backends that are
// running a statement or sitting inside a transaction are chosen.
type Killer struct {
	conn  *pgx.Conn
	app   string
	kills atomic.Int64
}

// NewKiller connects to dsn as "<app>-chaos" and targets backends whose
// application_name is app.
func NewKiller(ctx context.Context, dsn, app string) (*Killer, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("chaos: parse dsn: %w", err)
	}
	cfg.RuntimeParams["application_name"] = app + "-chaos"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("chaos: connect: %w", err)
	}
	return &Killer{conn: conn, app: app}, nil
}

// Run terminates one backend with probability 1/oneIn every interval until
// ctx is done or stop is closed. It must not run concurrently with itself.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}, interval time.Duration, oneIn int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if oneIn > 1 && rand.Intn(oneIn) != 0 {
				continue
			}
			if _, err := k.KillOne(ctx); err != nil && ctx.Err() == nil {
				return
			}
		}
	}
}

// KillOne terminates a random busy backend of the target application and
// reports whether one was found.
func (k *Killer) KillOne(ctx context.Context) (bool, error) {
	var killed bool
	err := k.conn.QueryRow(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND application_name = $1
		  AND state IN ('active', 'idle in transaction')
		  AND pid <> pg_backend_pid()
		ORDER BY random()
		LIMIT 1`, k.app).Scan(&killed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("chaos: terminate backend: %w", err)
	}
	if killed {
		k.kills.Add(1)
	}
	return killed, nil
}

// Kills is the number of backends terminated so far.
func (k *Killer) Kills() int64 { return k.kills.Load() }

func (k *Killer) Close(ctx context.Context) error {
	return k.conn.Close(ctx)
}
