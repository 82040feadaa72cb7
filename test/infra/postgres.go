package infra

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"recurpay/migrations"
)

// AppName is the application_name of every connection a stress run opens.
// Chaos only terminates backends carrying it.
const AppName = "recurpay-stress"

// Database is a migrated schema reserved for one stress run.
type Database struct {
	Pool   *pgxpool.Pool
	DSN    string
	Schema string
}

// Provision returns a migrated database whose teardown is registered on t.
// With a dsn (or RECURPAY_STRESS_DSN) the run gets a private schema on that
// server. Otherwise a throwaway postgres:16-alpine container is started, and
// t is skipped when no container runtime is reachable.
func Provision(ctx context.Context, t *testing.T, dsn string) *Database {
	t.Helper()
	if dsn == "" {
		dsn = os.Getenv("RECURPAY_STRESS_DSN")
	}

	schema := "public"
	if dsn == "" {
		dsn = startContainer(ctx, t)
	} else {
		schema = fmt.Sprintf("stress_%d", time.Now().UnixNano())
		createSchema(ctx, t, dsn, schema)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.MaxConns = 32
	cfg.ConnConfig.RuntimeParams["application_name"] = AppName
	if schema != "public" {
		// public stays on the path for extensions installed there.
		cfg.ConnConfig.RuntimeParams["search_path"] = schema + ",public"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return &Database{Pool: pool, DSN: dsn, Schema: schema}
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("recurpay"),
		postgres.WithUsername("recurpay"),
		postgres.WithPassword("recurpay"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("container dsn: %v", err)
	}
	return dsn
}

func createSchema(ctx context.Context, t *testing.T, dsn, schema string) {
	t.Helper()
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect %s: %v", dsn, err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
		t.Fatalf("create schema %s: %v", schema, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			t.Logf("drop schema %s: %v", schema, err)
			return
		}
		defer conn.Close(ctx)
		if _, err := conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})
}
