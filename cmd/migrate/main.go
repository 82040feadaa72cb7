package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"recurpay/db"
	"recurpay/logging"
	"recurpay/migrations"
)

func main() {
	list := flag.Bool("list", false, "print the embedded migrations and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load .env: %v", err)
	}
	logger := logging.Setup("recurpay-migrate", os.Getenv("LOG_ENV"))

	all, err := migrations.All()
	if err != nil {
		log.Fatalf("read migrations: %v", err)
	}
	if *list {
		for _, m := range all {
			logger.Info("migration", "name", m.Name)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"), db.PoolSize{MaxConns: 1})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatalf("apply: %v", err)
	}
	logger.Info("migrations applied", "count", len(all))
}
