package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recurpay/agreement"
	"recurpay/auth"
	"recurpay/config"
	"recurpay/db"
	"recurpay/ledger"
	"recurpay/logging"
	"recurpay/metrics"
	"recurpay/migrations"
	"recurpay/outbox"
	"recurpay/reconcile"
	"recurpay/redislock"
	"recurpay/scheduler"
	"recurpay/signer"
	"recurpay/wallet"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := logging.Setup("recurpay-api", cfg.LogEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolSize{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}
	logger.Info("database ready")

	network, err := cfg.Network()
	if err != nil {
		return err
	}
	ledgerClient := ledger.NewClient(network, ledger.WithRateLimit(cfg.HorizonRPS, int(cfg.HorizonRPS)+1))

	var paymentSigner agreement.Signer
	switch cfg.SignerMode {
	case config.SignerModeKeypair:
		kp, err := signer.NewKeypair(cfg.SignerSecret)
		if err != nil {
			return err
		}
		logger.Info("signing with local keypair", "address", kp.Address())
		paymentSigner = kp
	default:
		paymentSigner = signer.NewRemote(cfg.SignerURL, cfg.SignerAPIKey, cfg.SignerTimeout)
	}

	m := metrics.New("recurpay")
	reconciler := reconcile.NewService(reconcile.NewRepository(pool), logger)

	svc := agreement.NewService(pool, agreement.NewRepository()).
		WithLedger(ledgerClient, paymentSigner).
		WithLocker(agreement.NewPGLocker(pool, cfg.LockTTL)).
		WithReconciler(reconciler).
		WithMetrics(m).
		WithLogger(logger)

	if cfg.RedisURL != "" {
		rdb, err := redislock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, keeping postgres execution locks", "error", err)
		} else {
			defer rdb.Close()
			svc.WithLocker(redislock.New(rdb, "", cfg.LockTTL))
			logger.Info("using redis execution locks")
		}
	}

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, cfg.JWTSecret, cfg.ChallengeTTL)
	operator, err := auth.NewOperatorGuard(cfg.OperatorKeyHash)
	if err != nil {
		return err
	}

	jobs := scheduler.NewJobs(svc, cfg.SchedulerWorkers, m, logger)
	if cfg.SchedulerEnabled {
		sched := scheduler.New(jobs, scheduler.Schedules{
			Execute:  cfg.ExecuteJobSchedule,
			Reminder: cfg.ReminderJobSchedule,
		}, logger)
		if err := sched.Start(); err != nil {
			return err
		}
		defer func() { <-sched.Stop().Done() }()
	}

	dial := func() (outbox.Publisher, error) {
		return outbox.LogPublisher{Logger: logger}, nil
	}
	if cfg.RabbitMQURL != "" {
		dial = func() (outbox.Publisher, error) {
			return outbox.DialAMQP(cfg.RabbitMQURL, cfg.EventsExchange)
		}
	}
	go outbox.NewDispatcher(outbox.NewRepository(pool), dial, m, logger).Run(ctx)
	go purgeChallenges(ctx, authRepo, logger)

	server := &Server{
		agreementService:      svc,
		authService:           authService,
		walletService:         wallet.NewService(ledgerClient),
		reconciliationService: reconciler,
		jobs:                  jobs,
		operator:              operator,
		executeLimiter:        newAddressLimiter(cfg.ExecuteRatePerMinute, 3),
		metrics:               m,
		logger:                logger,
		corsOrigins:           cfg.CORSAllowedOrigins,
		ready:                 pool.Ping,
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr, "network", network.Name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// purgeChallenges deletes expired login challenges every hour.
func purgeChallenges(ctx context.Context, repo *auth.PGRepository, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx, time.Now())
			if err != nil {
				logger.Warn("purge expired challenges", "error", err)
				continue
			}
			logger.Debug("purged expired challenges", "count", n)
		}
	}
}
