// Package main runs the ledger demo: transfers against PostgreSQL with Redis
// notifications, an outbox relay, and an HTTP API for health, balances and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"localtx/internal/config"
	"localtx/internal/core/tx"
	"localtx/internal/core/types"
	"localtx/internal/domain/ledger"
	v1 "localtx/internal/infrastructure/http/v1"
	"localtx/internal/infrastructure/http/v1/handlers"
	"localtx/internal/infrastructure/messaging/redis"
	"localtx/internal/infrastructure/metrics"
	"localtx/internal/infrastructure/storage/postgres"
	"localtx/internal/infrastructure/storage/postgres/ledger_repo"
	"localtx/internal/infrastructure/storage/sqlstore"
	"localtx/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	seed := flag.Bool("seed", false, "create demo accounts and run sample transfers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting localtx demo")

	// --- Metrics ---
	metricsService, err := metrics.New(cfg.Metrics.Enabled)
	if err != nil {
		log.Fatalw("failed to initialize metrics", "error", err)
	}
	defer func() { _ = metricsService.Shutdown(context.Background()) }()

	// --- Transaction managers ---
	managerOpts, err := cfg.Transaction.ManagerOptions()
	if err != nil {
		log.Fatalw("invalid transaction config", "error", err)
	}
	managerOpts = append(managerOpts, tx.WithObserver(metricsService), tx.WithLogger(log))

	// --- PostgreSQL ---
	poolCfg := postgres.DefaultPoolConfig(cfg.Postgres.DSN)
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to postgres", "error", err)
	}
	defer pool.Close()
	log.Info("postgres connection established")

	if err := migratePostgres(ctx, pool); err != nil {
		log.Fatalw("failed to migrate postgres", "error", err)
	}

	pgFactory := postgres.NewFactory(pool)
	pgManager := pgFactory.NewManager(managerOpts...)

	// --- Redis (optional) ---
	checks := map[string]handlers.Check{"postgres": pool.Ping}

	var publisher *redis.Publisher
	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer func() { _ = client.Close() }()
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

		redisFactory, err := redis.NewFactory(client)
		if err != nil {
			log.Fatalw("failed to create redis factory", "error", err)
		}
		if publisher, err = redis.NewPublisher(redisFactory, nil); err != nil {
			log.Fatalw("failed to create redis publisher", "error", err)
		}
		log.Infow("redis notifications enabled", "addr", cfg.Redis.Addr)
	}

	// --- Delivery log (optional) ---
	var deliveryLog *sqlstore.Factory
	if cfg.SQL.Driver != "" {
		db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: cfg.SQL.Driver, DSN: cfg.SQL.DSN})
		if err != nil {
			log.Fatalw("failed to open delivery log", "driver", cfg.SQL.Driver, "error", err)
		}
		defer func() { _ = db.Close() }()
		if err := migrateDeliveryLog(ctx, db); err != nil {
			log.Fatalw("failed to migrate delivery log", "error", err)
		}
		deliveryLog = sqlstore.NewFactory(db)
		log.Infow("delivery log enabled", "driver", cfg.SQL.Driver)
	}

	// --- Ledger ---
	outbox, err := postgres.NewOutboxPublisher(pgFactory)
	if err != nil {
		log.Fatalw("failed to create outbox publisher", "error", err)
	}
	serviceCfg := ledger.ServiceConfig{
		Manager: pgManager,
		Repo:    ledger_repo.NewRepository(pgFactory),
		Events:  ledger_repo.NewEventStore(outbox),
		Timeout: cfg.Transaction.DefaultTimeout,
	}
	if publisher != nil {
		serviceCfg.Notifier = publisher
	}
	ledgerService := ledger.NewService(serviceCfg)

	pool.LogStats(ctx)

	if *seed {
		if err := seedAccounts(ctx, tx.NewTemplate(pgManager, tx.WithName("seed")), pgFactory); err != nil {
			log.Fatalw("failed to seed accounts", "error", err)
		}
		runSampleTransfers(ctx, ledgerService, log)
	}

	// --- Outbox relay ---
	relay, err := postgres.NewOutboxRelay(pgFactory, pgManager,
		&deliverer{publisher: publisher, log: deliveryLog},
		cfg.Outbox.BatchSize, cfg.Outbox.MaxRetries)
	if err != nil {
		log.Fatalw("failed to create outbox relay", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runRelay(ctx, relay, cfg.Outbox.PollInterval, log.WithComponent("outbox"))
	}()

	// --- HTTP Server ---
	routerCfg := v1.RouterConfig{
		Logger: log.WithComponent("http"),
		Checks: checks,
		Ledger: ledgerService,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = metricsService.Handler()
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           v1.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		log.Infow("http server starting", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")
	cancel()
	wg.Wait()
	pool.LogStats(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server forced to shutdown", "error", err)
	}

	log.Info("demo stopped")
}

// runSampleTransfers shows a single transfer, a batch with one failing item and
// a balance read.
func runSampleTransfers(ctx context.Context, svc *ledger.Service, log *logger.Logger) {
	transfer, err := svc.Transfer(ctx, ledger.TransferCommand{
		From: "acc-alice", To: "acc-bob", Amount: types.MustMoney("25.00"),
		Currency: "EUR", Reference: "demo-single",
	})
	if err != nil {
		log.Errorw("sample transfer failed", "error", err)
	} else {
		log.Infow("sample transfer committed", "transfer_id", transfer.ID.String())
	}

	results, err := svc.TransferBatch(ctx, []ledger.TransferCommand{
		{From: "acc-bob", To: "acc-carol", Amount: types.MustMoney("10.00"), Currency: "EUR", Reference: "demo-batch-1"},
		{From: "acc-carol", To: "acc-alice", Amount: types.MustMoney("500.00"), Currency: "EUR", Reference: "demo-batch-2"},
		{From: "acc-alice", To: "acc-carol", Amount: types.MustMoney("5.00"), Currency: "EUR", Reference: "demo-batch-3"},
	})
	if err != nil {
		log.Errorw("sample batch failed", "error", err)
	}
	for i, r := range results {
		if r.Err != nil {
			log.Warnw("batch item rolled back", "index", i, "error", r.Err)
			continue
		}
		log.Infow("batch item committed", "index", i, "transfer_id", r.Transfer.ID.String())
	}

	for _, acc := range demoAccounts {
		balance, err := svc.Balance(ctx, acc.ID)
		if err != nil {
			log.Errorw("balance read failed", "account", acc.ID, "error", err)
			continue
		}
		log.Infow("balance", "account", acc.ID, "amount", balance.StringFixed(2))
	}
}
