package main

import (
	"HedgeLedger/internal/chain"
	"HedgeLedger/internal/config"
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/orchestrator"
	"HedgeLedger/internal/persistence"
	"HedgeLedger/internal/pipeline"
	"HedgeLedger/internal/pricefeed"
	"HedgeLedger/internal/publish"
	"HedgeLedger/internal/scheduler"
	"HedgeLedger/internal/server"
	"HedgeLedger/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := observability.NewLogger("hedgeledger")
		boot.Fatal().Err(err).Msg("load configuration")
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}
	logger := component("hedgeledger")
	logger.Info().Str("mode", string(cfg.Mode)).Msg("HedgeLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker(string(cfg.Mode))

	// --- Remote ledger ---
	chainClient, err := chain.Dial(ctx, cfg.Chain, metrics, component("chain"))
	if err != nil {
		logger.Fatal().Err(err).Msg("connect remote ledger")
	}
	logger.Info().Str("signer", chainClient.Signer().Hex()).Str("contract", cfg.Chain.Contract.Hex()).Msg("remote ledger connected")
	healthChecker.AddCheck("chain", chainClient.Ping)

	// --- Settlement log ---
	store, closeStore, err := openStore(ctx, cfg.PostgresDSN, healthChecker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open settlement store")
	}
	defer closeStore()
	settlementLog := settlement.NewLog(store, chainClient, metrics, component("settlement"))

	// --- Settlement path ---
	collateral := ledger.New(chainClient, metrics, component("ledger"))
	var settler orchestrator.Settler
	switch cfg.Mode {
	case orchestrator.ModeCollateral:
		settler = orchestrator.NewCollateralSettler(collateral, chainClient, cfg.SettlementTimeout,
			component("settler"))
	case orchestrator.ModeDirect:
		settler = orchestrator.NewDirectSettler(chainClient, chainClient.Signer(), cfg.SettlementTimeout)
	}

	errChan := make(chan error, 8)

	// --- Publisher ---
	var sink orchestrator.EventSink
	if cfg.NATSURL != "" {
		nc, js, err := publish.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats %s", st)
			}
			return nil
		})
		if err := publish.EnsureStream(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure settlement stream")
		}
		publisher := publish.NewPublisher(js, cfg.PublishQueueSize, metrics, component("publisher"))
		sink = publisher
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("publisher: %w", err)
			}
		}()
		logger.Info().Str("stream", publish.StreamName).Msg("settlement publishing enabled")
	}

	orch := orchestrator.New(settler, settlementLog, sink, metrics, component("orchestrator"))

	// --- Decision pipeline ---
	engine := decision.NewEngine(decision.Config{
		Spender:     cfg.Chain.Contract,
		Sponsorship: decision.Sponsorship{Default: cfg.Paymaster},
	}, metrics)
	feed, err := pricefeed.NewHTTPFeed(cfg.PriceFeed, metrics, component("pricefeed"))
	if err != nil {
		logger.Fatal().Err(err).Msg("price feed")
	}
	pipe := pipeline.New(feed, engine, orch, pipeline.Config{
		Tokens:      cfg.Tokens,
		SlippageBps: cfg.SlippageBps,
	}, metrics, component("pipeline"))

	// --- Scheduler ---
	if cfg.Schedule.Enabled {
		sched, err := scheduler.New(pipe, cfg.Schedule.Input, cfg.Schedule.Interval, cfg.Schedule.Timeout,
			metrics, component("scheduler"))
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler")
		}
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	}

	// --- gRPC + HTTP server ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Pipeline:     pipe,
		Ledger:       collateral,
		Orchestrator: orch,
		Log:          settlementLog,
		Tokens:       cfg.Tokens,
		Health:       healthChecker,
		Metrics:      metrics,
		Logger:       component("api"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	// Mark service as ready after all goroutines started
	srv.SetServing(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("scheduler", cfg.Schedule.Enabled).
		Msg("HedgeLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	srv.SetServing(false)
	cancel()

	// Give the servers time to drain in-flight requests.
	time.Sleep(500 * time.Millisecond)
	logger.Info().Msg("HedgeLedger shutdown complete")
}

// openStore returns the Postgres settlement store when dsn is set, applying
// pending migrations and registering its readiness check, and the in-memory
// store otherwise.
func openStore(ctx context.Context, dsn string, health *observability.HealthChecker, logger zerolog.Logger) (settlement.Store, func(), error) {
	if dsn == "" {
		logger.Warn().Msg("HEDGE_POSTGRES_DSN not set, settlement log is in memory")
		return settlement.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}

	n, err := persistence.NewMigrator(db, persistence.Migrations(), logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", n).Msg("Postgres connected, migrations applied")
	health.AddCheck("store", db.PingContext)
	return persistence.NewSettlementStore(db), func() { db.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
