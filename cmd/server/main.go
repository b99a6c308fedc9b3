package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledger-backend/internal/api"
	"ledger-backend/internal/cache/redis"
	"ledger-backend/internal/config"
	"ledger-backend/internal/logging"
	"ledger-backend/internal/market"
	"ledger-backend/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ledger backend", zap.String("factory", cfg.Factory().Hex()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []market.Option{market.WithHistorySize(cfg.Ledger.HistorySize)}

	// Durable journal (optional - only if a DSN is set)
	var journal *postgres.Journal
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.RunMigrations(ctx); err != nil {
			return err
		}
		journal = postgres.NewJournal(pg.Pool())
		opts = append(opts, market.WithJournal(journal))
	} else {
		logger.Info("postgres disabled, ledger state is in memory only")
	}

	ledger := market.NewLedger(cfg.Factory(), opts...)

	if journal != nil {
		snap, err := journal.Load(ctx)
		if err != nil {
			return err
		}
		if err := ledger.Restore(snap); err != nil {
			return err
		}
		logger.Info("ledger restored",
			zap.Int("markets", len(snap.Markets)),
			zap.Int("positions", len(snap.Positions)))
	}

	g, ctx := errgroup.WithContext(ctx)

	// Event fan-out (optional - only if a Redis address is set)
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rc.Close()

		bus := redis.NewEventBus(rc, cfg.Redis.ChannelPrefix, logger)
		ledger.Subscribe(func(ev market.Event) { bus.Enqueue(ev) })
		g.Go(func() error { return bus.Run(ctx) })
	} else {
		logger.Info("redis disabled, events are only pushed over websocket")
	}

	sweeper := market.NewSweeper(ledger, cfg.Ledger.SweepInterval.Duration, cfg.Ledger.CancelGrace.Duration, logger)
	g.Go(func() error { return sweeper.Run(ctx) })

	server := api.NewServer(cfg, ledger, logger)
	if journal != nil {
		server.SetEventSource(journal)
	}
	g.Go(func() error { return server.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("shutting down", zap.Error(err))
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}
