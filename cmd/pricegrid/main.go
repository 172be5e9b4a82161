package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pricegrid/internal/broadcast"
	"pricegrid/internal/bus"
	"pricegrid/internal/config"
	"pricegrid/internal/engine"
	"pricegrid/internal/ingest"
	csvlogger "pricegrid/internal/logger"
	"pricegrid/internal/metrics"
	"pricegrid/internal/model"
	"pricegrid/internal/scheduler"
	"pricegrid/internal/slogx"
	"pricegrid/internal/state"
	"pricegrid/internal/wager"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pricegrid:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Config + logging
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := slogx.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("starting pricegrid", "source", cfg.Feed.Source, "symbol", cfg.Feed.Symbol,
		"store", cfg.Wallet.Store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	m := metrics.New()

	// 3. Wallet store + stake machine
	store, err := wager.OpenStore(ctx, wager.StoreOptions{
		Kind: cfg.Wallet.Store,
		DSN:  cfg.Wallet.DSN,
		Redis: wager.RedisOptions{
			Addr:     cfg.Wallet.Redis.Addr,
			Password: cfg.Wallet.Redis.Password,
			DB:       cfg.Wallet.Redis.DB,
			Prefix:   cfg.Wallet.Redis.Prefix,
		},
		Fallback: *cfg.Wallet.Fallback,
	}, cfg.Wallet.InitialBalance, logger)
	if err != nil {
		return fmt.Errorf("open wallet store: %w", err)
	}
	wallet := wager.NewMachine(store, cfg.Wallet.InitialBalance,
		wager.WithMetrics(m), wager.WithLogger(logger))
	defer wallet.Close()

	// 4. Tick bus
	eventBus := bus.NewBus()

	g, gctx := errgroup.WithContext(ctx)

	// 5. Price tape (async, off the frame path) + restart preload
	var preload func(string) []model.PricePoint
	var tape *csvlogger.Tape
	if *cfg.Tape.Enabled {
		tape = csvlogger.NewTape(cfg.Tape.Dir, logger)
		ticks := eventBus.Subscribe(1024)
		g.Go(func() error {
			tape.Consume(ticks)
			return nil
		})
		preload = func(symbol string) []model.PricePoint {
			points, err := state.LoadFromCSV(cfg.Tape.Dir, symbol, cfg.Chart.MaxPoints, logger)
			if err != nil {
				logger.Warn("tape preload failed", "symbol", symbol, "error", err)
				return nil
			}
			logger.Info("buffer preloaded from tape", "symbol", symbol, "points", len(points))
			return points
		}
	}

	// 6. Feed factory
	newAdapter := func(symbol string) (ingest.Adapter, error) {
		return ingest.New(ingest.Options{
			Source:         cfg.Feed.Source,
			Symbol:         symbol,
			URL:            cfg.Feed.URL,
			Throttle:       cfg.Feed.Throttle,
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			RetryDelay:     cfg.Feed.RetryDelay,
			MaxRetries:     cfg.Feed.MaxRetries,
			Logger:         logger,
			Metrics:        m,
		})
	}

	// 7. Session: single owner of buffer, smoother, grid and lifecycle
	session, err := engine.NewSession(engine.Options{
		Symbol:        cfg.Feed.Symbol,
		NewAdapter:    newAdapter,
		Grid:          cfg.GridParams(),
		MaxPoints:     cfg.Chart.MaxPoints,
		SmoothingMs:   cfg.Chart.SmoothingMs,
		FrameInterval: cfg.Chart.FrameInterval,
		Wallet:        wallet,
		Bus:           eventBus,
		Preload:       preload,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// 8. Scheduled wallet reset
	sched := scheduler.NewScheduler(session, logger)
	if err := sched.RegisterReset(cfg.Wallet.ResetCron); err != nil {
		return err
	}

	g.Go(func() error { return session.Run(gctx) })

	// 9. Broadcaster
	broadcaster := broadcast.NewBroadcaster(session, session.Frames(), broadcast.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      m,
		Logger:       logger,
	})
	g.Go(func() error { return broadcaster.Start(gctx) })

	sched.Start()

	// 10. Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		broadcaster.Shutdown(shutdownCtx)
		// Publish after Close is a no-op; closing ends the tape consumer.
		eventBus.Close()
		return nil
	})

	err = g.Wait()
	if tape != nil {
		tape.Close()
	}
	if err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
