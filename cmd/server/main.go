package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/orderflow/params"
	"github.com/uhyunpark/orderflow/pkg/api"
	"github.com/uhyunpark/orderflow/pkg/broadcast"
	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/pipeline"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
	"github.com/uhyunpark/orderflow/pkg/venue"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_failed", "dir", cfg.Storage.DataDir, "err", err)
	}
	pebbleStore, err := storage.NewPebbleStore(cfg.Storage.DataDir)
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "dir", cfg.Storage.DataDir, "err", err)
	}
	defer pebbleStore.Close()

	var orders storage.OrderStore = pebbleStore
	if cfg.Storage.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			sugar.Fatalw("postgres_connect_failed", "err", err)
		}
		defer pg.Close()
		orders = pg
		sugar.Infow("order_store", "backend", "postgres")
	} else {
		sugar.Infow("order_store", "backend", "pebble", "dir", cfg.Storage.DataDir)
	}

	// ---- Event channel ----
	var bus events.Bus
	if cfg.P2P.Enabled {
		lb, err := events.NewLibp2pBus(ctx, events.Libp2pConfig{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer lb.Close()
		sugar.Infow("event_bus", "backend", "libp2p", "addrs", lb.Addrs())
		bus = lb
	} else {
		bus = events.NewMemoryBus()
		sugar.Infow("event_bus", "backend", "memory")
	}
	publisher := events.NewPublisher(orders, bus, sugar)

	// ---- Queue & workers ----
	q, err := queue.New(pebbleStore, queue.Options{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.Backoff{Base: cfg.Queue.Backoff, Max: cfg.Queue.MaxBackoff},
		Logger:      sugar,
	})
	if err != nil {
		sugar.Fatalw("queue_init_failed", "err", err)
	}

	var simOpts []venue.Option
	if !cfg.Execution.SimLatency {
		simOpts = append(simOpts, venue.WithoutLatency())
	}
	sources := []venue.Source{venue.NewRaydium(simOpts...), venue.NewMeteora(simOpts...)}

	executor := pipeline.NewExecutor(pipeline.Config{
		SlippageBps:    cfg.Execution.SlippageBps,
		RetrySlippage:  cfg.Execution.RetrySlippage,
		Policy:         pipeline.Policy(cfg.Execution.RoutingPolicy),
		QuoteTimeout:   cfg.Execution.QuoteTimeout,
		ExecuteTimeout: cfg.Execution.ExecuteTimeout,
	}, sources, publisher, orders, sugar)

	// ---- Status streams & API ----
	streams := broadcast.NewManager(broadcast.Options{Logger: sugar})
	apiServer := api.NewServer(api.Config{
		CORSOrigins: cfg.API.CORSOrigins,
		IntakeLog:   cfg.API.IntakeLog,
		Logger:      sugar,
	}, q, publisher, streams, orders)

	sugar.Infow("orderflow_starting",
		"api_addr", cfg.API.Addr,
		"concurrency", cfg.Queue.Concurrency,
		"max_attempts", cfg.Queue.MaxAttempts,
		"slippage_bps", cfg.Execution.SlippageBps,
		"routing_policy", cfg.Execution.RoutingPolicy,
		"pending_jobs", q.Count())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx, executor.Handle, executor.OnFailure) })
	g.Go(func() error { return streams.Run(gctx, bus) })
	g.Go(func() error { return apiServer.Start(gctx, cfg.API.Addr) })

	err = g.Wait()
	q.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("orderflow_stopped", "err", err)
		return
	}
	sugar.Info("orderflow_stopped")
}
