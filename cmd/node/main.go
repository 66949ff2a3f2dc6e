package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/params"
	"github.com/uhyunpark/pairbook/pkg/api"
	"github.com/uhyunpark/pairbook/pkg/book"
	"github.com/uhyunpark/pairbook/pkg/metrics"
	"github.com/uhyunpark/pairbook/pkg/notify"
	"github.com/uhyunpark/pairbook/pkg/service"
	"github.com/uhyunpark/pairbook/pkg/storage"
	"github.com/uhyunpark/pairbook/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Store ----
	store, err := openStore(ctx, cfg.Store, sugar)
	if err != nil {
		sugar.Fatalw("store_open_failed", "backend", cfg.Store.Backend, "err", err)
	}
	defer store.Close()
	sugar.Infow("store_ready", "backend", cfg.Store.Backend)

	// ---- Notifier ----
	pub := connectPublisher(ctx, cfg.Notifier, sugar)
	defer pub.Close()

	// ---- Service + API ----
	m := metrics.New()
	hub := api.NewHub(sugar)
	svc := service.New(store, pub, hub, sugar, service.Options{
		DefaultDepth: cfg.Book.DefaultDepth,
		MaxDepth:     cfg.Book.MaxDepth,
		Queue:        cfg.Notifier.Queue,
		Clock:        util.RealClock{},
		Metrics:      m,
	})

	if cfg.Store.SeedBooks {
		seed, err := storage.LoadSeed(cfg.Store.SeedFile)
		if err != nil {
			sugar.Fatalw("seed_load_failed", "file", cfg.Store.SeedFile, "err", err)
		}
		if err := svc.Seed(ctx, seed); err != nil {
			sugar.Fatalw("seed_apply_failed", "err", err)
		}
	}

	go hub.Run(ctx)

	server := api.NewServer(svc, hub, sugar, api.Options{
		AllowedOrigins: cfg.Node.AllowedOrigins,
		Metrics:        m.Handler(),
	})
	errc := make(chan error, 1)
	go func() { errc <- server.Start(ctx, cfg.Node.APIAddr) }()

	sugar.Infow("node_started",
		"api_addr", cfg.Node.APIAddr,
		"store", cfg.Store.Backend,
		"notifier", cfg.Notifier.Driver,
		"queue", cfg.Notifier.Queue,
	)

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_signal")
	case err := <-errc:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

// openStore does not retry; a store that is down at startup is fatal.
func openStore(ctx context.Context, cfg params.Store, log *zap.SugaredLogger) (book.Store, error) {
	switch cfg.Backend {
	case params.BackendRedis:
		h, err := storage.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return storage.NewIndexedStore(h, log), nil
	case params.BackendPebble:
		h, err := storage.OpenPebbleHandle(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		return storage.NewIndexedStore(h, log), nil
	}
	return storage.NewMemoryStore(), nil
}

// connectPublisher retries the broker with a fixed delay. When every attempt
// fails the node still starts; trades then fail with an unavailable error.
func connectPublisher(ctx context.Context, cfg params.Notifier, log *zap.SugaredLogger) notify.Publisher {
	var dial func(context.Context) (notify.Publisher, error)
	switch cfg.Driver {
	case params.DriverLog:
		return notify.LogPublisher{Log: log}
	case params.DriverSarama:
		dial = notify.DialSarama(cfg.Brokers)
	default:
		dial = notify.DialKafka(cfg.Brokers)
	}
	pub, err := notify.Connect(ctx, dial, cfg.ConnectAttempts, cfg.ConnectDelay, util.RealClock{}, log)
	if err != nil {
		log.Errorw("notifier_unavailable", "driver", cfg.Driver, "brokers", cfg.Brokers, "err", err)
		return notify.Unconnected{}
	}
	return pub
}
