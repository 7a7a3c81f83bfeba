package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bybit-trading-engine/config"
	"bybit-trading-engine/internal/admission"
	"bybit-trading-engine/internal/api"
	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/engine"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/guardian"
	"bybit-trading-engine/internal/ladder"
	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/logging"
	"bybit-trading-engine/internal/metrics"
	"bybit-trading-engine/internal/notification"
	"bybit-trading-engine/internal/portfolio"
	"bybit-trading-engine/internal/reconcile"
	"bybit-trading-engine/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSample("config.json"); err != nil {
			log.Fatalf("Failed to generate sample config: %v", err)
		}
		fmt.Println("Wrote config.json")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Bool("testnet", cfg.Bybit.Testnet).Msg("Starting trading engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus carries everything observable to the websocket feed
	// and the notifiers
	bus := events.NewEventBus()

	notifier := notification.NewManager(logger)
	if cfg.Notification.Enabled {
		if cfg.Notification.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(cfg.Notification.Telegram))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.Notification.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(cfg.Notification.Discord))
			logger.Info().Msg("Discord notifications enabled")
		}
	}

	client := exchange.NewRestClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.Testnet, logger)
	stream := exchange.NewPriceStream(cfg.Bybit.Testnet, logger)

	book := ledger.NewPositionLedger(logger)
	adm := admission.NewController(cfg.Conservative, cfg.Scalping, logger)
	gate := portfolio.NewGate(cfg.Portfolio, book, logger)
	ladderEngine := ladder.NewEngine(cfg.Ladder, logger)

	registry := prometheus.NewRegistry()
	mtr := metrics.New(registry)

	breaker := circuit.NewBreaker(cfg.Circuit)
	breaker.OnTrip(func(reason string) {
		mtr.SetCircuitState(string(circuit.StateOpen))
		notifier.Alert("Circuit breaker tripped", reason)
	})
	breaker.OnReset(func() {
		mtr.SetCircuitState(string(circuit.StateClosed))
	})

	guard := guardian.NewCoordinator(
		cfg.Guardian, client, client.Filters(), book, stream, breaker, bus, notifier, logger,
	)
	rec := reconcile.NewLoop(cfg.Reconcile, client, book, guard, adm, bus, logger)

	var snapshots *store.PostgresStore
	if cfg.Store.PostgresEnabled {
		snapshots, err = store.NewPostgresStore(cfg.Store.Postgres, logger)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer snapshots.Close()
		if err := snapshots.Migrate(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Store.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		defer redisClient.Close()
	}
	state := store.NewRedisStateStore(redisClient, logger)

	eng := engine.New(cfg.Engine, engine.Deps{
		Client:    client,
		Stream:    stream,
		Book:      book,
		Admission: adm,
		Gate:      gate,
		Ladder:    ladderEngine,
		Guard:     guard,
		Reconcile: rec,
		Snapshots: snapshots,
		State:     state,
		Bus:       bus,
		Notifier:  notifier,
		Metrics:   mtr,
	}, logger)

	server := api.NewServer(cfg.Server, eng, breaker, bus, registry, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Start(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("Engine exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Engine stopped")
}
