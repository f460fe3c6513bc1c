package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/spotexchange/internal/api"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/memstore"
	"github.com/xtrntr/spotexchange/internal/notify"
	"github.com/xtrntr/spotexchange/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// backend is what the server needs from a store implementation
type backend interface {
	store.Store
	store.UserStore
}

// Main entry point: sets up the store, exchange, relay and HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Fatal("server stopped", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logg *zap.Logger) (backend, func(), error) {
	if cfg.App.Store == config.StoreMemory {
		logg.Warn("using in-memory store, nothing will be persisted")
		return memstore.New(memstore.WithLockTimeout(cfg.Postgres.LockTimeout)), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Postgres.URL, db.WithLockTimeout(cfg.Postgres.LockTimeout))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.Migrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close(ctx)
			return nil, nil, err
		}
	}
	return database, func() { database.Close(context.Background()) }, nil
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := notify.NewHub(logg.Named("hub"))
	publishers := []notify.Publisher{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publishers = append(publishers, kafkaPublisher)
		logg.Info("publishing trades to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		publishers = append(publishers, notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix))
		logg.Info("publishing trades to redis", zap.String("addr", cfg.Redis.Addr))
	}

	relay := notify.NewRelay(st, publishers,
		notify.WithPollInterval(cfg.Outbox.PollInterval),
		notify.WithBatchSize(cfg.Outbox.BatchSize),
		notify.WithRelayLogger(logg.Named("relay")),
	)

	// Initialize exchange (matching and settlement)
	ex := exchange.NewExchange(st,
		exchange.WithLogger(logg.Named("exchange")),
		exchange.WithNotifier(relay),
		exchange.WithSymbols(cfg.App.Symbols...),
	)
	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(ex, authService, hub, logg.Named("api"))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Routes(r)
	r.Handle("/*", http.FileServer(http.Dir(cfg.App.StaticDir)))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Info("starting server", zap.String("addr", server.Addr), zap.String("store", cfg.App.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.App.OrderbookInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				handler.BroadcastOrderbooks(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
