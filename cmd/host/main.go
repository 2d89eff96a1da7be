// Package main is the entry point for the chat game host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chat-game-host/internal/adapter/telegram"
	"chat-game-host/internal/config"
	"chat-game-host/internal/delivery"
	"chat-game-host/internal/game"
	"chat-game-host/internal/game/tictactoe"
	"chat-game-host/internal/game/wordrace"
	"chat-game-host/internal/session"
	"chat-game-host/internal/store"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the session state backend
	st, cleanup, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to initialize store")
	}
	defer cleanup()

	log.Info().Str("backend", cfg.Store.Backend).Msg("Store initialized")

	// Initialize game catalog and register games
	catalog := game.NewCatalog()
	for _, f := range []game.Factory{
		func() game.Unit { return tictactoe.New() },
		func() game.Unit { return wordrace.New() },
	} {
		if err := catalog.Register(f); err != nil {
			log.Fatal().Err(err).Msg("Failed to register game")
		}
	}

	log.Info().
		Int("game_count", catalog.Count()).
		Strs("games", catalog.IDs()).
		Msg("Games registered")

	// The telebot client is shared by the inbound adapter and the outbound
	// delivery sender.
	teleBot, err := telegram.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Telegram client")
	}

	queue := delivery.NewQueue(telegram.NewSender(teleBot), delivery.Config{
		SweepInterval: cfg.Delivery.SweepInterval,
		EditInterval:  cfg.Delivery.EditInterval,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		MaxAge:        cfg.Delivery.MaxAge,
		MaxEntries:    cfg.Delivery.MaxEntries,
		BackoffBase:   cfg.Delivery.BackoffBase,
		BackoffCap:    cfg.Delivery.BackoffCap,
	})
	queue.Start()

	router := session.NewRouter(st, catalog, queue, session.Config{
		IdleTTL:       cfg.Session.IdleTTL,
		TombstoneTTL:  cfg.Session.TombstoneTTL,
		AutoplayDelay: cfg.Session.AutoplayDelay,
	})

	bot, err := telegram.New(cfg, teleBot, router, catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Bot is starting...")
		bot.Start()
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	bot.Stop()
	queue.Stop()
	log.Info().Msg("Stopped gracefully")
}

// newStore builds the configured session store. The returned cleanup closes
// any backing connections.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemory(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store.NewRedis(client), func() { _ = client.Close() }, nil

	case "postgres":
		pool, err := store.NewPostgresPool(ctx, store.PoolConfig{
			DSN:             cfg.Database.DSN(),
			MaxConns:        int32(cfg.Database.PoolSize),
			ConnectTimeout:  cfg.Database.ConnectTimeout,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		startReaper(ctx, pg)
		return pg, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// startReaper deletes expired rows in the background. Reads already filter
// them, so this is garbage collection rather than correctness.
func startReaper(ctx context.Context, pg *store.Postgres) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := pg.ReapExpired(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reap expired sessions")
				}
			}
		}
	}()
}
