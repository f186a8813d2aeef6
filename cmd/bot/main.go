package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/diminDDL/discord-ollama/internal/catalog"
	"github.com/diminDDL/discord-ollama/internal/config"
	"github.com/diminDDL/discord-ollama/internal/convo"
	"github.com/diminDDL/discord-ollama/internal/discord"
	"github.com/diminDDL/discord-ollama/internal/engine"
	"github.com/diminDDL/discord-ollama/internal/metrics"
	"github.com/diminDDL/discord-ollama/internal/ollama"
	"github.com/diminDDL/discord-ollama/internal/policy"
	"github.com/diminDDL/discord-ollama/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("ollama_url", cfg.OllamaURL).
		Str("prefix", cfg.CommandPrefix).
		Bool("debug_mode", cfg.DebugMode).
		Msg("starting discord-ollama")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// An empty DSN leaves the audit log disabled; a nil store is a no-op.
	var store *storage.Store
	if cfg.DB.DSN != "" {
		store, err = storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize audit storage")
		}
		defer store.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	backend, err := ollama.New(ollama.Config{BaseURL: cfg.OllamaURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ollama client")
	}

	m := metrics.Global()
	cache := catalog.New(backend, log.Logger)
	go cache.Run(ctx, cfg.Chat.CatalogRefresh)

	mgr := convo.NewManager(rdb, cfg.Chat.MaxHistory)
	pol := policy.NewEngine(rdb, mgr)

	eng := engine.New(engine.Config{
		Policy:        pol,
		Convo:         mgr,
		Catalog:       cache,
		Backend:       backend,
		Images:        discord.NewImageFetcher(nil, cfg.Chat.ImageFetchLimit),
		Audit:         store,
		Metrics:       m,
		Logger:        log.Logger,
		DefaultPrompt: cfg.DefaultPrompt,
		ChunkSize:     cfg.Chat.ChunkSize,
		ChatTimeout:   cfg.Chat.Timeout,
		DebugMode:     cfg.DebugMode,
	})

	bot, err := discord.New(discord.Config{
		Token:  cfg.DiscordToken,
		Prefix: cfg.CommandPrefix,
		Engine: eng,
		Logger: log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create discord bot")
	}

	errCh := make(chan error, 2)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("discord bot: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
