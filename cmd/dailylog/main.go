package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dailylog/internal/app"
	"dailylog/internal/config"
	"dailylog/internal/ratelimit"
	"dailylog/internal/server"
	"dailylog/internal/util"
	"dailylog/pkg/ai"
	"dailylog/pkg/clientstore"
	"dailylog/pkg/feed"
	"dailylog/pkg/storage"
	"dailylog/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	loc, err := config.ParseLocation(cfg.Timezone)
	if err != nil {
		util.Fatal("failed to load timezone", "err", err)
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close_failed", "err", err)
			}
		}
	}()

	changes, err := openFeed(cfg)
	if err != nil {
		util.Fatal("failed to open change feed", "driver", cfg.FeedDriver, "err", err)
	}
	closers = append(closers, changes.Close)

	backing, err := openStore(cfg, &closers)
	if err != nil {
		util.Fatal("failed to open store", "driver", cfg.StoreDriver, "err", err)
	}
	records := store.NewNotifyingStore(backing, changes, logger)

	clients, err := openClientStore(cfg, &closers)
	if err != nil {
		util.Fatal("failed to open client store", "driver", cfg.ClientStoreDriver, "err", err)
	}

	reflector, err := buildReflector(cfg, logger)
	if err != nil {
		util.Fatal("failed to init ai", "provider", cfg.GenerationProvider, "err", err)
	}

	var archive storage.VoiceArchive
	if cfg.Minio.Enabled() {
		minioArchive, err := storage.NewMinioArchive(storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			util.Fatal("failed to init voice archive", "err", err)
		}
		archive = minioArchive
	}

	var voiceLimiter server.VoiceLimiter
	if cfg.VoiceRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewFixedWindow(cfg.RedisAddr, cfg.RedisPassword, "daily_log:ratelimit:voice", cfg.VoiceRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init voice rate limiter", "err", err)
		}
		closers = append(closers, limiter.Close)
		voiceLimiter = limiter
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:             records,
		Feed:              changes,
		Enricher:          reflector,
		Archive:           archive,
		ClientStore:       clients,
		Password:          cfg.AppPassword,
		Location:          loc,
		EnrichmentTimeout: cfg.EnrichmentTimeout(),
		IdleTimeout:       cfg.SessionIdleTimeout(),
		Logger:            logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		MaxAudioBytes:  cfg.MaxAudioBytes,
		CookieSecure:   cfg.CookieSecure,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: trusted,
		VoiceLimiter:   voiceLimiter,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go appCore.Run(ctx, time.Minute)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("daily log server listening", "addr", addr, "store", cfg.StoreDriver, "feed", cfg.FeedDriver)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "err", err)
	}
	if err := appCore.Shutdown(shutdownCtx); err != nil {
		logger.Warn("app_shutdown_incomplete", "err", err)
	}
}

func openFeed(cfg config.FileConfig) (feed.Feed, error) {
	switch cfg.FeedDriver {
	case "amqp":
		return feed.NewAMQPFeed(feed.AMQPFeedConfig{URL: cfg.AMQPURL, Exchange: cfg.FeedChannel})
	case "memory":
		return feed.NewMemoryFeed(0), nil
	default:
		return feed.NewRedisFeed(feed.RedisFeedConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Channel:  cfg.FeedChannel,
		})
	}
}

func openStore(cfg config.FileConfig, closers *[]func() error) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemoryStore(), nil
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, gs.Close)
	return gs, nil
}

func openClientStore(cfg config.FileConfig, closers *[]func() error) (clientstore.Store, error) {
	if cfg.ClientStoreDriver == "memory" {
		return clientstore.NewMemoryStore(nil), nil
	}
	rs, err := clientstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, rs.Close)
	return rs, nil
}

// buildReflector picks the text generator by provider. Transcription always
// goes through Gemini and is disabled without a Gemini key.
func buildReflector(cfg config.FileConfig, logger *slog.Logger) (*ai.Reflector, error) {
	var gemini *ai.GeminiClient
	if cfg.GeminiAPIKey != "" {
		var opts []ai.GeminiOption
		if cfg.GenerationProvider == "gemini" && cfg.GenerationBaseURL != "" {
			opts = append(opts, ai.WithGeminiBaseURL(cfg.GenerationBaseURL))
		}
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey, opts...)
		if err != nil {
			return nil, err
		}
		gemini = client
	}

	var gen ai.TextGenerator
	switch cfg.GenerationProvider {
	case "ollama":
		gen = ai.NewOllamaGenerator(cfg.GenerationBaseURL, cfg.SuggestionModel)
	case "openai-compat":
		gen = ai.NewOpenAICompatGenerator(cfg.GenerationBaseURL, cfg.GenerationAPIKey, cfg.SuggestionModel)
	default:
		if gemini == nil {
			return nil, errors.New("gemini api key required")
		}
		gen = ai.NewGeminiGenerator(gemini, cfg.SuggestionModel)
	}

	var transcriber ai.Transcriber
	if gemini != nil {
		transcriber = ai.NewGeminiTranscriber(gemini, cfg.TranscriptionModel)
	} else {
		logger.Warn("transcription_disabled", "reason", "no gemini api key")
	}
	return ai.NewReflector(gen, transcriber), nil
}
