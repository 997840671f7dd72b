package main

import (
	"log/slog"
	"net/http"
	"time"

	"storyround/internal/app"
	"storyround/internal/config"
	"storyround/internal/moderation"
	"storyround/internal/queue"
	"storyround/internal/ratelimit"
	"storyround/internal/server"
	"storyround/internal/store"
	"storyround/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	gate, err := moderation.NewRedisGate(cfg.RedisAddr, cfg.RedisPassword, st,
		time.Duration(cfg.ModerationCacheTTLSecs)*time.Second)
	if err != nil {
		util.Fatal("failed to init moderation gate", "err", err)
	}

	var publisher queue.Publisher = queue.NoopPublisher{}
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			util.Fatal("failed to init event publisher", "err", err)
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	var postLimiter *ratelimit.FixedWindowLimiter
	if cfg.PostRateLimitPerMinute > 0 {
		postLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "storyround:ratelimit:post",
			cfg.PostRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:                  st,
		Gate:                   gate,
		Publisher:              publisher,
		Completion:             app.PostCapPolicy{Cap: cfg.PostCap},
		DefaultMinParticipants: cfg.DefaultMinParticipants,
		DefaultMaxParticipants: cfg.DefaultMaxParticipants,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:         appCore,
		PostLimiter: postLimiter,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("storyround server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
