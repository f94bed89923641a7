package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"langexchange-backend/internal/api"
	"langexchange-backend/internal/api/handlers"
	"langexchange-backend/internal/auth"
	"langexchange-backend/internal/config"
	"langexchange-backend/internal/logger"
	"langexchange-backend/internal/matching"
	"langexchange-backend/internal/queue"
	"langexchange-backend/internal/ratelimit"
	"langexchange-backend/internal/sessions"
	"langexchange-backend/internal/signaling"
	"langexchange-backend/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatal("load config", "err", err)
	}
	log := logger.New(cfg.LogLevel)
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStorage(ctx, cfg.Database, cfg.Redis.URL)
	if err != nil {
		log.Fatal("initialize storage", "err", err)
	}
	defer store.Close()

	if err := store.DB.RunMigrations(); err != nil {
		log.Fatal("run migrations", "err", err)
	}

	rdb := store.Redis.Client()
	queueStore := queue.NewRedisStore(rdb, cfg.Queue.PriorityOffset, log)

	redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		log.Fatal("parse redis url", "err", err)
	}
	processor := queue.NewProcessor(queueStore, store.DB, redisOpt, queue.ProcessorConfig{
		Concurrency:     cfg.Worker.Concurrency,
		CleanupInterval: cfg.Queue.CleanupInterval,
		StaleAfter:      cfg.Queue.StaleAfter,
	}, log)

	hub := sessions.NewHub(log)

	matchmaker := matching.NewMatchmaker(queueStore, store.DB, hub, processor, matching.Config{
		PendingTTL:  cfg.Match.PendingTTL,
		RejectedTTL: cfg.Match.RejectedTTL,
	}, log)

	processor.SetMatchExpirer(matchmaker)
	if err := processor.Start(ctx); err != nil {
		log.Fatal("start queue processor", "err", err)
	}
	defer processor.Stop()

	limiter := ratelimit.New(rdb, cfg.RateLimit.PerMinute)
	for _, event := range signaling.Events {
		limiter.SetLimit(event, cfg.RateLimit.SignalingPerMinute)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, store.DB, log)
	relay := signaling.NewRelay(hub, log)
	gateway := sessions.NewGateway(hub, matchmaker, relay, verifier, limiter, store.DB, log)

	router := api.NewRouter(&api.Dependencies{
		QueueHandler: handlers.NewQueueHandler(matchmaker, log),
		Authenticate: verifier.Middleware,
		WebSocket:    gateway.HandleWebSocket,
		Health:       store.Ping,
		Logger:       log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", "err", err)
		os.Exit(1)
	}
	log.Info("server exited")
}
