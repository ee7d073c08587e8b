package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"naskahsync/config"
	"naskahsync/config/database"
	"naskahsync/internal/cache"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/document/service"
	"naskahsync/internal/events"
	"naskahsync/pkg/logger"
	"naskahsync/router"
	"naskahsync/socket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	logger.Init(cfg.Server.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := socket.HubOptions{
		TypingWindow: cfg.Collab.TypingWindow,
		MessageRate:  cfg.Collab.MessageRate,
		MessageBurst: cfg.Collab.MessageBurst,
	}

	// The journal is optional; documents live in memory either way.
	var journal *repository.JournalRepository
	if cfg.Database.URL != "" {
		db, err := database.Connect(cfg.Database.URL)
		if err != nil {
			logger.Sugar.Fatalf("Could not connect to database: %v", err)
		}
		defer db.Close()
		journal = repository.NewJournalRepository(db)
		opts.Journal = journal
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Sugar.Warnf("Redis at %s not reachable, presence mirror disabled: %v", cfg.Redis.Addr, err)
		} else {
			opts.Mirror = cache.NewRedisPresence(rdb, cfg.Redis.PresenceTTL)
			logger.Sugar.Infof("Mirroring presence to redis at %s", cfg.Redis.Addr)
		}
		cancel()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			logger.Sugar.Warnf("Kafka producer unavailable, op events disabled: %v", err)
		} else {
			dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, events.Options{})
			defer producer.Close()
			defer dispatcher.Close()
			opts.Events = dispatcher
			logger.Sugar.Infof("Publishing op events to %s", cfg.Kafka.Topic)
		}
	}

	hub := socket.NewHub(service.NewDocumentService(cfg.Collab.HistoryCap), opts)
	go hub.Run()
	defer hub.Stop()

	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		hub.JournalWorker(ctx, cfg.Database.FlushInterval)
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.Setup(hub, journal, cfg.Auth.JWTSecret),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Sugar.Errorf("Server shutdown: %v", err)
		}
	}()

	logger.Sugar.Infof("Naskah sync server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Sugar.Fatalf("Server failed: %v", err)
	}
	<-journalDone
	logger.Sugar.Info("Server stopped")
}
