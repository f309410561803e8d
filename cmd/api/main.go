package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketflow/api"
	"marketflow/cache"
	"marketflow/config"
	"marketflow/db"
	"marketflow/dispute"
	"marketflow/escrow"
	"marketflow/notification"
	"marketflow/outbox"
)

func main() {
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	disputeRepo := dispute.NewRepository(pool)
	disputeSvc := dispute.NewService(pool, disputeRepo)

	escrowRepo := escrow.NewRepository(pool)
	settlementSvc := escrow.NewService(pool, escrowRepo)
	notificationRepo := notification.NewRepository(pool)

	if cfg.RedisURL != "" {
		redisClient, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connect error: %v", err)
		}
		defer redisClient.Close()
		store := cache.NewStore(redisClient)
		disputeSvc = disputeSvc.WithHistoryCache(store, cfg.HistoryCacheTTL)
		// Settlement resolves disputes, which changes vendor history.
		settlementSvc = settlementSvc.WithHistoryInvalidation(store)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("kafka publisher error: %v", err)
		}
		defer publisher.Close()

		relay := outbox.NewRelay(pool, publisher, cfg.OutboxInterval, cfg.OutboxBatchSize)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("outbox relay stopped: %v", err)
			}
		}()
	}

	handler := api.NewHandler(disputeSvc, settlementSvc, notificationRepo, cfg.JWTSecret)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler, cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
